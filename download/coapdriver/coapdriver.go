// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coapdriver 实现 spec.md §4.13: 逐块驱动 CoAP GET 块偏移量来自 bytes_written
// 按块大小取整 ETag 处理与 HTTP 驱动一致
package coapdriver

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/plgd-dev/go-coap/v2/udp"
	"github.com/plgd-dev/go-coap/v2/udp/client"

	"github.com/packetd/lwm2m/download"
)

func init() {
	download.RegisterDriver(download.TransportCoAP, New)
}

type driver struct {
	cfg    download.Config
	target *url.URL

	mut          sync.Mutex
	bytesWritten int64
	etag         string
	conn         *client.ClientConn

	suspendOnce sync.Once
	suspendCh   chan struct{}
}

// New 构造一个 CoAP 下载驱动 供 download.Engine 通过注册表调用
//
// spec.md §9 允许这类下载复用一个已连接 LwM2M server 的 CoAP 上下文 (按 scheme/host/port
// 匹配) 这里总是为下载独立拨号: 共享现有 server 连接需要协作方持有的 "queue a request"
// 能力 属于外部编排层 不在这个包的范围内
func New(cfg download.Config) (download.Driver, error) {
	_, target, err := download.ParseTarget(cfg.URL)
	if err != nil {
		return nil, err
	}
	return &driver{
		cfg:          cfg,
		target:       target,
		bytesWritten: cfg.StartOffset,
		etag:         cfg.ETag,
		suspendCh:    make(chan struct{}),
	}, nil
}

func (d *driver) Transport() download.Transport { return download.TransportCoAP }

func (d *driver) BytesWritten() int64 {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.bytesWritten
}

func (d *driver) SetNextBlockOffset(n int64) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.bytesWritten = n
}

func (d *driver) Suspend() {
	d.suspendOnce.Do(func() { close(d.suspendCh) })
}

func (d *driver) currentETag() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.etag
}

func (d *driver) setETag(v string) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.etag = v
}

func (d *driver) addBytesWritten(n int64) {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.bytesWritten += n
}

func (d *driver) dial(ctx context.Context) (*client.ClientConn, error) {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := udp.Dial(d.target.Host)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

func (d *driver) dropConn() {
	d.mut.Lock()
	defer d.mut.Unlock()
	d.conn = nil
}

// Run 按 bytes_written 取整后的块号逐块发起 GET 直到响应的 Block2 选项不再带 more 标志
func (d *driver) Run(ctx context.Context, onBlock download.NextBlockFunc) download.Status {
	d.mut.Lock()
	d.suspendOnce = sync.Once{}
	d.suspendCh = make(chan struct{})
	suspendCh := d.suspendCh
	d.mut.Unlock()

	conn, err := d.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return download.Aborted()
		}
		return download.Failed(err)
	}

	szx := download.BlockSizeSZX
	blockSize := blockSizeFromSZX(szx)

	for {
		select {
		case <-ctx.Done():
			return download.Aborted()
		case <-suspendCh:
			return download.Suspended()
		default:
		}

		num := uint32(d.BytesWritten()) / uint32(blockSize)
		opts := []message.Option{
			{ID: message.Block2, Value: encodeUint(encodeBlockOption(num, szx, false))},
		}
		if etag := d.currentETag(); etag != "" {
			opts = append(opts, message.Option{ID: message.ETag, Value: []byte(etag)})
		}

		resp, err := conn.Get(ctx, d.target.Path, opts...)
		if err != nil {
			select {
			case <-suspendCh:
				return download.Suspended()
			default:
			}
			if ctx.Err() != nil {
				return download.Aborted()
			}
			d.dropConn()
			return download.Failed(err)
		}

		if resp.Code() == codes.PreconditionFailed {
			return download.Expired()
		}
		if resp.Code() != codes.Content {
			return download.InvalidResponse(int(resp.Code()))
		}

		more := false
		if raw, ok := optionUint(resp.Options(), message.Block2); ok {
			_, more, _ = decodeBlockOption(raw)
		}

		if raw, ok := optionBytes(resp.Options(), message.ETag); ok {
			cur := d.currentETag()
			newETag := string(raw)
			if cur != "" && cur != newETag {
				return download.Expired()
			}
			d.setETag(newETag)
		}

		body, err := io.ReadAll(resp.Body())
		if err != nil {
			return download.Failed(err)
		}
		if len(body) > 0 {
			if err := onBlock(body, d.currentETag()); err != nil {
				return download.Failed(err)
			}
			d.addBytesWritten(int64(len(body)))
		}

		if !more {
			return download.Finished()
		}
	}
}

func optionUint(opts message.Options, id message.OptionID) (uint32, bool) {
	raw, ok := optionBytes(opts, id)
	if !ok {
		return 0, false
	}
	return decodeUint(raw), true
}

func optionBytes(opts message.Options, id message.OptionID) ([]byte, bool) {
	for _, o := range opts {
		if o.ID == id {
			return o.Value, true
		}
	}
	return nil, false
}
