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

// Package httpdriver 实现 spec.md §4.12: HTTP/1.1 GET 配合 Range 续传与 ETag/If-Match
// 校验 纹理上参照 teacher 的 phttp 解码器对 HTTP 头部/状态的处理方式改写为出站方向
package httpdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/packetd/lwm2m/download"
)

func init() {
	download.RegisterDriver(download.TransportHTTP, New)
}

// readChunkSize 是每次从响应体读取的缓冲区大小
const readChunkSize = 4096

type driver struct {
	cfg download.Config

	client *http.Client

	mut          sync.Mutex
	bytesWritten int64
	etag         string

	suspendOnce sync.Once
	suspendCh   chan struct{}
}

// New 构造一个 HTTP 下载驱动 供 download.Engine 通过注册表调用 TLS 配置取自包级变量
// download.TLSClientConf (由调用方直接赋值 download.ApplyEngineConfig 不设置它)
// Config 中没有逐次下载的 TLS 配置
func New(cfg download.Config) (download.Driver, error) {
	return &driver{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: download.TLSClientConf},
		},
		bytesWritten: cfg.StartOffset,
		etag:         cfg.ETag,
		suspendCh:    make(chan struct{}),
	}, nil
}

func (d *driver) Transport() download.Transport { return download.TransportHTTP }

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

// Run 发起一次 GET 请求 (按当前 bytesWritten 加 Range 按当前 etag 加 If-Match) 读取响应
// 把超出 bytesWritten 的数据投递给 onBlock 直到流结束、出错、被取消或被挂起
func (d *driver) Run(ctx context.Context, onBlock download.NextBlockFunc) download.Status {
	// Suspend 可能在上一次 Run 返回之后、下一次 Run 开始之前被调用过一次; 每次 Run 都需要
	// 一个新鲜的挂起信号
	d.mut.Lock()
	d.suspendOnce = sync.Once{}
	d.suspendCh = make(chan struct{})
	suspendCh := d.suspendCh
	offset := d.bytesWritten
	etag := d.etag
	d.mut.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return download.Failed(err)
	}
	if etag != "" {
		req.Header.Set("If-Match", strconv.Quote(etag))
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return download.Aborted()
		}
		return download.Failed(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusPreconditionFailed:
		return download.Expired()
	default:
		if resp.StatusCode >= 400 {
			return download.InvalidResponse(resp.StatusCode)
		}
	}

	streamStart := int64(0)
	if resp.StatusCode == http.StatusPartialContent {
		if start, ok := parseContentRangeStart(resp.Header.Get("Content-Range")); ok {
			streamStart = start
		} else {
			streamStart = offset
		}
	}
	if newETag := resp.Header.Get("ETag"); newETag != "" {
		d.mut.Lock()
		if d.etag != "" && d.etag != newETag {
			d.mut.Unlock()
			return download.Expired()
		}
		d.etag = newETag
		d.mut.Unlock()
	}

	// watcher: ctx 取消或 Suspend() 时通过关闭响应体解除阻塞中的 Read
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-suspendCh:
			resp.Body.Close()
		case <-stopWatch:
		}
	}()

	pos := streamStart
	buf := make([]byte, readChunkSize)
	for {
		n, rerr := readWithIdleTimeout(resp.Body, buf, download.IdleTimeout)
		if rerr == errIdleTimeout {
			return download.Failed(errIdleTimeout)
		}
		if n > 0 {
			chunk := buf[:n]
			d.mut.Lock()
			written := d.bytesWritten
			d.mut.Unlock()

			if pos+int64(n) > written {
				skip := written - pos
				if skip < 0 {
					return download.Failed(fmt.Errorf("httpdriver: server stream offset %d exceeds bytes_written %d", pos, written))
				}
				if skip < int64(len(chunk)) {
					deliverable := chunk[skip:]
					if err := onBlock(bytes.Clone(deliverable), d.currentETag()); err != nil {
						return download.Failed(err)
					}
					d.mut.Lock()
					d.bytesWritten += int64(len(deliverable))
					d.mut.Unlock()
				}
			}
			pos += int64(n)
		}

		if rerr != nil {
			if rerr == io.EOF {
				return download.Finished()
			}
			if ctx.Err() != nil {
				return download.Aborted()
			}
			select {
			case <-suspendCh:
				return download.Suspended()
			default:
			}
			return download.Failed(rerr)
		}
	}
}

func (d *driver) currentETag() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.etag
}

// parseContentRangeStart 解析形如 "bytes 100-999/1000" 的 Content-Range 头 返回起始偏移量
func parseContentRangeStart(header string) (int64, bool) {
	header = strings.TrimPrefix(header, "bytes ")
	dash := strings.IndexByte(header, '-')
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(header[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

var errIdleTimeout = errIdle{}

type errIdle struct{}

func (errIdle) Error() string { return "receive stall: idle timeout exceeded" }

// readWithIdleTimeout 实现 spec.md §4.12 "调度器管理的空闲计时器在接收停滞时中止传输"
// 超时时关闭 body 以尽快解除那个仍在阻塞的 Read
func readWithIdleTimeout(r io.ReadCloser, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(timeout):
		r.Close()
		return 0, errIdleTimeout
	}
}
