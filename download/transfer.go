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

// Package download 实现 spec.md §4.11 的下载引擎: 管理多个由不透明 handle 标识的并发
// 传输 驱动每个传输各自的状态机 并在传输之间共享重连调度
package download

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Transport 标识一次下载使用的传输层
type Transport int

const (
	TransportHTTP Transport = iota
	TransportCoAP
)

func (t Transport) String() string {
	if t == TransportCoAP {
		return "coap"
	}
	return "http"
}

// defaultPorts 按 spec.md §9 "URL schemes for downloads" 列出的方案
var defaultPorts = map[string]string{
	"coap":      "5683",
	"coaps":     "5684",
	"coap+tcp":  "5683",
	"coaps+tcp": "5684",
	"http":      "80",
	"https":     "443",
}

// ErrUnsupportedScheme 代表一个未在 spec.md §9 列出的下载 URL 方案
var ErrUnsupportedScheme = errors.New("unsupported download url scheme")

// ParseTarget 解析下载 URL 返回其传输类型以及补全默认端口后的 host
func ParseTarget(rawURL string) (Transport, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, errors.Wrap(err, "parse download url")
	}

	scheme := strings.ToLower(u.Scheme)
	port, ok := defaultPorts[scheme]
	if !ok {
		return 0, nil, errors.Wrapf(ErrUnsupportedScheme, "%q", u.Scheme)
	}
	if u.Port() == "" {
		u.Host = u.Hostname() + ":" + port
	}

	switch scheme {
	case "http", "https":
		return TransportHTTP, u, nil
	default:
		return TransportCoAP, u, nil
	}
}

// StatusKind 是 spec.md §4.11 "Transfer status" 标签联合体的判别标签
type StatusKind int

const (
	StatusFinished StatusKind = iota
	StatusFailed
	StatusInvalidResponse
	StatusExpired
	StatusAborted

	// statusSuspended 是只在 Driver.Run 与 Engine 之间使用的内部信号 对应 spec.md §4.11
	// suspend(): "gracefully halts the transfer without notifying completion" 它从不越过
	// Engine 边界传给用户的 FinishFunc
	statusSuspended
)

// Status 是一次传输终止时上报给调用方完成回调的结果
type Status struct {
	Kind       StatusKind
	Err        error
	StatusCode int
}

func Finished() Status              { return Status{Kind: StatusFinished} }
func Failed(err error) Status       { return Status{Kind: StatusFailed, Err: err} }
func InvalidResponse(code int) Status {
	return Status{Kind: StatusInvalidResponse, StatusCode: code}
}
func Expired() Status { return Status{Kind: StatusExpired} }
func Aborted() Status { return Status{Kind: StatusAborted} }

// Suspended 构造驱动在响应 Suspend() 时返回给 Engine 的内部占位状态 它从不到达
// FinishFunc: Engine.run 在转发给用户回调之前拦截并丢弃这个状态
func Suspended() Status { return Status{Kind: statusSuspended} }

func (s Status) String() string {
	switch s.Kind {
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed: " + s.Err.Error()
	case StatusInvalidResponse:
		return "invalid response"
	case StatusExpired:
		return "expired"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// NextBlockFunc 在每次收到一块超过当前 bytes_written 的数据时被调用一次 返回非 nil
// error 会中止传输并以 Failed(err) 结束
type NextBlockFunc func(chunk []byte, etag string) error

// FinishFunc 在传输终止 (无论成功/失败/过期/取消) 时恰好调用一次
type FinishFunc func(status Status)

// Config 描述一次下载请求
type Config struct {
	URL         string
	StartOffset int64
	ETag        string
	OnNextBlock NextBlockFunc
	OnFinished  FinishFunc
}

// Driver 是单个传输驱动 (httpdriver/coapdriver) 对 Engine 暴露的 vtable 对应
// spec.md §4.11 描述的 socket()/handle_packet()/suspend()/reconnect()/
// set_next_block_offset(n)
//
// handle_packet 在本实现里对应为"驱动在自己的 goroutine 里阻塞式地拉取数据直至完成或
// 出错" (§9: 单线程协作式调度器的事件循环属于外部协作方 不在这个包的范围内) Run 因此
// 取代了 socket()+handle_packet() 的组合: 它拥有自己的 I/O 循环 通过 ctx 取消来响应
// abort 通过 Suspend() 来响应挂起
type Driver interface {
	// Run 阻塞执行传输直到完成/出错/ctx 被取消/被 Suspend 每次收到新数据都会调用 onBlock
	// ctx 被取消时返回 Aborted; Suspend 被调用时返回的状态只在 Engine 内部可见 不会到达
	// 用户的 FinishFunc (调用方随后可以用同一个 Driver 重新调用 Run 来恢复)
	Run(ctx context.Context, onBlock NextBlockFunc) Status

	// Suspend 让一次正在进行中的 Run 尽快以内部挂起状态返回 不触发完成回调
	Suspend()

	// BytesWritten 返回已经投递给用户回调的字节数
	BytesWritten() int64

	// SetNextBlockOffset 允许调用方跳过字节 下一次从该偏移量重新请求
	SetNextBlockOffset(n int64)

	// Transport 返回该驱动所属的传输层 用于 sched_reconnect 按 mask 过滤
	Transport() Transport
}

// DriverFactory 按 Config 构造一个尚未运行的 Driver
type DriverFactory func(cfg Config) (Driver, error)

var driverFactories = map[Transport]DriverFactory{}

// RegisterDriver 注册一种传输的 Driver 构造函数 供 httpdriver/coapdriver 在 init 中调用
func RegisterDriver(t Transport, f DriverFactory) {
	driverFactories[t] = f
}
