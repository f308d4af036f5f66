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

package download

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/packetd/lwm2m/common"
	"github.com/packetd/lwm2m/internal/rescue"
)

// ErrTooManyDownloads 对应 spec.md §5 资源受限模型: 并发下载数已达上限
var ErrTooManyDownloads = errors.New("too many concurrent downloads")

// ErrNoDevice 对应 spec.md §4.11 的 ENODEV: 目标传输当前不在线
var ErrNoDevice = errors.New("transport offline")

// ErrNotFound 代表 handle 未关联任何活跃传输
var ErrNotFound = errors.New("download handle not found")

// OnlineChecker 由协作方 (server 连接管理器) 实现 用于回答"这个传输现在在线吗"
// 未设置时 Engine 认为所有传输都在线
type OnlineChecker interface {
	Online(t Transport) bool
}

// transferRecord 是引擎对单次下载的簿记 对应 spec.md §4.11 "download handle" 的描述:
// URL、transport-specific 上下文 (这里是 Driver)、ETag、已投递字节数、已从服务端消费字节
// 数、下一步动作的调度状态 (这里用 cancel 粒度表示) 以及用户回调
type transferRecord struct {
	handle    uint64
	cfg       Config
	driver    Driver
	transport Transport

	mut       sync.Mutex
	cancel    context.CancelFunc
	suspended bool
	activeAt  time.Time
	done      chan struct{}
}

// Engine 持有活跃传输列表与自增的 64 位 handle 计数器 对应 spec.md §4.11
//
// 结构直接改编自 protocol.connPool (mutex + map + RemoveExpired/ActiveConns/Clean) 把键
// 从 socket.Tuple 换成不透明的 uint64 handle 把 Conn 换成 Driver
type Engine struct {
	mut       sync.RWMutex
	transfers map[uint64]*transferRecord
	nextID    atomic.Uint64
	online    OnlineChecker
	sem       chan struct{}
}

// NewEngine 创建一个下载引擎 checker 为 nil 时所有传输都被视为在线
//
// 并发上限取自 common.Concurrency() 沿用 controller 里"按 CPU 核数派生 worker 数量"的
// 同一做法 只是这里换成了限制同时运行的下载 goroutine 数量而非消费者 worker 数量
func NewEngine(checker OnlineChecker) *Engine {
	return &Engine{
		transfers: make(map[uint64]*transferRecord),
		online:    checker,
		sem:       make(chan struct{}, common.Concurrency()),
	}
}

func (e *Engine) isOnline(t Transport) bool {
	if e.online == nil {
		return true
	}
	return e.online.Online(t)
}

// Download 按 spec.md §4.11 选择驱动 (coap*:// 用 CoAP coap.Driver http[s]:// 用 HTTP
// Driver) 检查传输在线性 分配 handle 并登记一次新的传输 下载立即在独立 goroutine 里
// 开始运行
func (e *Engine) Download(cfg Config) (uint64, error) {
	transport, _, err := ParseTarget(cfg.URL)
	if err != nil {
		return 0, err
	}
	if !e.isOnline(transport) {
		return 0, ErrNoDevice
	}

	factory, ok := driverFactories[transport]
	if !ok {
		return 0, errors.Errorf("no driver registered for transport %s", transport)
	}
	driver, err := factory(cfg)
	if err != nil {
		return 0, err
	}

	select {
	case e.sem <- struct{}{}:
	default:
		return 0, ErrTooManyDownloads
	}

	handle := e.nextID.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &transferRecord{
		handle:    handle,
		cfg:       cfg,
		driver:    driver,
		transport: transport,
		cancel:    cancel,
		activeAt:  time.Now(),
		done:      make(chan struct{}),
	}

	e.mut.Lock()
	e.transfers[handle] = rec
	e.mut.Unlock()
	activeTransfers.Inc()

	go e.run(ctx, rec)

	return handle, nil
}

func (e *Engine) run(ctx context.Context, rec *transferRecord) {
	defer rescue.HandleCrash()
	defer close(rec.done)

	status := rec.driver.Run(ctx, func(chunk []byte, etag string) error {
		rec.mut.Lock()
		rec.activeAt = time.Now()
		rec.mut.Unlock()
		bytesTransferredTotal.WithLabelValues(rec.transport.String()).Add(float64(len(chunk)))
		return rec.cfg.OnNextBlock(chunk, etag)
	})

	if status.Kind == statusSuspended {
		// 挂起不终结传输: 记录仍然留在 e.transfers 里 等待 reconnect() 重新驱动 Run
		return
	}

	e.mut.Lock()
	delete(e.transfers, rec.handle)
	e.mut.Unlock()
	<-e.sem
	activeTransfers.Dec()
	finishedTotal.WithLabelValues(rec.transport.String(), statusLabel(status.Kind)).Inc()

	rec.cfg.OnFinished(status)
}

// Abort 实现 spec.md §4.11 "abort(handle) 终止传输 调用完成回调并传入 Aborted"
func (e *Engine) Abort(handle uint64) error {
	e.mut.Lock()
	rec, ok := e.transfers[handle]
	if ok {
		delete(e.transfers, handle)
	}
	e.mut.Unlock()
	if !ok {
		return ErrNotFound
	}

	rec.cancel()
	<-rec.done
	return nil
}

// SchedReconnect 遍历 transport 在 mask 中的传输 并为每个调度一次重连任务
func (e *Engine) SchedReconnect(mask map[Transport]bool) {
	e.mut.RLock()
	var targets []*transferRecord
	for _, rec := range e.transfers {
		if mask[rec.transport] {
			targets = append(targets, rec)
		}
	}
	e.mut.RUnlock()

	for _, rec := range targets {
		rec.mut.Lock()
		suspended := rec.suspended
		rec.mut.Unlock()
		if suspended {
			e.reconnect(rec)
		}
	}
}

func (e *Engine) reconnect(rec *transferRecord) {
	if !e.isOnline(rec.transport) {
		return
	}
	rec.mut.Lock()
	rec.suspended = false
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.done = make(chan struct{})
	rec.mut.Unlock()

	rec.driver.SetNextBlockOffset(rec.driver.BytesWritten())
	go e.run(ctx, rec)
}

// SyncOnlineTransports 将每个传输的状态和全局在线集合对比 离线则挂起 重新在线则重连
func (e *Engine) SyncOnlineTransports() {
	e.mut.RLock()
	var all []*transferRecord
	for _, rec := range e.transfers {
		all = append(all, rec)
	}
	e.mut.RUnlock()

	for _, rec := range all {
		if e.isOnline(rec.transport) {
			rec.mut.Lock()
			wasSuspended := rec.suspended
			rec.mut.Unlock()
			if wasSuspended {
				e.reconnect(rec)
			}
			continue
		}

		rec.mut.Lock()
		already := rec.suspended
		rec.suspended = true
		rec.mut.Unlock()
		if !already {
			rec.driver.Suspend()
		}
	}
}

// ActiveTransfers 返回当前活跃传输的数量
func (e *Engine) ActiveTransfers() int {
	e.mut.RLock()
	defer e.mut.RUnlock()
	return len(e.transfers)
}

// RemoveExpired 终止所有超过 duration 未收到任何数据的传输: 从表中移除并取消其 ctx
// 运行中的传输因此由驱动返回 Aborted 完成回调收到的也是 Aborted
func (e *Engine) RemoveExpired(duration time.Duration) {
	e.mut.Lock()
	now := time.Now()
	var stale []*transferRecord
	for handle, rec := range e.transfers {
		rec.mut.Lock()
		idle := rec.activeAt.Add(duration).Before(now)
		rec.mut.Unlock()
		if idle {
			stale = append(stale, rec)
			delete(e.transfers, handle)
		}
	}
	e.mut.Unlock()

	for _, rec := range stale {
		rec.cancel()
		<-rec.done
	}
}

// Clean 中止所有活跃传输 调用后请勿再次使用该 Engine
func (e *Engine) Clean() {
	e.mut.Lock()
	var all []*transferRecord
	for handle, rec := range e.transfers {
		all = append(all, rec)
		delete(e.transfers, handle)
	}
	e.mut.Unlock()

	for _, rec := range all {
		rec.cancel()
		<-rec.done
	}
}
