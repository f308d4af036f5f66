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

package dm

import (
	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/packetd/lwm2m/coapreq"
	"github.com/packetd/lwm2m/codec"
	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/internal/pubsub"
	"github.com/packetd/lwm2m/internal/rescue"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

// responseBufferSize 是响应负载的暂存缓冲区大小 足以容纳绝大多数 LwM2M 响应
const responseBufferSize = 4096

// PathChanged 是成功的非 bootstrap 请求之后调度器发布到 observe 队列的事件
// observe 调度 (外部协作方) 订阅这个 PubSub 来判定是否需要刷新某条已建立的 observation
type PathChanged struct {
	Path     lwm2mpath.Path
	ServerID uint16
}

// Dispatcher 实现 spec.md §4.10: 按 OID 路由到已注册的 Object 管理事务边界
// 并在成功的非 bootstrap 请求后向 observe 队列发布一次 PathChanged
type Dispatcher struct {
	selector *codec.Selector
	objects  map[uint16]Object
	queue    *pubsub.PubSub
}

// NewDispatcher 创建一个绑定给定选择器与 observe 发布队列的调度器
func NewDispatcher(selector *codec.Selector, queue *pubsub.PubSub) *Dispatcher {
	return &Dispatcher{
		selector: selector,
		objects:  make(map[uint16]Object),
		queue:    queue,
	}
}

// Register 注册一个 object 供请求路由使用 同一个 OID 重复注册会覆盖先前的实现
func (d *Dispatcher) Register(obj Object) {
	d.objects[obj.OID()] = obj
}

func (d *Dispatcher) lookup(path lwm2mpath.Path) (Object, error) {
	oid, ok := path.OID()
	if !ok {
		return nil, lwm2merrors.ErrNotFound
	}
	obj, ok := d.objects[oid]
	if !ok {
		return nil, lwm2merrors.ErrNotFound
	}
	return obj, nil
}

// Response 是一次调度的结果: 响应码与 (若有) 负载
type Response struct {
	Code    codes.Code
	Payload []byte
	Format  codec.ContentFormat
}

// Handle 实现 §4.10 的调度主流程 serverID 标识请求所源自的 server 连接 (写属性/属性
// 继承链解析都按 server 分别存储) bootstrap 请求不由这里处理: 调用方应当在路由前就把
// req.Bootstrap 的请求转给 bootstrap 状态机 (外部协作方); Handle 对误路由到这里的
// bootstrap 请求返回 5.01 NotImplemented 作为防御
func (d *Dispatcher) Handle(req coapreq.Request, serverID uint16) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			for _, fn := range rescue.PanicHandlers {
				fn(r)
			}
			resp = Response{Code: codes.InternalServerError}
		}
	}()

	if req.Bootstrap {
		return Response{Code: codes.NotImplemented}
	}

	code, payload, format, err := d.dispatch(req, serverID)
	if err != nil {
		return Response{Code: lwm2merrors.ToCode(err)}
	}

	d.queue.Publish(PathChanged{Path: req.Path, ServerID: serverID})
	return Response{Code: code, Payload: payload, Format: format}
}

func (d *Dispatcher) dispatch(req coapreq.Request, serverID uint16) (codes.Code, []byte, codec.ContentFormat, error) {
	switch req.Action {
	case codec.ActionRead:
		return d.handleRead(req)
	case codec.ActionDiscover:
		return d.handleDiscover(req)
	case codec.ActionWrite, codec.ActionWriteUpdate:
		return d.handleWrite(req)
	case codec.ActionExecute:
		return d.handleExecute(req)
	case codec.ActionCreate:
		return d.handleCreate(req)
	case codec.ActionDelete:
		return d.handleDelete(req)
	case codec.ActionWriteAttributes:
		return d.handleWriteAttributes(req, serverID)
	case codec.ActionReadComposite:
		return d.handleReadComposite(req)
	case codec.ActionWriteComposite:
		return d.handleWriteComposite(req)
	default:
		return 0, nil, codec.FormatNone, lwm2merrors.ErrMethodNotImplemented
	}
}

func (d *Dispatcher) outputFormat(req coapreq.Request, preferHierarchical bool) (codec.ContentFormat, error) {
	if req.Accept != codec.FormatNone {
		return req.Accept, nil
	}
	return d.selector.ChooseOutputFormat(req.Action, preferHierarchical)
}

func (d *Dispatcher) handleRead(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	format, err := d.outputFormat(req, req.Path.Len() < 3)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	buf := bufbytes.New(responseBufferSize)
	out, err := d.selector.NewOutput(format, req.Action, req.Path, buf)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	if err := obj.Read(req.Path, out); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	if err := out.Close(); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Content, buf.Clone(), format, nil
}

func (d *Dispatcher) handleDiscover(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	paths, err := obj.Discover(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Content, encodeLinkFormat(paths), codec.FormatLinkFormat, nil
}

func (d *Dispatcher) handleWrite(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	in, err := d.selector.NewInput(req.ContentFormat, req.Action, req.Path, req.Payload)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}

	tx, err := obj.Begin()
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	partial := req.Action == codec.ActionWriteUpdate
	if err := obj.Write(req.Path, in, partial); err != nil {
		tx.Rollback()
		return 0, nil, codec.FormatNone, err
	}
	if err := in.Close(); err != nil {
		tx.Rollback()
		return 0, nil, codec.FormatNone, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Changed, nil, codec.FormatNone, nil
}

func (d *Dispatcher) handleExecute(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	args, err := ParseExecArgs(req.Payload)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	if err := obj.Execute(req.Path, args); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Changed, nil, codec.FormatNone, nil
}

func (d *Dispatcher) handleCreate(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	in, err := d.selector.NewInput(req.ContentFormat, req.Action, req.Path, req.Payload)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}

	tx, err := obj.Begin()
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	created, err := obj.Create(req.Path, in)
	if err != nil {
		tx.Rollback()
		return 0, nil, codec.FormatNone, err
	}
	if err := in.Close(); err != nil {
		tx.Rollback()
		return 0, nil, codec.FormatNone, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Created, []byte(created.String()), codec.FormatNone, nil
}

func (d *Dispatcher) handleDelete(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	tx, err := obj.Begin()
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	if err := obj.Delete(req.Path); err != nil {
		tx.Rollback()
		return 0, nil, codec.FormatNone, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Deleted, nil, codec.FormatNone, nil
}

func (d *Dispatcher) handleWriteAttributes(req coapreq.Request, serverID uint16) (codes.Code, []byte, codec.ContentFormat, error) {
	obj, err := d.lookup(req.Path)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	if err := obj.WriteAttrs(req.Path, serverID, req.Attrs); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Changed, nil, codec.FormatNone, nil
}

func (d *Dispatcher) handleReadComposite(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	in, err := d.selector.NewInput(req.ContentFormat, codec.ActionReadComposite, lwm2mpath.Root(), req.Payload)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	var targets []lwm2mpath.Path
	for {
		p, perr := in.GetPath()
		if perr != nil {
			break
		}
		targets = append(targets, p)
		if err := in.NextEntry(); err != nil {
			return 0, nil, codec.FormatNone, err
		}
	}
	if err := in.Close(); err != nil {
		return 0, nil, codec.FormatNone, err
	}

	format, err := d.outputFormat(req, true)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	buf := bufbytes.New(responseBufferSize)
	out, err := d.selector.NewOutput(format, codec.ActionReadComposite, lwm2mpath.Root(), buf)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}
	for _, p := range targets {
		obj, err := d.lookup(p)
		if err != nil {
			return 0, nil, codec.FormatNone, err
		}
		if err := out.SetPath(p); err != nil {
			return 0, nil, codec.FormatNone, err
		}
		if err := obj.Read(p, out); err != nil {
			return 0, nil, codec.FormatNone, err
		}
	}
	if err := out.Close(); err != nil {
		return 0, nil, codec.FormatNone, err
	}
	return codes.Content, buf.Clone(), format, nil
}

func (d *Dispatcher) handleWriteComposite(req coapreq.Request) (codes.Code, []byte, codec.ContentFormat, error) {
	in, err := d.selector.NewInput(req.ContentFormat, codec.ActionWriteComposite, lwm2mpath.Root(), req.Payload)
	if err != nil {
		return 0, nil, codec.FormatNone, err
	}

	txs := make(map[uint16]Transaction)
	rollbackAll := func() {
		for _, tx := range txs {
			tx.Rollback()
		}
	}

	for {
		p, perr := in.GetPath()
		if perr != nil {
			break
		}
		obj, err := d.lookup(p)
		if err != nil {
			rollbackAll()
			return 0, nil, codec.FormatNone, err
		}
		if _, ok := txs[obj.OID()]; !ok {
			tx, err := obj.Begin()
			if err != nil {
				rollbackAll()
				return 0, nil, codec.FormatNone, err
			}
			txs[obj.OID()] = tx
		}
		if err := obj.WriteResource(p, in); err != nil {
			rollbackAll()
			return 0, nil, codec.FormatNone, err
		}
		if err := in.NextEntry(); err != nil {
			rollbackAll()
			return 0, nil, codec.FormatNone, err
		}
	}
	if err := in.Close(); err != nil {
		rollbackAll()
		return 0, nil, codec.FormatNone, err
	}
	for _, tx := range txs {
		if err := tx.Commit(); err != nil {
			return 0, nil, codec.FormatNone, err
		}
	}
	return codes.Changed, nil, codec.FormatNone, nil
}
