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

// Package dm 实现 spec.md §4.10 的数据模型调度器: 把一个已解析的请求路由到声明了对应
// OID 的 Object 实现 并负责事务边界与 observe-queue 刷新
package dm

import (
	"github.com/packetd/lwm2m/attrs"
	"github.com/packetd/lwm2m/codec"
	"github.com/packetd/lwm2m/lwm2mpath"
)

// Transaction 包裹一次写类操作 commit 失败时对象可以在内部回滚
type Transaction interface {
	Commit() error
	Rollback()
}

// Object 是单个 LwM2M Object 的数据模型契约 每个具体 object (比如 Device、Server)
// 各自实现这个接口并在启动时向 Dispatcher.Register 注册
//
// 嵌入 attrs.Store 是因为属性继承链的读取 (§4.9) 最终总是落到某个具体 object 的存储上;
// WriteAttrs 是这条链路的写入半边
type Object interface {
	OID() uint16

	// Read 把 path 处的当前值写入 out out 已经由 selector 按请求的 Accept/Content-Format
	// 构造并 base-path 到了请求目标
	Read(path lwm2mpath.Path, out codec.OutputContext) error

	// Discover 返回 path 之下存在的直接子路径集合 由 dispatcher 序列化为 CoRE Link-Format
	// 链接格式不经过 codec 的 InputContext/OutputContext 契约 (它描述的是路径集合 而不是
	// §4.5/4.6 建模的标量值流)
	Discover(path lwm2mpath.Path) ([]lwm2mpath.Path, error)

	// Write 处理非 composite 场景下的完整/部分写入 in 已 base-path 到 path 所在的 object/
	// instance 对象自己驱动 GetPath/Read*/NextEntry 直到 in.GetPath 返回
	// lwm2merrors.ErrGetPathEnd partial=false 时必须先清空实例已有资源再整体替换
	Write(path lwm2mpath.Path, in codec.InputContext, partial bool) error

	// WriteResource 只消费 in 当前条目 (dispatcher 已经为这条目调用过 in.GetPath) 的值
	// 用于 composite 写入: dispatcher 自己驱动跨多个 object 的 GetPath/NextEntry 循环
	// 每条目只委托给拥有该 path 的 object 写一次
	WriteResource(path lwm2mpath.Path, in codec.InputContext) error

	Execute(path lwm2mpath.Path, args *ExecArgsIterator) error

	// Create 在 path (object 或带 iid 的 instance 路径) 创建一个实例 path 不带 iid 时
	// 由 object 自行分配; 返回实际创建的实例路径
	Create(path lwm2mpath.Path, in codec.InputContext) (lwm2mpath.Path, error)

	Delete(path lwm2mpath.Path) error

	attrs.Store
	WriteAttrs(path lwm2mpath.Path, serverID uint16, a attrs.Attributes) error

	// Begin 获取该 object 声明的锁/事务状态 只在写类操作前调用
	Begin() (Transaction, error)
}

// ExecArg 是 EXECUTE 负载里以逗号分隔的一个参数: 形如 "0" 或 "0=value"
type ExecArg struct {
	ID       int
	Value    string
	HasValue bool
}

// ExecArgsIterator 是对 EXECUTE 负载解析后的只读游标 参见 spec.md §4.10
type ExecArgsIterator struct {
	args []ExecArg
	idx  int
}

// Next 返回下一个参数 ok=false 代表已耗尽
func (it *ExecArgsIterator) Next() (ExecArg, bool) {
	if it == nil || it.idx >= len(it.args) {
		return ExecArg{}, false
	}
	a := it.args[it.idx]
	it.idx++
	return a, true
}

// Len 返回参数总数
func (it *ExecArgsIterator) Len() int {
	if it == nil {
		return 0
	}
	return len(it.args)
}
