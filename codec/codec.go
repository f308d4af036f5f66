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

// Package codec 实现内容格式相关的输入/输出上下文族 以及把 (格式, 动作) 映射到具体
// 实现的动态选择器
//
// 每个后端在 init() 中把自己注册进包级表 这与 teacher 的 protocol.Register/protocol.Get
// 注册模式相同 只是键从 socket.L7Proto 换成了 (ContentFormat, Action)
package codec

import (
	"math"

	"github.com/pkg/errors"

	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

// ContentFormat 对应 CoAP Content-Format 选项数值 参见 spec.md 术语表与 §4.7
type ContentFormat int32

const (
	// FormatNone 是"未指定"的哨兵值 不是一个合法的 CoAP 媒体类型
	FormatNone           ContentFormat = -1
	FormatTextPlain      ContentFormat = 0
	FormatLinkFormat     ContentFormat = 40
	FormatOctetStream    ContentFormat = 42
	FormatCBOR           ContentFormat = 60
	FormatSenMLJSON      ContentFormat = 110
	FormatSenMLCBOR      ContentFormat = 112
	FormatOMALwM2MTLV    ContentFormat = 11542
	FormatOMALwM2MJSON   ContentFormat = 11543
	FormatOMALwM2MCBOR   ContentFormat = 11544
)

// Action 是请求解析器派生出的 LwM2M 操作枚举 参见 spec.md §4.7/§4.8
type Action int

const (
	ActionRead Action = iota
	ActionDiscover
	ActionWrite
	ActionWriteUpdate
	ActionExecute
	ActionCreate
	ActionDelete
	ActionWriteAttributes
	ActionReadComposite
	ActionWriteComposite
	ActionBootstrapFinish
	ActionObserve
	ActionSend
)

// isComposite 操作是否要求 SenML 风格的层级化输出/输入 (basename/name 寻址)
func (a Action) isComposite() bool {
	return a == ActionReadComposite || a == ActionWriteComposite || a == ActionSend
}

// ValueType 标识输入/输出上下文当前值的声明类型
type ValueType int

const (
	ValueNone ValueType = iota
	ValueInt
	ValueUint
	ValueFloat
	ValueBool
	ValueString
	ValueBytes
	ValueObjlnk
)

// InputContext 是对 spec.md §4.5 契约的 Go 化表达
//
// GetPath 在 NextEntry 被调用之前是幂等的 各类型读取要求当前条目已经 GetPath 过
// 且底层声明的类型兼容 否则返回 BadRequest
type InputContext interface {
	// GetPath 返回当前记录的路径 遇到 EOF 返回 lwm2merrors.ErrGetPathEnd
	GetPath() (lwm2mpath.Path, error)
	// NextEntry 清空路径缓存并推进到下一条记录; 单值后端为 no-op 且标记流终止
	NextEntry() error

	ReadInt() (int64, error)
	ReadUint() (uint64, error)
	ReadFloat() (float64, error)
	ReadBool() (bool, error)
	// ReadString 分块读取 返回写入 buf 的字节数与是否读取完成
	ReadString(buf []byte) (n int, finished bool, err error)
	// ReadBytes 分块读取
	ReadBytes(buf []byte) (n int, finished bool, err error)
	ReadObjlnk() (oid, iid uint16, err error)

	// Close 必须被调用 流中任何剩余的未解码字节都是 BadRequest
	Close() error
}

// OutputContext 是对 spec.md §4.6 契约的 Go 化表达
type OutputContext interface {
	// SetPath 设置下一次值写入对应的路径 必须在 base path 之内 且此前没有挂起路径
	SetPath(p lwm2mpath.Path) error
	// ClearPath 隐式地在每次写值后调用 亦可显式调用以跳过一个空路径
	ClearPath()

	RetInt(v int64) error
	RetUint(v uint64) error
	RetFloat(v float64) error
	RetBool(v bool) error
	RetString(v string) error
	RetBytes(v []byte) error
	RetObjlnk(oid, iid uint16) error

	// StartAggregate 把上下文切换为容器模式 用于多实例资源
	StartAggregate() error
	// SetTime 为当前 SenML 元素设置可选的时间戳 非 SenML 后端为 no-op
	SetTime(t float64)

	// Close 若存在一个已 SetPath 但未被消费的路径 返回 lwm2merrors.ErrRetNotCalled
	Close() error
}

// InputConstructor 构造一个绑定到给定 base path 与原始负载的输入上下文
type InputConstructor func(basePath lwm2mpath.Path, payload []byte) (InputContext, error)

// OutputConstructor 构造一个绑定到给定 base path 并写入 buf 的输出上下文
type OutputConstructor func(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error)

type backendEntry struct {
	format      ContentFormat
	hierarchical bool
	newInput    InputConstructor
	newOutput   OutputConstructor
}

var registry = map[ContentFormat]backendEntry{}

// register 由每个具体后端的 init() 调用 newInput/newOutput 为 nil 代表该后端不支持对应方向
// (例如 EXECUTE 没有输入解码器 对应 plain 后端的 newInput 在该动作下不会被选择器调用)
func register(format ContentFormat, hierarchical bool, newInput InputConstructor, newOutput OutputConstructor) {
	registry[format] = backendEntry{format: format, hierarchical: hierarchical, newInput: newInput, newOutput: newOutput}
}

// hierarchicalPreferenceOrder 由高到低: SenML-CBOR > SenML-JSON > LwM2M-TLV
var hierarchicalPreferenceOrder = []ContentFormat{FormatSenMLCBOR, FormatSenMLJSON, FormatOMALwM2MTLV}

// simplePreferenceOrder 由高到低: 纯文本 > CBOR > TLV
var simplePreferenceOrder = []ContentFormat{FormatTextPlain, FormatCBOR, FormatOMALwM2MTLV}

// Selector 实现 spec.md §4.7 的 (format, action) 查找表
type Selector struct{}

// NewSelector 创建一个选择器 该选择器无内部状态 仅读取包级注册表
func NewSelector() *Selector {
	return &Selector{}
}

// ChooseOutputFormat 在请求未显式声明 Accept 格式时按 §4.7 的默认规则挑选一个
func (s *Selector) ChooseOutputFormat(action Action, preferHierarchical bool) (ContentFormat, error) {
	if action.isComposite() {
		for _, f := range hierarchicalPreferenceOrder[:2] { // composite 路径只接受 SenML-CBOR/JSON
			if _, ok := registry[f]; ok {
				return f, nil
			}
		}
		return FormatNone, lwm2merrors.ErrNotAcceptable
	}
	order := simplePreferenceOrder
	if preferHierarchical {
		order = hierarchicalPreferenceOrder
	}
	for _, f := range order {
		if _, ok := registry[f]; ok {
			return f, nil
		}
	}
	return FormatNone, lwm2merrors.ErrNotAcceptable
}

// NewInput 按 format 构造一个输入上下文 EXECUTE 没有输入解码器
func (s *Selector) NewInput(format ContentFormat, action Action, basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	if action == ActionExecute {
		return nil, errors.New("codec: EXECUTE has no input decoder")
	}
	entry, ok := registry[format]
	if !ok || entry.newInput == nil {
		return nil, lwm2merrors.ErrUnsupportedContentFormat
	}
	if action.isComposite() && !entry.hierarchical {
		return nil, lwm2merrors.ErrNotAcceptable
	}
	return entry.newInput(basePath, payload)
}

// NewOutput 按 format 构造一个输出上下文
func (s *Selector) NewOutput(format ContentFormat, action Action, basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	entry, ok := registry[format]
	if !ok || entry.newOutput == nil {
		return nil, lwm2merrors.ErrNotAcceptable
	}
	if action.isComposite() && !entry.hierarchical {
		return nil, lwm2merrors.ErrNotAcceptable
	}
	return entry.newOutput(basePath, buf)
}

// numberFitsInt64Exactly 判断一个 float64 是否可以无损转换为 int64 供各后端共享
func numberFitsInt64Exactly(f float64) (int64, bool) {
	if math.IsNaN(f) || math.Trunc(f) != f {
		return 0, false
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func numberFitsUint64Exactly(f float64) (uint64, bool) {
	if f < 0 {
		return 0, false
	}
	v, ok := numberFitsInt64Exactly(f)
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}
