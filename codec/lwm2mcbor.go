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

// LwM2M-CBOR (OMA-LWM2M-CBOR) 把数据表示为以路径分量为键逐层嵌套的 CBOR map 而不是
// SenML 那样的扁平记录数组 最大嵌套深度取 spec.md §4.2 "5 for LwM2M-CBOR" 对应
// object/instance/resource/resource-instance 四级加外层包裹
package codec

import (
	"bytes"
	"sort"

	"github.com/packetd/lwm2m/cbor"
	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

const lwm2mCBORMaxNesting = 5

func init() {
	// composite 动作明确要求 SenML-CBOR/JSON 因而这里 hierarchical=false 即便
	// LwM2M-CBOR 本身也是树形格式 (§4.7)
	register(FormatOMALwM2MCBOR, false, newLwM2MCBORInput, newLwM2MCBOROutput)
}

type lwm2mcborLeaf struct {
	tail  []uint16 // basePath 之后的剩余路径分量
	kind  ValueType
	i     int64
	u     uint64
	f     float64
	b     bool
	s     string
	bytes []byte
	oid   uint16
	iid   uint16
}

type lwm2mCBORInput struct {
	basePath lwm2mpath.Path
	leaves   []lwm2mcborLeaf
	idx      int
	pathGot  bool
}

func newLwM2MCBORInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	dec := cbor.NewDecoder(payload, lwm2mCBORMaxNesting)
	leaves, err := decodeLwM2MCBORMap(dec, nil)
	if err != nil {
		return nil, err
	}
	if !dec.Finished() {
		return nil, lwm2merrors.ErrBadRequest
	}
	return &lwm2mCBORInput{basePath: basePath, leaves: leaves}, nil
}

// decodeLwM2MCBORMap 递归下降: map 的键是路径分量 (uint) 值要么是子 map 要么是标量叶子
func decodeLwM2MCBORMap(dec *cbor.Decoder, prefix []uint16) ([]lwm2mcborLeaf, error) {
	count, indef, err := dec.EnterMap()
	if err != nil {
		return nil, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "lwm2m-cbor: expected map")
	}
	if indef {
		// 我们自己的编码器只产生定长 map (见 Close) 不接受不定长输入简化解码逻辑
		return nil, lwm2merrors.ErrBadRequest
	}

	var out []lwm2mcborLeaf
	for i := uint64(0); i < count; i++ {
		n, err := dec.ReadNumber()
		if err != nil {
			return nil, lwm2merrors.ErrBadRequest
		}
		id, ok := n.AsU64()
		if !ok || id >= 65535 {
			return nil, lwm2merrors.ErrBadRequest
		}
		next := append(append([]uint16{}, prefix...), uint16(id))

		switch dec.PeekType() {
		case cbor.TypeMap:
			children, err := decodeLwM2MCBORMap(dec, next)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
		default:
			leaf, err := decodeLwM2MCBORLeaf(dec, next)
			if err != nil {
				return nil, err
			}
			out = append(out, leaf)
		}
	}
	return out, nil
}

func decodeLwM2MCBORLeaf(dec *cbor.Decoder, tail []uint16) (lwm2mcborLeaf, error) {
	switch dec.PeekType() {
	case cbor.TypeUint, cbor.TypeNegativeInt, cbor.TypeFloat, cbor.TypeDouble:
		n, err := dec.ReadNumber()
		if err != nil {
			return lwm2mcborLeaf{}, lwm2merrors.ErrBadRequest
		}
		f, _ := n.AsF64()
		return lwm2mcborLeaf{tail: tail, kind: ValueFloat, f: f}, nil
	case cbor.TypeBool:
		v, err := dec.ReadBool()
		if err != nil {
			return lwm2mcborLeaf{}, lwm2merrors.ErrBadRequest
		}
		return lwm2mcborLeaf{tail: tail, kind: ValueBool, b: v}, nil
	case cbor.TypeTextString:
		v, err := readCBORText(dec)
		if err != nil {
			return lwm2mcborLeaf{}, err
		}
		return lwm2mcborLeaf{tail: tail, kind: ValueString, s: v}, nil
	case cbor.TypeByteString:
		v, err := readCBORBytes(dec)
		if err != nil {
			return lwm2mcborLeaf{}, err
		}
		return lwm2mcborLeaf{tail: tail, kind: ValueBytes, bytes: v}, nil
	default:
		return lwm2mcborLeaf{}, lwm2merrors.ErrBadRequest
	}
}

func (l *lwm2mCBORInput) pathFor(leaf lwm2mcborLeaf) (lwm2mpath.Path, error) {
	full := append(append([]uint16{}, pathComponents(l.basePath)...), leaf.tail...)
	switch len(full) {
	case 1:
		return lwm2mpath.NewObject(full[0]), nil
	case 2:
		return lwm2mpath.NewInstance(full[0], full[1]), nil
	case 3:
		return lwm2mpath.NewResource(full[0], full[1], full[2]), nil
	case 4:
		return lwm2mpath.NewResourceInstance(full[0], full[1], full[2], full[3]), nil
	default:
		return lwm2mpath.Path{}, lwm2merrors.ErrBadRequest
	}
}

func pathComponents(p lwm2mpath.Path) []uint16 {
	var out []uint16
	if oid, ok := p.OID(); ok {
		out = append(out, oid)
	} else {
		return out
	}
	if iid, ok := p.IID(); ok {
		out = append(out, iid)
	} else {
		return out
	}
	if rid, ok := p.RID(); ok {
		out = append(out, rid)
	} else {
		return out
	}
	if riid, ok := p.RIID(); ok {
		out = append(out, riid)
	}
	return out
}

func (l *lwm2mCBORInput) GetPath() (lwm2mpath.Path, error) {
	if l.idx >= len(l.leaves) {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	p, err := l.pathFor(l.leaves[l.idx])
	if err != nil {
		return p, err
	}
	if p.Outside(l.basePath) {
		return lwm2mpath.Path{}, lwm2merrors.ErrBadRequest
	}
	l.pathGot = true
	return p, nil
}

func (l *lwm2mCBORInput) NextEntry() error {
	l.idx++
	l.pathGot = false
	return nil
}

func (l *lwm2mCBORInput) requireType(t ValueType) (lwm2mcborLeaf, error) {
	if !l.pathGot || l.idx >= len(l.leaves) || l.leaves[l.idx].kind != t {
		return lwm2mcborLeaf{}, lwm2merrors.ErrBadRequest
	}
	return l.leaves[l.idx], nil
}

func (l *lwm2mCBORInput) ReadInt() (int64, error) {
	leaf, err := l.requireType(ValueFloat)
	if err != nil {
		return 0, err
	}
	v, ok := numberFitsInt64Exactly(leaf.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (l *lwm2mCBORInput) ReadUint() (uint64, error) {
	leaf, err := l.requireType(ValueFloat)
	if err != nil {
		return 0, err
	}
	v, ok := numberFitsUint64Exactly(leaf.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (l *lwm2mCBORInput) ReadFloat() (float64, error) {
	leaf, err := l.requireType(ValueFloat)
	if err != nil {
		return 0, err
	}
	return leaf.f, nil
}

func (l *lwm2mCBORInput) ReadBool() (bool, error) {
	leaf, err := l.requireType(ValueBool)
	if err != nil {
		return false, err
	}
	return leaf.b, nil
}

func (l *lwm2mCBORInput) ReadString(buf []byte) (int, bool, error) {
	leaf, err := l.requireType(ValueString)
	if err != nil {
		return 0, false, err
	}
	n := copy(buf, leaf.s)
	if n < len(leaf.s) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (l *lwm2mCBORInput) ReadBytes(buf []byte) (int, bool, error) {
	leaf, err := l.requireType(ValueBytes)
	if err != nil {
		return 0, false, err
	}
	n := copy(buf, leaf.bytes)
	if n < len(leaf.bytes) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (l *lwm2mCBORInput) ReadObjlnk() (uint16, uint16, error) {
	return 0, 0, lwm2merrors.ErrBadRequest
}

func (l *lwm2mCBORInput) Close() error {
	if l.idx < len(l.leaves) {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// ---- 输出端: 先收集 (tail, 已编码的标量字节) 再在 Close 时一次性构建嵌套 map ----

type lwm2mcborOut struct {
	tail  []uint16
	value []byte
}

type lwm2mCBOROutput struct {
	basePath lwm2mpath.Path
	buf      *bufbytes.Bytes
	entries  []lwm2mcborOut
	pathSet  bool
	curTail  []uint16
	written  bool
}

func newLwM2MCBOROutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &lwm2mCBOROutput{basePath: basePath, buf: buf}, nil
}

func (l *lwm2mCBOROutput) SetPath(p lwm2mpath.Path) error {
	if l.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if p.Outside(l.basePath) {
		return lwm2merrors.ErrFormatMismatch
	}
	full := pathComponents(p)
	base := pathComponents(l.basePath)
	l.curTail = append([]uint16{}, full[len(base):]...)
	l.pathSet = true
	return nil
}

func (l *lwm2mCBOROutput) ClearPath() { l.pathSet = false }

func (l *lwm2mCBOROutput) emit(fn func(*cbor.Encoder)) error {
	if !l.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	var tmp bytes.Buffer
	enc := cbor.NewEncoder(&tmp)
	fn(enc)
	if err := enc.Err(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "lwm2m-cbor: encode leaf")
	}
	l.entries = append(l.entries, lwm2mcborOut{tail: l.curTail, value: tmp.Bytes()})
	l.written = true
	l.ClearPath()
	return nil
}

func (l *lwm2mCBOROutput) RetInt(v int64) error {
	return l.emit(func(e *cbor.Encoder) { e.Int(v) })
}
func (l *lwm2mCBOROutput) RetUint(v uint64) error {
	return l.emit(func(e *cbor.Encoder) { e.UInt(v) })
}
func (l *lwm2mCBOROutput) RetFloat(v float64) error {
	return l.emit(func(e *cbor.Encoder) { e.Float64(v) })
}
func (l *lwm2mCBOROutput) RetBool(v bool) error {
	return l.emit(func(e *cbor.Encoder) { e.Bool(v) })
}
func (l *lwm2mCBOROutput) RetString(v string) error {
	return l.emit(func(e *cbor.Encoder) { e.TextString(v) })
}
func (l *lwm2mCBOROutput) RetBytes(v []byte) error {
	return l.emit(func(e *cbor.Encoder) {
		e.BytesBegin(len(v))
		e.BytesAppend(v)
		e.BytesEnd()
	})
}
func (l *lwm2mCBOROutput) RetObjlnk(oid, iid uint16) error {
	return lwm2merrors.ErrFormatMismatch
}

func (l *lwm2mCBOROutput) StartAggregate() error { return nil }
func (l *lwm2mCBOROutput) SetTime(float64)       {}

// node 是构建嵌套 map 时使用的中间树结构
type node struct {
	leaf     []byte
	children map[uint16]*node
	order    []uint16
}

func (l *lwm2mCBOROutput) Close() error {
	if l.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	root := &node{children: map[uint16]*node{}}
	for _, e := range l.entries {
		cur := root
		for i, id := range e.tail {
			if i == len(e.tail)-1 {
				child, ok := cur.children[id]
				if !ok {
					child = &node{}
					cur.children[id] = child
					cur.order = append(cur.order, id)
				}
				child.leaf = e.value
				break
			}
			child, ok := cur.children[id]
			if !ok {
				child = &node{children: map[uint16]*node{}}
				cur.children[id] = child
				cur.order = append(cur.order, id)
			}
			cur = child
		}
	}

	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	writeLwM2MCBORNode(enc, root)
	if err := enc.Err(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "lwm2m-cbor: encode tree")
	}
	l.buf.Write(buf.Bytes())
	return nil
}

func writeLwM2MCBORNode(enc *cbor.Encoder, n *node) {
	ids := append([]uint16{}, n.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	enc.MapBegin(len(ids))
	for _, id := range ids {
		enc.UInt(uint64(id))
		child := n.children[id]
		if child.leaf != nil {
			enc.Raw(child.leaf)
		} else {
			writeLwM2MCBORNode(enc, child)
		}
	}
}
