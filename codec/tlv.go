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

// OMA LwM2M TLV 是按 resource id 平铺的定长前缀二进制格式: 每条记录的头部编码
// "标识符类型" (object instance/resource instance/multiple resource/resource)、
// 标识符宽度 (8/16 bit) 与长度字段宽度 (0/8/16/24 bit) 随后是原始标量字节
//
// 与 SenML-CBOR/JSON 不同 TLV 的容器 (Object Instance 包裹 Resource/Multiple-Resource
// 条目 Multiple Resource 包裹 Resource-Instance 条目) 把子节点字节总长度编码进自己的
// 头部 所以容器必须先把子条目全部编码进一个临时缓冲区 量出长度 才能写出自己的头部
// 这里按 basePath 的长度支持三种寻址深度: object 级 (1, 每条记录是一个 instance 其内
// 嵌套 resource/multiple-resource 条目)、instance 级 (2, 每条记录是一个 resource 或
// multiple-resource) 和 resource 级 (3, 单条记录是该 resource 自身或其若干
// resource-instance) 对应 spec.md §4.6 与 §8 Testable Properties Scenario #2
package codec

import (
	"encoding/binary"
	"math"

	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

const (
	tlvTypeObjectInstance   = 0 << 6
	tlvTypeResourceInstance = 1 << 6
	tlvTypeMultipleResource = 2 << 6
	tlvTypeResource         = 3 << 6

	tlvIDLen16 = 1 << 5

	tlvLenNone = 0 << 3 // 长度内联在头部最低 3 bit
	tlvLen8    = 1 << 3
	tlvLen16   = 2 << 3
	tlvLen24   = 3 << 3

	tlvTypeMask = 3 << 6

	// tlvInnerBufCap 是容器条目 (Object Instance/Multiple Resource) 编码子条目时使用
	// 的临时缓冲区容量 LwM2M 负载实际远小于此值 这里只是给嵌套编码一个充裕上限
	tlvInnerBufCap = 1 << 16
)

func init() {
	register(FormatOMALwM2MTLV, false, newTLVInput, newTLVOutput)
}

type tlvEntry struct {
	typ   byte
	id    uint16
	value []byte
}

func parseTLVEntries(buf []byte) ([]tlvEntry, error) {
	var entries []tlvEntry
	for len(buf) > 0 {
		head := buf[0]
		buf = buf[1:]
		idLen := 1
		if head&tlvIDLen16 != 0 {
			idLen = 2
		}
		if len(buf) < idLen {
			return nil, lwm2merrors.ErrBadRequest
		}
		var id uint16
		if idLen == 1 {
			id = uint16(buf[0])
		} else {
			id = binary.BigEndian.Uint16(buf[:2])
		}
		buf = buf[idLen:]

		var length int
		switch head & tlvLen24 {
		case tlvLenNone:
			length = int(head & 0x7)
		case tlvLen8:
			if len(buf) < 1 {
				return nil, lwm2merrors.ErrBadRequest
			}
			length = int(buf[0])
			buf = buf[1:]
		case tlvLen16:
			if len(buf) < 2 {
				return nil, lwm2merrors.ErrBadRequest
			}
			length = int(binary.BigEndian.Uint16(buf[:2]))
			buf = buf[2:]
		default: // tlvLen24
			if len(buf) < 3 {
				return nil, lwm2merrors.ErrBadRequest
			}
			length = int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
			buf = buf[3:]
		}
		if len(buf) < length {
			return nil, lwm2merrors.ErrBadRequest
		}
		entries = append(entries, tlvEntry{typ: head & tlvTypeMask, id: id, value: buf[:length]})
		buf = buf[length:]
	}
	return entries, nil
}

// tlvLeaf 是铺平之后的一条标量记录 path 已经按 basePath 解析出完整的四级寻址
type tlvLeaf struct {
	path  lwm2mpath.Path
	value []byte
}

// flattenTLV 按 basePath 的寻址深度递归展开嵌套容器 把 object-instance/multiple-
// resource 条目铺平成一串叶子记录 供 tlvInput 顺序消费
func flattenTLV(basePath lwm2mpath.Path, entries []tlvEntry) ([]tlvLeaf, error) {
	oid, ok := basePath.OID()
	if !ok {
		return nil, lwm2merrors.ErrBadRequest
	}

	switch basePath.Len() {
	case 1: // object 级: 每条记录必须是一个 Object Instance 内嵌 resource/multiple-resource
		var leaves []tlvLeaf
		for _, e := range entries {
			if e.typ != tlvTypeObjectInstance {
				return nil, lwm2merrors.ErrBadRequest
			}
			inner, err := parseTLVEntries(e.value)
			if err != nil {
				return nil, err
			}
			sub, err := flattenTLV(lwm2mpath.NewInstance(oid, e.id), inner)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, sub...)
		}
		return leaves, nil

	case 2: // instance 级: 每条记录是一个 resource (标量) 或 multiple-resource (展开成若干 resource-instance)
		iid, _ := basePath.IID()
		var leaves []tlvLeaf
		for _, e := range entries {
			switch e.typ {
			case tlvTypeResource:
				leaves = append(leaves, tlvLeaf{path: lwm2mpath.NewResource(oid, iid, e.id), value: e.value})
			case tlvTypeMultipleResource:
				inner, err := parseTLVEntries(e.value)
				if err != nil {
					return nil, err
				}
				for _, ie := range inner {
					if ie.typ != tlvTypeResourceInstance {
						return nil, lwm2merrors.ErrBadRequest
					}
					leaves = append(leaves, tlvLeaf{path: lwm2mpath.NewResourceInstance(oid, iid, e.id, ie.id), value: ie.value})
				}
			default:
				return nil, lwm2merrors.ErrBadRequest
			}
		}
		return leaves, nil

	case 3: // resource 级: 单条记录要么是该 resource 自身的标量值 要么是其若干 resource-instance
		iid, _ := basePath.IID()
		rid := mustRID(basePath)
		var leaves []tlvLeaf
		for _, e := range entries {
			switch e.typ {
			case tlvTypeResource:
				leaves = append(leaves, tlvLeaf{path: lwm2mpath.NewResource(oid, iid, rid), value: e.value})
			case tlvTypeResourceInstance:
				leaves = append(leaves, tlvLeaf{path: lwm2mpath.NewResourceInstance(oid, iid, rid, e.id), value: e.value})
			default:
				return nil, lwm2merrors.ErrBadRequest
			}
		}
		return leaves, nil

	default:
		return nil, lwm2merrors.ErrBadRequest
	}
}

func encodeTLVEntry(idType byte, id uint16, value []byte) []byte {
	head := idType
	var idBytes []byte
	if id > 0xFF {
		head |= tlvIDLen16
		idBytes = []byte{byte(id >> 8), byte(id)}
	} else {
		idBytes = []byte{byte(id)}
	}

	var lengthBytes []byte
	switch {
	case len(value) <= 7:
		head |= tlvLenNone | byte(len(value))
	case len(value) <= 0xFF:
		head |= tlvLen8
		lengthBytes = []byte{byte(len(value))}
	case len(value) <= 0xFFFF:
		head |= tlvLen16
		lengthBytes = []byte{byte(len(value) >> 8), byte(len(value))}
	default:
		head |= tlvLen24
		lengthBytes = []byte{byte(len(value) >> 16), byte(len(value) >> 8), byte(len(value))}
	}

	out := make([]byte, 0, 1+len(idBytes)+len(lengthBytes)+len(value))
	out = append(out, head)
	out = append(out, idBytes...)
	out = append(out, lengthBytes...)
	out = append(out, value...)
	return out
}

// tlvMinimalInt 按照 TLV 整数编码惯例 (big-endian 最短字节数, 1/2/4/8 字节) 编码
func tlvMinimalInt(v int64) []byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return []byte{byte(v)}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b
	}
}

func tlvDecodeInt(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, lwm2merrors.ErrBadRequest
	}
}

type tlvInput struct {
	basePath lwm2mpath.Path
	leaves   []tlvLeaf
	idx      int
	pathGot  bool
}

func newTLVInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	if basePath.Len() < 1 || basePath.Len() > 3 {
		return nil, lwm2merrors.ErrBadRequest
	}
	entries, err := parseTLVEntries(payload)
	if err != nil {
		return nil, err
	}
	leaves, err := flattenTLV(basePath, entries)
	if err != nil {
		return nil, err
	}
	return &tlvInput{basePath: basePath, leaves: leaves}, nil
}

func mustRID(p lwm2mpath.Path) uint16 {
	rid, _ := p.RID()
	return rid
}

func (t *tlvInput) GetPath() (lwm2mpath.Path, error) {
	if t.idx >= len(t.leaves) {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	t.pathGot = true
	return t.leaves[t.idx].path, nil
}

func (t *tlvInput) NextEntry() error {
	t.idx++
	t.pathGot = false
	return nil
}

func (t *tlvInput) cur() ([]byte, error) {
	if !t.pathGot || t.idx >= len(t.leaves) {
		return nil, lwm2merrors.ErrBadRequest
	}
	return t.leaves[t.idx].value, nil
}

func (t *tlvInput) ReadInt() (int64, error) {
	v, err := t.cur()
	if err != nil {
		return 0, err
	}
	return tlvDecodeInt(v)
}

func (t *tlvInput) ReadUint() (uint64, error) {
	v, err := t.ReadInt()
	if err != nil || v < 0 {
		return 0, lwm2merrors.ErrBadRequest
	}
	return uint64(v), nil
}

func (t *tlvInput) ReadFloat() (float64, error) {
	v, err := t.cur()
	if err != nil {
		return 0, err
	}
	switch len(v) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(v))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(v)), nil
	default:
		return 0, lwm2merrors.ErrBadRequest
	}
}

func (t *tlvInput) ReadBool() (bool, error) {
	v, err := t.cur()
	if err != nil {
		return false, err
	}
	if len(v) != 1 || (v[0] != 0 && v[0] != 1) {
		return false, lwm2merrors.ErrBadRequest
	}
	return v[0] == 1, nil
}

func (t *tlvInput) ReadString(buf []byte) (int, bool, error) { return t.ReadBytes(buf) }

func (t *tlvInput) ReadBytes(buf []byte) (int, bool, error) {
	v, err := t.cur()
	if err != nil {
		return 0, false, err
	}
	n := copy(buf, v)
	if n < len(v) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (t *tlvInput) ReadObjlnk() (uint16, uint16, error) {
	v, err := t.cur()
	if err != nil || len(v) != 4 {
		return 0, 0, lwm2merrors.ErrBadRequest
	}
	return binary.BigEndian.Uint16(v[0:2]), binary.BigEndian.Uint16(v[2:4]), nil
}

func (t *tlvInput) Close() error {
	if t.idx < len(t.leaves) {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// tlvOutput 在 basePath 长度为 2/3 时行为和铺平编码一致: 每条 SetPath 直接落一条
// Resource 或 Resource-Instance 记录 只有在两种情形下才需要先缓冲再包一层容器:
//
//   - basePath 长度为 1 (object 级): 记录必须按 instance 分组成 Object Instance 容器
//     iidBuf 缓冲当前 instance 尚未落盘的条目 instance id 变化或 Close 时把 iidBuf
//     封装为一条 Object Instance 记录写回上一级
//   - 调用方在某个 resource 路径上调用 StartAggregate (多实例资源): aggBuf 缓冲该
//     resource 下的若干 Resource-Instance 条目 直到遇到不属于同一 resource 的
//     SetPath 或 Close 时把 aggBuf 封装为一条 Multiple Resource 记录
//
// 这两层可以叠加 (object 级批量读里某个资源恰好是多实例资源)
type tlvOutput struct {
	basePath lwm2mpath.Path
	buf      *bufbytes.Bytes
	pathSet  bool
	cur      lwm2mpath.Path

	hasIID bool
	iid    uint16
	iidBuf *bufbytes.Bytes

	aggregating bool
	aggPath     lwm2mpath.Path
	aggBuf      *bufbytes.Bytes
}

func newTLVOutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	if basePath.Len() < 1 || basePath.Len() > 3 {
		return nil, lwm2merrors.ErrFormatMismatch
	}
	return &tlvOutput{basePath: basePath, buf: buf}, nil
}

func (t *tlvOutput) SetPath(p lwm2mpath.Path) error {
	if t.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if !p.Within(t.basePath) {
		return lwm2merrors.ErrFormatMismatch
	}

	if t.aggregating {
		if p.Within(t.aggPath) && p.Len() == t.aggPath.Len()+1 {
			t.pathSet = true
			t.cur = p
			return nil
		}
		if err := t.closeAggregate(); err != nil {
			return err
		}
	}

	switch t.basePath.Len() {
	case 1:
		if p.Len() != 3 {
			return lwm2merrors.ErrFormatMismatch
		}
		iid, _ := p.IID()
		if !t.hasIID || t.iid != iid {
			if err := t.closeInstance(); err != nil {
				return err
			}
			t.hasIID = true
			t.iid = iid
			t.iidBuf = bufbytes.New(tlvInnerBufCap)
		}
	case 2:
		if p.Len() != 3 {
			return lwm2merrors.ErrFormatMismatch
		}
	case 3:
		if p.Len() != 4 {
			return lwm2merrors.ErrFormatMismatch
		}
	default:
		return lwm2merrors.ErrFormatMismatch
	}

	t.pathSet = true
	t.cur = p
	return nil
}

func (t *tlvOutput) ClearPath() { t.pathSet = false }

// inAggregateLeaf 判断当前定位的路径是否是某个已开启的 resource 聚合下的 resource-instance
func (t *tlvOutput) inAggregateLeaf() bool {
	return t.aggregating && t.cur.Len() == t.aggPath.Len()+1
}

func (t *tlvOutput) idType() byte {
	if t.inAggregateLeaf() || t.basePath.Len() == 3 {
		return tlvTypeResourceInstance
	}
	return tlvTypeResource
}

func (t *tlvOutput) leafID() uint16 {
	if t.inAggregateLeaf() || t.basePath.Len() == 3 {
		riid, _ := t.cur.RIID()
		return riid
	}
	rid, _ := t.cur.RID()
	return rid
}

// sink 返回当前应该落盘普通 (非聚合) 叶子条目的缓冲区: object 级批量读时是当前正在
// 分组的 instance 缓冲区 否则直接是顶层输出缓冲区
func (t *tlvOutput) sink() *bufbytes.Bytes {
	if t.basePath.Len() == 1 && t.hasIID {
		return t.iidBuf
	}
	return t.buf
}

// closeAggregate 把已开启的 resource 聚合封装成一条 Multiple Resource 记录写入 sink()
func (t *tlvOutput) closeAggregate() error {
	if !t.aggregating {
		return nil
	}
	rid := mustRID(t.aggPath)
	entry := encodeTLVEntry(tlvTypeMultipleResource, rid, t.aggBuf.Clone())
	t.aggregating = false
	t.aggBuf = nil
	t.sink().Write(entry)
	return nil
}

// closeInstance 把已分组的 instance 缓冲区封装成一条 Object Instance 记录写入顶层缓冲区
func (t *tlvOutput) closeInstance() error {
	if !t.hasIID {
		return nil
	}
	entry := encodeTLVEntry(tlvTypeObjectInstance, t.iid, t.iidBuf.Clone())
	t.hasIID = false
	t.iidBuf = nil
	t.buf.Write(entry)
	return nil
}

func (t *tlvOutput) emit(value []byte) error {
	if !t.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	sink := t.sink()
	if t.inAggregateLeaf() {
		sink = t.aggBuf
	}
	sink.Write(encodeTLVEntry(t.idType(), t.leafID(), value))
	t.ClearPath()
	return nil
}

func (t *tlvOutput) RetInt(v int64) error   { return t.emit(tlvMinimalInt(v)) }
func (t *tlvOutput) RetUint(v uint64) error { return t.emit(tlvMinimalInt(int64(v))) }

func (t *tlvOutput) RetFloat(v float64) error {
	if float64(float32(v)) == v {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
		return t.emit(b)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return t.emit(b)
}

func (t *tlvOutput) RetBool(v bool) error {
	if v {
		return t.emit([]byte{1})
	}
	return t.emit([]byte{0})
}

func (t *tlvOutput) RetString(v string) error { return t.emit([]byte(v)) }
func (t *tlvOutput) RetBytes(v []byte) error  { return t.emit(v) }

func (t *tlvOutput) RetObjlnk(oid, iid uint16) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], oid)
	binary.BigEndian.PutUint16(b[2:4], iid)
	return t.emit(b)
}

// StartAggregate 把刚用 SetPath 定位的 resource 切换为容器模式 用于多实例资源
//
// basePath 长度为 3 时 resource 本身已经是寻址终点 兄弟记录天然就是 resource-instance
// (无需 Multiple Resource 包装消歧义) 所以这里只清空路径让调用方继续用 SetPath 写各
// resource-instance 其余情形下缓冲区要先把已经写过的条目暂存起来 直到遇到不属于当前
// resource 的下一个 SetPath 或 Close 时才封装成一条 Multiple Resource 记录
func (t *tlvOutput) StartAggregate() error {
	if !t.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if t.basePath.Len() == 3 {
		t.ClearPath()
		return nil
	}
	if t.cur.Len() != 3 {
		return lwm2merrors.ErrFormatMismatch
	}
	t.aggregating = true
	t.aggPath = t.cur
	t.aggBuf = bufbytes.New(tlvInnerBufCap)
	t.ClearPath()
	return nil
}

func (t *tlvOutput) SetTime(float64) {}

func (t *tlvOutput) Close() error {
	if t.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	if err := t.closeAggregate(); err != nil {
		return err
	}
	return t.closeInstance()
}
