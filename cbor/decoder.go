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

package cbor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ItemType 代表解码器 peek 到的下一个值的类型
type ItemType int

const (
	TypeNull ItemType = iota
	TypeUint
	TypeNegativeInt
	TypeFloat
	TypeDouble
	TypeBool
	TypeTextString
	TypeByteString
	TypeArray
	TypeMap
	TypeFinished
	TypeError
)

// NumberKind 标记 Number 联合体实际持有的分量
type NumberKind int

const (
	KindU64 NumberKind = iota
	KindI64
	KindF32
	KindF64
)

// Number 是对 uint64/int64/float32/float64 的带标签联合体
type Number struct {
	Kind NumberKind
	U64  uint64
	I64  int64
	F32  float32
	F64  float64
}

// AsI64 尝试将 Number 转换为 i64
//
// 接受: uint <= MaxInt64 非负整数; 负数整数; 能够精确表示为 i64 的浮点数
func (n Number) AsI64() (int64, bool) {
	switch n.Kind {
	case KindU64:
		if n.U64 > math.MaxInt64 {
			return 0, false
		}
		return int64(n.U64), true
	case KindI64:
		return n.I64, true
	case KindF32:
		f := float64(n.F32)
		i := int64(f)
		return i, float64(i) == f
	case KindF64:
		i := int64(n.F64)
		return i, float64(i) == n.F64
	}
	return 0, false
}

// AsU64 尝试将 Number 转换为 u64
func (n Number) AsU64() (uint64, bool) {
	switch n.Kind {
	case KindU64:
		return n.U64, true
	case KindI64:
		if n.I64 < 0 {
			return 0, false
		}
		return uint64(n.I64), true
	case KindF32:
		f := float64(n.F32)
		if f < 0 {
			return 0, false
		}
		u := uint64(f)
		return u, float64(u) == f
	case KindF64:
		if n.F64 < 0 {
			return 0, false
		}
		u := uint64(n.F64)
		return u, float64(u) == n.F64
	}
	return 0, false
}

// AsF64 将 Number 转换为 f64 四种分量均可表示为浮点数
func (n Number) AsF64() (float64, bool) {
	switch n.Kind {
	case KindU64:
		return float64(n.U64), true
	case KindI64:
		return float64(n.I64), true
	case KindF32:
		return float64(n.F32), true
	case KindF64:
		return n.F64, true
	}
	return 0, false
}

var (
	// ErrMalformed 代表解码输入不是合法的 CBOR 编码
	ErrMalformed = errors.New("cbor: malformed input")
	// ErrNestingTooDeep 代表容器嵌套深度超过了构造时设定的上限
	ErrNestingTooDeep = errors.New("cbor: nesting too deep")
	// ErrBufferTooShort 代表目标缓冲区小于剩余待读取的字节串内容
	ErrBufferTooShort = errors.New("cbor: buffer too short")
	// ErrWrongType 代表当前值类型与请求的读取操作不匹配
	ErrWrongType = errors.New("cbor: wrong type for requested read")
)

const sizeMax = ^uint64(0)

type frame struct {
	isMap     bool
	remaining uint64 // sizeMax 代表不定长
}

// Decoder 是一个有界嵌套的 CBOR 游标式解码器 输入必须一次性提供 (CoAP payload 已整包到达)
type Decoder struct {
	buf         []byte
	pos         int
	maxNesting  int
	frames      []frame
	err         error
	decimalFrac bool // 已跳过的 tag 头中含 tag 4 (decimal fraction) 且被标记的值尚未读取

	// bytesState 跟踪正在被分块读取的 byte/text string
	bytesState *bytesCursor
}

type bytesCursor struct {
	isText      bool
	indefinite  bool
	remaining   uint64 // 当前 chunk 剩余字节数 (definite) 或 0 (需要读取下一个 chunk 头)
	exhausted   bool   // 整个字符串(含所有 chunk)已读完
}

// NewDecoder 创建一个新的 Decoder maxNesting 限制容器的最大嵌套深度 (EnterArray/EnterMap 累计)
func NewDecoder(b []byte, maxNesting int) *Decoder {
	return &Decoder{buf: b, maxNesting: maxNesting}
}

// NestingLevel 返回当前已经打开的容器数量
func (d *Decoder) NestingLevel() int {
	return len(d.frames)
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) remainingBytes() []byte {
	return d.buf[d.pos:]
}

// readHead 读取一个 CBOR item 头部 返回 major type additional info 的解析值以及是否不定长
func (d *Decoder) readHead() (majorType, uint64, bool, error) {
	if d.pos >= len(d.buf) {
		return 0, 0, false, errors.New("cbor: eof")
	}
	b := d.buf[d.pos]
	mt := majorType(b >> 5)
	ai := b & 0x1f
	d.pos++

	switch {
	case ai < extLength1Byte:
		return mt, uint64(ai), false, nil
	case ai == extLength1Byte:
		if d.pos+1 > len(d.buf) {
			return 0, 0, false, errors.New("cbor: truncated 1-byte length")
		}
		v := uint64(d.buf[d.pos])
		d.pos++
		return mt, v, false, nil
	case ai == extLength2Byte:
		if d.pos+2 > len(d.buf) {
			return 0, 0, false, errors.New("cbor: truncated 2-byte length")
		}
		v := uint64(binary.BigEndian.Uint16(d.buf[d.pos:]))
		d.pos += 2
		return mt, v, false, nil
	case ai == extLength4Byte:
		if d.pos+4 > len(d.buf) {
			return 0, 0, false, errors.New("cbor: truncated 4-byte length")
		}
		v := uint64(binary.BigEndian.Uint32(d.buf[d.pos:]))
		d.pos += 4
		return mt, v, false, nil
	case ai == extLength8Byte:
		if d.pos+8 > len(d.buf) {
			return 0, 0, false, errors.New("cbor: truncated 8-byte length")
		}
		v := binary.BigEndian.Uint64(d.buf[d.pos:])
		d.pos += 8
		return mt, v, false, nil
	case ai == extIndefinite:
		return mt, 0, true, nil
	default:
		return 0, 0, false, errors.New("cbor: reserved additional info")
	}
}

// consumeBreakIfPresent 判断下一个字节是否为 indefinite 容器的结束符 0xFF 若是则消费它
func (d *Decoder) consumeBreakIfPresent() bool {
	if d.pos < len(d.buf) && d.buf[d.pos] == 0xFF {
		d.pos++
		return true
	}
	return false
}

// skipTags 消费任意数量的连续 tag 头部 记录是否遇到了 tag 4 (decimal fraction)
//
// 除 tag 4 外其余 tag 透明忽略 (直接在被标记的底层值上重新进入解码步骤)
// 若 tag 后没有跟随任何值 (数据在此结束) 视为错误
func (d *Decoder) skipTags() error {
	if d.pos < len(d.buf) && majorType(d.buf[d.pos]>>5) == majorTag {
		// 新的一串 tag 头; 没有 tag 时保留此前 PeekType 已记录的结果
		d.decimalFrac = false
	}
	for d.pos < len(d.buf) {
		b := d.buf[d.pos]
		if majorType(b>>5) != majorTag {
			return nil
		}
		mt, tagValue, indefinite, err := d.readHead()
		if err != nil || indefinite || mt != majorTag {
			return ErrMalformed
		}
		if tagValue == 4 {
			d.decimalFrac = true
		}
		if d.pos >= len(d.buf) {
			return errors.New("cbor: tag without following value")
		}
	}
	return nil
}

// PeekType 在跳过 whitespace 等价物 (这里是 tag 头) 后 判断下一个值的类型
func (d *Decoder) PeekType() ItemType {
	if d.err != nil {
		return TypeError
	}
	if d.pos >= len(d.buf) {
		return TypeFinished
	}
	if err := d.skipTags(); err != nil {
		d.fail(err)
		return TypeError
	}
	if d.decimalFrac {
		return TypeDouble
	}
	if d.pos >= len(d.buf) {
		d.fail(errors.New("cbor: tag without following value"))
		return TypeError
	}

	b := d.buf[d.pos]
	mt := majorType(b >> 5)
	ai := b & 0x1f
	switch mt {
	case majorUint:
		return TypeUint
	case majorNegativeInt:
		return TypeNegativeInt
	case majorBytes:
		return TypeByteString
	case majorText:
		return TypeTextString
	case majorArray:
		return TypeArray
	case majorMap:
		return TypeMap
	case majorSimple:
		switch ai {
		case simpleFalse, simpleTrue:
			return TypeBool
		case simpleNull:
			return TypeNull
		case simpleFloat:
			return TypeFloat
		case simpleDouble:
			return TypeDouble
		default:
			return TypeError
		}
	}
	return TypeError
}

// afterValue 在成功读取一个标量值 (非容器进入) 之后调用 自动递减外层容器计数并在耗尽时自动弹出
func (d *Decoder) afterValue() {
	d.consumeOneElement()
}

func (d *Decoder) consumeOneElement() {
	for len(d.frames) > 0 {
		top := &d.frames[len(d.frames)-1]
		if top.remaining == sizeMax {
			return
		}
		if top.remaining == 0 {
			return
		}
		top.remaining--
		if top.remaining == 0 {
			d.frames = d.frames[:len(d.frames)-1]
			// 容器耗尽后 它本身也算作外层容器的一个元素
			continue
		}
		return
	}
}

// ReadBool 读取一个布尔值
func (d *Decoder) ReadBool() (bool, error) {
	if d.PeekType() != TypeBool {
		return false, ErrWrongType
	}
	b := d.buf[d.pos]
	d.pos++
	d.afterValue()
	return b&0x1f == simpleTrue, nil
}

// ReadNumber 读取一个数值 (整数或浮点数) 返回带类型标签的联合体
//
// 若当前值是 tag 4 (decimal fraction, [exponent, mantissa]) 则按 mantissa * 10^exponent 求值为 f64
func (d *Decoder) ReadNumber() (Number, error) {
	if d.err != nil {
		return Number{}, d.err
	}
	if err := d.skipTags(); err != nil {
		d.fail(err)
		return Number{}, err
	}
	if d.decimalFrac {
		return d.readDecimalFraction()
	}
	if d.pos >= len(d.buf) {
		return Number{}, errors.New("cbor: eof")
	}

	mt := majorType(d.buf[d.pos] >> 5)
	switch mt {
	case majorUint:
		_, v, indef, err := d.readHead()
		if err != nil || indef {
			return Number{}, ErrMalformed
		}
		d.afterValue()
		return Number{Kind: KindU64, U64: v}, nil
	case majorNegativeInt:
		_, v, indef, err := d.readHead()
		if err != nil || indef {
			return Number{}, ErrMalformed
		}
		d.afterValue()
		return Number{Kind: KindI64, I64: -1 - int64(v)}, nil
	case majorSimple:
		ai := d.buf[d.pos] & 0x1f
		switch ai {
		case simpleFloat:
			_, v, _, err := d.readHead()
			if err != nil {
				return Number{}, ErrMalformed
			}
			d.afterValue()
			return Number{Kind: KindF32, F32: math.Float32frombits(uint32(v))}, nil
		case simpleDouble:
			_, v, _, err := d.readHead()
			if err != nil {
				return Number{}, ErrMalformed
			}
			d.afterValue()
			return Number{Kind: KindF64, F64: math.Float64frombits(v)}, nil
		}
	}
	return Number{}, ErrWrongType
}

func (d *Decoder) readDecimalFraction() (Number, error) {
	d.decimalFrac = false
	mt, count, indef, err := d.readHead()
	if err != nil || mt != majorArray || indef || count != 2 {
		return Number{}, ErrMalformed
	}
	expNum, err := d.readPlainInt()
	if err != nil {
		return Number{}, err
	}
	mantissaNum, err := d.readPlainInt()
	if err != nil {
		return Number{}, err
	}
	value := float64(mantissaNum) * math.Pow(10, float64(expNum))
	d.afterValue()
	return Number{Kind: KindF64, F64: value}, nil
}

// readPlainInt 读取一个不带 tag 的整数 用于 decimal fraction 的两个分量
func (d *Decoder) readPlainInt() (int64, error) {
	if d.pos >= len(d.buf) {
		return 0, errors.New("cbor: eof")
	}
	mt := majorType(d.buf[d.pos] >> 5)
	switch mt {
	case majorUint:
		_, v, indef, err := d.readHead()
		if err != nil || indef || v > math.MaxInt64 {
			return 0, ErrMalformed
		}
		return int64(v), nil
	case majorNegativeInt:
		_, v, indef, err := d.readHead()
		if err != nil || indef {
			return 0, ErrMalformed
		}
		return -1 - int64(v), nil
	}
	return 0, ErrMalformed
}

// BytesCtx 开始一次分块读取 byte string 或 text string 的过程 必须在 PeekType 返回
// TypeByteString/TypeTextString 之后调用
func (d *Decoder) BytesCtx() error {
	if d.err != nil {
		return d.err
	}
	t := d.PeekType()
	if t != TypeByteString && t != TypeTextString {
		return ErrWrongType
	}
	mt, length, indef, err := d.readHead()
	if err != nil {
		d.fail(ErrMalformed)
		return ErrMalformed
	}
	d.bytesState = &bytesCursor{
		isText:     mt == majorText,
		indefinite: indef,
		remaining:  length,
	}
	if indef {
		d.bytesState.remaining = 0
	}
	return nil
}

// ReadSomeBytes 向 buf 中写入尽可能多的字节 (不超过 len(buf)) 返回写入字节数以及是否已读到字符串结尾
//
// 对于不定长字符串 透明地跨越多个 definite chunk 并在遇到 break 字节时标记 finished
func (d *Decoder) ReadSomeBytes(buf []byte) (int, bool, error) {
	if d.bytesState == nil {
		return 0, false, errors.New("cbor: BytesCtx not called")
	}
	bc := d.bytesState
	if bc.exhausted {
		return 0, true, nil
	}

	written := 0
	for written < len(buf) {
		if bc.remaining == 0 {
			if bc.indefinite {
				if d.consumeBreakIfPresent() {
					bc.exhausted = true
					d.afterValue()
					return written, true, nil
				}
				mt, length, indef, err := d.readHead()
				if err != nil || indef || (mt != majorBytes && mt != majorText) {
					return written, false, ErrMalformed
				}
				bc.remaining = length
				if length == 0 {
					continue
				}
			} else {
				bc.exhausted = true
				d.afterValue()
				return written, true, nil
			}
		}

		n := len(buf) - written
		if uint64(n) > bc.remaining {
			n = int(bc.remaining)
		}
		if d.pos+n > len(d.buf) {
			return written, false, errors.New("cbor: truncated byte string")
		}
		copy(buf[written:written+n], d.buf[d.pos:d.pos+n])
		d.pos += n
		written += n
		bc.remaining -= uint64(n)
	}

	if bc.remaining == 0 && !bc.indefinite {
		bc.exhausted = true
		d.afterValue()
		return written, true, nil
	}
	return written, false, nil
}

// EnterArray 进入一个数组容器 返回元素个数 (不定长时 indefinite 为 true 且需以 break 结束)
func (d *Decoder) EnterArray() (count uint64, indefinite bool, err error) {
	return d.enterContainer(majorArray, false)
}

// EnterMap 进入一个 map 容器 返回键值对个数
func (d *Decoder) EnterMap() (count uint64, indefinite bool, err error) {
	return d.enterContainer(majorMap, true)
}

func (d *Decoder) enterContainer(want majorType, isMap bool) (uint64, bool, error) {
	if d.err != nil {
		return 0, false, d.err
	}
	if err := d.skipTags(); err != nil {
		d.fail(err)
		return 0, false, err
	}
	if len(d.frames) >= d.maxNesting {
		d.fail(ErrNestingTooDeep)
		return 0, false, ErrNestingTooDeep
	}
	if d.pos >= len(d.buf) {
		return 0, false, errors.New("cbor: eof")
	}
	mt, count, indef, err := d.readHead()
	if err != nil || mt != want {
		d.fail(ErrMalformed)
		return 0, false, ErrMalformed
	}

	remaining := count
	if isMap && !indef {
		// map 头部给出的是键值对个数 内部按 key/value 逐个元素计数
		remaining = count * 2
	}
	if indef {
		remaining = sizeMax
	}
	d.frames = append(d.frames, frame{isMap: isMap, remaining: remaining})
	return count, indef, nil
}

// ExitContainer 在不定长容器读取完毕后消费 break 字节并弹出栈帧
//
// 不定长容器的栈帧不记录已读元素个数 因此对 map 不检查 key/value 是否成对;
// 只要求栈顶是不定长容器且下一个字节是 break
func (d *Decoder) ExitContainer() error {
	if len(d.frames) == 0 {
		return errors.New("cbor: no open container")
	}
	top := d.frames[len(d.frames)-1]
	if top.remaining != sizeMax {
		return errors.New("cbor: container is not indefinite")
	}
	if !d.consumeBreakIfPresent() {
		return errors.New("cbor: expected break byte")
	}
	d.frames = d.frames[:len(d.frames)-1]
	d.afterValue()
	return nil
}

// Finished 判断是否已经到达数据末尾且没有未闭合的容器
func (d *Decoder) Finished() bool {
	return d.err == nil && len(d.frames) == 0 && d.pos >= len(d.buf)
}

// Remaining 返回尚未消费的剩余原始字节数 供上层判断 "payload 尾部存在多余数据" 的场景
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
