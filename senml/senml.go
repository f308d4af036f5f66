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

// Package senml 是 SenML-JSON / SenML-CBOR 编码器的统一外观
//
// 每条记录 (element) 携带 basename/name/time 以及恰好一个取值类别字段
// (v/vb/vs/vd/vlo) 数字标签用于 CBOR 字符串标签用于 JSON 参见 RFC 8428
package senml

import (
	"bytes"
	"encoding/base64"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/packetd/lwm2m/cbor"
	"github.com/packetd/lwm2m/sjson"
)

// Label 数字/字符串标签常量
const (
	LabelBasenameNum = -2
	LabelBasetimeNum = -3
	LabelNameNum     = 0
	LabelTimeNum     = 6
	LabelValueNum    = 2
	LabelStringNum   = 3
	LabelBoolNum     = 4
	LabelDataNum     = 8
	LabelObjlnkText  = "vlo" // 自定义标签 不属于 RFC 8428 数字标签集合

	LabelBasenameStr = "bn"
	LabelBasetimeStr = "bt"
	LabelNameStr     = "n"
	LabelTimeStr     = "t"
	LabelValueStr    = "v"
	LabelStringStr   = "vs"
	LabelBoolStr     = "vb"
	LabelDataStr     = "vd"
)

var (
	// ErrAlreadyHasValue 代表同一个元素内写入了超过一个取值类别字段
	ErrAlreadyHasValue = errors.New("senml: element already has a value field")
	// ErrNoElementOpen 代表在没有 ElementBegin 的情况下尝试写入字段
	ErrNoElementOpen = errors.New("senml: no element open")
)

// Encoder 是 SenML-JSON / SenML-CBOR 共用的编码契约
type Encoder interface {
	// ElementBegin 开始一条新记录 time 为 NaN 时省略 t 字段 basename 为空字符串时省略 bn 字段
	ElementBegin(basename, name string, time float64) error
	WriteInt(v int64) error
	WriteUint(v uint64) error
	WriteFloat(v float64) error
	WriteBool(v bool) error
	WriteString(v string) error
	WriteObjlnk(oid, iid uint16) error
	BytesBegin(length int) error
	BytesAppend(p []byte) error
	BytesEnd() error
	// ElementEnd 封口当前记录
	ElementEnd() error
	// Close 结束整个顶层数组的写入 (SenML-CBOR 在此时才真正写出数组头)
	Close() error
}

type elementState struct {
	open     bool
	hasValue bool
}

// ---- JSON 编码器: 流式写出 不缓冲 ----

type jsonEncoder struct {
	w          *sjson.Writer
	started    bool
	elem       elementState
	firstField bool // 当前元素内尚未写过任何字段时为 true 决定 value 字段前是否写逗号
	b64        *base64.Encoding
	bytesBuf   bytes.Buffer // 累积待 base64 编码的字节 (vd 字段)
}

// NewJSONEncoder 创建一个流式的 SenML-JSON 编码器
func NewJSONEncoder(w io.Writer) Encoder {
	e := &jsonEncoder{w: sjson.NewWriter(w), b64: base64.StdEncoding}
	e.w.ArrayOpen()
	return e
}

func (e *jsonEncoder) ElementBegin(basename, name string, t float64) error {
	if e.elem.open {
		return errors.New("senml: ElementEnd not called for previous element")
	}
	if e.started {
		e.w.Comma()
	}
	e.started = true
	e.w.ObjectOpen()
	first := true
	writeField := func(key, val string) {
		if !first {
			e.w.Comma()
		}
		first = false
		e.w.String(key)
		e.w.Colon()
		e.w.String(val)
	}
	if basename != "" {
		writeField(LabelBasenameStr, basename)
	}
	if name != "" {
		writeField(LabelNameStr, name)
	}
	if !math.IsNaN(t) {
		if !first {
			e.w.Comma()
		}
		first = false
		e.w.String(LabelTimeStr)
		e.w.Colon()
		e.w.Number(t)
	}
	e.elem = elementState{open: true}
	e.firstField = first
	return e.w.Err()
}

func (e *jsonEncoder) valuePrefix(key string) {
	if !e.firstField {
		e.w.Comma()
	}
	e.firstField = false
	e.w.String(key)
	e.w.Colon()
}

func (e *jsonEncoder) requireOpenNoValue() error {
	if !e.elem.open {
		return ErrNoElementOpen
	}
	if e.elem.hasValue {
		return ErrAlreadyHasValue
	}
	return nil
}

func (e *jsonEncoder) WriteInt(v int64) error { return e.writeNumber(float64(v)) }

func (e *jsonEncoder) WriteUint(v uint64) error { return e.writeNumber(float64(v)) }

func (e *jsonEncoder) WriteFloat(v float64) error { return e.writeNumber(v) }

func (e *jsonEncoder) writeNumber(v float64) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.valuePrefix(LabelValueStr)
	e.w.Number(v)
	e.elem.hasValue = true
	return e.w.Err()
}

func (e *jsonEncoder) WriteBool(v bool) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.valuePrefix(LabelBoolStr)
	e.w.Bool(v)
	e.elem.hasValue = true
	return e.w.Err()
}

func (e *jsonEncoder) WriteString(v string) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.valuePrefix(LabelStringStr)
	e.w.String(v)
	e.elem.hasValue = true
	return e.w.Err()
}

func (e *jsonEncoder) WriteObjlnk(oid, iid uint16) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.valuePrefix(LabelObjlnkText)
	e.w.String(objlnkText(oid, iid))
	e.elem.hasValue = true
	return e.w.Err()
}

func (e *jsonEncoder) BytesBegin(length int) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.bytesBuf.Reset()
	return nil
}

func (e *jsonEncoder) BytesAppend(p []byte) error {
	e.bytesBuf.Write(p)
	return nil
}

func (e *jsonEncoder) BytesEnd() error {
	e.valuePrefix(LabelDataStr)
	e.w.String(e.b64.EncodeToString(e.bytesBuf.Bytes()))
	e.elem.hasValue = true
	return e.w.Err()
}

func (e *jsonEncoder) ElementEnd() error {
	if !e.elem.open {
		return ErrNoElementOpen
	}
	e.w.ObjectClose()
	e.elem = elementState{}
	return e.w.Err()
}

func (e *jsonEncoder) Close() error {
	if e.elem.open {
		return errors.New("senml: Close called with an open element")
	}
	e.w.ArrayClose()
	return e.w.Err()
}

func objlnkText(oid, iid uint16) string {
	return itoa(oid) + ":" + itoa(iid)
}

func itoa(v uint16) string {
	return string(appendUint(nil, uint64(v)))
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, tmp[i:]...)
}

// ---- CBOR 编码器: 外层数组必须是定长的 因此每个元素先在内存中缓冲 直到 Close 时
// 才知道元素总数 再写出数组头 参见 anjay_senml_like_encoder.c 对 CBOR 后端的说明 ----

type cborEncoder struct {
	out      *cbor.Encoder
	elements [][]byte

	curBuf     bytes.Buffer
	curEnc     *cbor.Encoder
	fieldCount int

	elem     elementState
	bytesBuf bytes.Buffer
}

// NewCBOREncoder 创建一个 SenML-CBOR 编码器 所有元素在 Close 调用时一次性写出为定长数组
func NewCBOREncoder(w io.Writer) Encoder {
	return &cborEncoder{out: cbor.NewEncoder(w)}
}

func (e *cborEncoder) ElementBegin(basename, name string, t float64) error {
	if e.elem.open {
		return errors.New("senml: ElementEnd not called for previous element")
	}
	e.curBuf.Reset()
	e.curEnc = cbor.NewEncoder(&e.curBuf)
	e.fieldCount = 0

	if basename != "" {
		e.curEnc.Int(LabelBasenameNum)
		e.curEnc.TextString(basename)
		e.fieldCount++
	}
	if name != "" {
		e.curEnc.Int(LabelNameNum)
		e.curEnc.TextString(name)
		e.fieldCount++
	}
	if !math.IsNaN(t) {
		e.curEnc.Int(LabelTimeNum)
		e.curEnc.Float64(t)
		e.fieldCount++
	}
	e.elem = elementState{open: true}
	return e.curEnc.Err()
}

func (e *cborEncoder) requireOpenNoValue() error {
	if !e.elem.open {
		return ErrNoElementOpen
	}
	if e.elem.hasValue {
		return ErrAlreadyHasValue
	}
	return nil
}

func (e *cborEncoder) WriteInt(v int64) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.curEnc.Int(LabelValueNum)
	e.curEnc.Int(v)
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) WriteUint(v uint64) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.curEnc.Int(LabelValueNum)
	e.curEnc.UInt(v)
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) WriteFloat(v float64) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.curEnc.Int(LabelValueNum)
	e.curEnc.Float64(v)
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) WriteBool(v bool) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.curEnc.Int(LabelBoolNum)
	e.curEnc.Bool(v)
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) WriteString(v string) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.curEnc.Int(LabelStringNum)
	e.curEnc.TextString(v)
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) WriteObjlnk(oid, iid uint16) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	// vlo 是自定义标签 不属于 RFC 8428 数字标签集合 仍以文本标签写出以保持与 JSON 后端一致
	e.curEnc.TextString(LabelObjlnkText)
	e.curEnc.TextString(objlnkText(oid, iid))
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) BytesBegin(length int) error {
	if err := e.requireOpenNoValue(); err != nil {
		return err
	}
	e.bytesBuf.Reset()
	return nil
}

func (e *cborEncoder) BytesAppend(p []byte) error {
	e.bytesBuf.Write(p)
	return nil
}

func (e *cborEncoder) BytesEnd() error {
	e.curEnc.Int(LabelDataNum)
	e.curEnc.BytesBegin(e.bytesBuf.Len())
	e.curEnc.BytesAppend(e.bytesBuf.Bytes())
	e.curEnc.BytesEnd()
	e.fieldCount++
	e.elem.hasValue = true
	return e.curEnc.Err()
}

func (e *cborEncoder) ElementEnd() error {
	if !e.elem.open {
		return ErrNoElementOpen
	}
	if err := e.curEnc.Err(); err != nil {
		return err
	}
	var header bytes.Buffer
	cbor.NewEncoder(&header).MapBegin(e.fieldCount)

	block := make([]byte, 0, header.Len()+e.curBuf.Len())
	block = append(block, header.Bytes()...)
	block = append(block, e.curBuf.Bytes()...)
	e.elements = append(e.elements, block)

	e.elem = elementState{}
	return nil
}

func (e *cborEncoder) Close() error {
	if e.elem.open {
		return errors.New("senml: Close called with an open element")
	}
	e.out.ArrayBegin(len(e.elements))
	for _, block := range e.elements {
		e.out.Raw(block)
	}
	return e.out.Err()
}
