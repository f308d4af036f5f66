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

// Package cbor 实现了一个无状态的低层 CBOR (RFC 7049) 编码器和有界嵌套的流式解码器
//
// 编码器除当前正在写入的 byte string 外不做任何缓冲 每次调用都直接写穿到底层的 io.Writer
package cbor

import (
	"encoding/binary"
	"io"
	"math"
)

// majorType 对应 RFC 7049 3 bit 的主类型
type majorType uint8

const (
	majorUint        majorType = 0
	majorNegativeInt majorType = 1
	majorBytes       majorType = 2
	majorText        majorType = 3
	majorArray       majorType = 4
	majorMap         majorType = 5
	majorTag         majorType = 6
	majorSimple      majorType = 7
)

const (
	extLength1Byte = 24
	extLength2Byte = 25
	extLength4Byte = 26
	extLength8Byte = 27
	extIndefinite  = 31

	simpleFalse = 20
	simpleTrue  = 21
	simpleNull  = 22
	simpleFloat = 26
	simpleDouble = 27
)

// Encoder 是一个写穿到 io.Writer 的 CBOR 编码器 不持有除当前 byte string 外的任何状态
type Encoder struct {
	w   io.Writer
	err error
}

// NewEncoder 创建一个新的 Encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err 返回编码过程中遇到的第一个错误 一旦出错后续调用均为无操作
func (e *Encoder) Err() error {
	return e.err
}

func (e *Encoder) writeHeader(mt majorType, value uint64) {
	if e.err != nil {
		return
	}
	switch {
	case value < extLength1Byte:
		e.write([]byte{byte(mt)<<5 | byte(value)})
	case value <= math.MaxUint8:
		e.write([]byte{byte(mt)<<5 | extLength1Byte, byte(value)})
	case value <= math.MaxUint16:
		var buf [3]byte
		buf[0] = byte(mt)<<5 | extLength2Byte
		binary.BigEndian.PutUint16(buf[1:], uint16(value))
		e.write(buf[:])
	case value <= math.MaxUint32:
		var buf [5]byte
		buf[0] = byte(mt)<<5 | extLength4Byte
		binary.BigEndian.PutUint32(buf[1:], uint32(value))
		e.write(buf[:])
	default:
		var buf [9]byte
		buf[0] = byte(mt)<<5 | extLength8Byte
		binary.BigEndian.PutUint64(buf[1:], value)
		e.write(buf[:])
	}
}

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

// UInt 编码一个无符号整数
func (e *Encoder) UInt(v uint64) {
	e.writeHeader(majorUint, v)
}

// Int 编码一个有符号整数 负数使用 CBOR 的 -1-n 编码方式
func (e *Encoder) Int(v int64) {
	if v >= 0 {
		e.UInt(uint64(v))
		return
	}
	e.writeHeader(majorNegativeInt, uint64(-(v + 1)))
}

// Bool 编码一个布尔值
func (e *Encoder) Bool(v bool) {
	if e.err != nil {
		return
	}
	b := byte(majorSimple)<<5 | simpleFalse
	if v {
		b = byte(majorSimple)<<5 | simpleTrue
	}
	e.write([]byte{b})
}

// Float32 编码一个单精度浮点数
func (e *Encoder) Float32(v float32) {
	if e.err != nil {
		return
	}
	var buf [5]byte
	buf[0] = byte(majorSimple)<<5 | simpleFloat
	binary.BigEndian.PutUint32(buf[1:], math.Float32bits(v))
	e.write(buf[:])
}

// Float64 编码一个双精度浮点数
//
// 若 v 可以被精确地表示为 float32 则自动降级编码为单精度 与 anjay_cbor_encoder_ll.c 的行为一致
func (e *Encoder) Float64(v float64) {
	if float64(float32(v)) == v {
		e.Float32(float32(v))
		return
	}
	if e.err != nil {
		return
	}
	var buf [9]byte
	buf[0] = byte(majorSimple)<<5 | simpleDouble
	binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))
	e.write(buf[:])
}

// TextString 编码一个定长度的 UTF-8 字符串
func (e *Encoder) TextString(s string) {
	e.writeHeader(majorText, uint64(len(s)))
	e.write([]byte(s))
}

// BytesBegin 写出 byte string 的头部 声明总长度 len
//
// 随后应调用若干次 BytesAppend 写出恰好 len 字节的内容 最后调用 BytesEnd
func (e *Encoder) BytesBegin(length int) {
	e.writeHeader(majorBytes, uint64(length))
}

// BytesAppend 写出 byte string 的部分内容
func (e *Encoder) BytesAppend(p []byte) {
	e.write(p)
}

// BytesEnd 结束一个 byte string 的写入 目前是 no-op 因为长度在 BytesBegin 中已声明为定长
func (e *Encoder) BytesEnd() {}

// ArrayBegin 写出定长数组的头部
func (e *Encoder) ArrayBegin(n int) {
	e.writeHeader(majorArray, uint64(n))
}

// MapBegin 写出定长 map 的头部 n 为键值对个数
func (e *Encoder) MapBegin(n int) {
	e.writeHeader(majorMap, uint64(n))
}

// Raw 原样写出一段已经编码好的 CBOR 字节 用于拼接预先缓冲的子项 (例如 senml 包中
// 需要在已知元素总数之前缓冲每个元素内容的场景)
func (e *Encoder) Raw(p []byte) {
	e.write(p)
}
