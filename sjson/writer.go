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

package sjson

import (
	"io"
	"strconv"
)

// Writer 是 Decoder 的镜像: 一个不做中间缓冲 (容器长度未知也无需预先声明) 的流式 JSON 写入器
//
// 调用方负责在值之间写入正确的分隔符 (Comma/Colon) -- 与 SenML 编码器的使用方式一致
type Writer struct {
	w   io.Writer
	err error
}

// NewWriter 创建一个新的 Writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err 返回写入过程中遇到的第一个错误
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) raw(s string) {
	if w.err != nil {
		return
	}
	_, w.err = io.WriteString(w.w, s)
}

// ArrayOpen 写出 '['
func (w *Writer) ArrayOpen() { w.raw("[") }

// ArrayClose 写出 ']'
func (w *Writer) ArrayClose() { w.raw("]") }

// ObjectOpen 写出 '{'
func (w *Writer) ObjectOpen() { w.raw("{") }

// ObjectClose 写出 '}'
func (w *Writer) ObjectClose() { w.raw("}") }

// Comma 写出 ','
func (w *Writer) Comma() { w.raw(",") }

// Colon 写出 ':'
func (w *Writer) Colon() { w.raw(":") }

// String 写出一个带转义和引号的 JSON 字符串
func (w *Writer) String(s string) {
	if w.err != nil {
		return
	}
	var b []byte
	b = append(b, '"')
	for _, r := range s {
		switch r {
		case '"':
			b = append(b, '\\', '"')
		case '\\':
			b = append(b, '\\', '\\')
		case '\n':
			b = append(b, '\\', 'n')
		case '\t':
			b = append(b, '\\', 't')
		case '\r':
			b = append(b, '\\', 'r')
		default:
			if r < 0x20 {
				const hex = "0123456789abcdef"
				b = append(b, '\\', 'u', '0', '0', hex[r>>4], hex[r&0xF])
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	b = append(b, '"')
	_, w.err = w.w.Write(b)
}

// Number 写出一个 float64 数值 使用最短精确表示
func (w *Writer) Number(v float64) {
	w.raw(strconv.FormatFloat(v, 'g', -1, 64))
}

// Bool 写出一个布尔字面量
func (w *Writer) Bool(v bool) {
	if v {
		w.raw("true")
	} else {
		w.raw("false")
	}
}
