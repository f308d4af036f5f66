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

// Package lwm2merrors 定义请求流水线与编解码层共用的错误分类
//
// 错误以带标签的变体表示 而非像原始实现那样把小的负整数错误码与 CoAP 响应码混用
// ToCode 是唯一把这些变体映射为 go-coap/v2 codes.Code 的入口 不带 Kind 的错误一律映射为
// InternalServerError
package lwm2merrors

import (
	"github.com/pkg/errors"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Kind 标识错误的分类 用于 ToCode 的映射表
type Kind int

const (
	// KindUnknown 代表未分类的错误 映射为 InternalServerError
	KindUnknown Kind = iota
	KindBadRequest
	KindUnauthorized
	KindNotFound
	KindMethodNotAllowed
	KindNotAcceptable
	KindUnsupportedContentFormat
	KindInternalServerError
	// KindBufferTooShort 仅限编解码层内部使用: 目标缓冲区小于剩余待写入的数据
	KindBufferTooShort
	// KindNeedNextPayload 仅限 composite 读写场景: 调用方需要提供下一段负载
	KindNeedNextPayload
	// KindGetPathEnd 是输入上下文用尽时的哨兵 不是失败
	KindGetPathEnd
	// KindFormatMismatch 代表路径/载荷与目标格式的结构性不匹配 (例如越出 base path)
	KindFormatMismatch
	// KindMethodNotImplemented 代表对象未实现被请求的操作
	KindMethodNotImplemented
	// KindRetNotCalled 代表输出上下文关闭时存在一个已 set_path 但未写值的挂起路径
	KindRetNotCalled
	// KindBadOption 代表请求解析器在 §4.8 第一步遇到了一个未识别的 critical 选项
	KindBadOption
)

// Error 是携带 Kind 的包装错误
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind 返回错误的分类
func (e *Error) Kind() Kind { return e.kind }

// New 创建一个指定分类的新错误
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Wrap 用指定分类包装一个已有错误
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}

var (
	ErrBadRequest                = New(KindBadRequest, "bad request")
	ErrUnauthorized              = New(KindUnauthorized, "unauthorized")
	ErrNotFound                  = New(KindNotFound, "not found")
	ErrMethodNotAllowed          = New(KindMethodNotAllowed, "method not allowed")
	ErrNotAcceptable             = New(KindNotAcceptable, "not acceptable")
	ErrUnsupportedContentFormat  = New(KindUnsupportedContentFormat, "unsupported content format")
	ErrInternalServerError       = New(KindInternalServerError, "internal server error")
	ErrBufferTooShort            = New(KindBufferTooShort, "buffer too short")
	ErrNeedNextPayload           = New(KindNeedNextPayload, "need next payload")
	ErrGetPathEnd                = New(KindGetPathEnd, "get path end")
	ErrFormatMismatch            = New(KindFormatMismatch, "format mismatch")
	ErrMethodNotImplemented      = New(KindMethodNotImplemented, "method not implemented")
	ErrRetNotCalled              = New(KindRetNotCalled, "ret not called")
	ErrBadOption                 = New(KindBadOption, "bad option")
)

// KindOf 提取一个错误的 Kind 非 *Error 类型一律视为 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// ToCode 把一个错误映射为 CoAP 响应码 按 spec 的 dispatcher 错误处理规则: FormatMismatch
// 与 MethodNotImplemented 映射为 NotAcceptable 其它已分类错误各自映射到对应的 4.xx/5.xx
// 未分类错误一律映射为 InternalServerError
func ToCode(err error) codes.Code {
	if err == nil {
		return codes.Content
	}
	switch KindOf(err) {
	case KindBadRequest:
		return codes.BadRequest
	case KindBadOption:
		return codes.BadOption
	case KindUnauthorized:
		return codes.Unauthorized
	case KindNotFound:
		return codes.NotFound
	case KindMethodNotAllowed:
		return codes.MethodNotAllowed
	case KindNotAcceptable, KindFormatMismatch, KindMethodNotImplemented:
		return codes.NotAcceptable
	case KindUnsupportedContentFormat:
		return codes.UnsupportedMediaType
	default:
		return codes.InternalServerError
	}
}
