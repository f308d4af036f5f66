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

// Package coapreq 实现 spec.md §4.8 的请求解析: 把一个 CoAP 方法码 + 选项迭代器
// + 负载 变换为一个已验证的 Request, 或者一个描述失败原因的 CoAP 响应码
package coapreq

import (
	"bytes"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/packetd/lwm2m/attrs"
	"github.com/packetd/lwm2m/codec"
	"github.com/packetd/lwm2m/internal/zerocopy"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

// Request 是 §4.8 解析产物: 已验证的目标路径/动作/属性/内容格式以及原始负载
type Request struct {
	// Action 是由方法码与路径形状推导出的 LwM2M 操作 参见 codec.Action
	Action codec.Action
	// Path 是目标路径 Bootstrap 请求的 Path 恒为 root
	Path lwm2mpath.Path
	// Bootstrap 标记这是否是 "bs" 特殊 URI
	Bootstrap bool
	// ContentFormat/Accept 是请求里声明的内容格式 缺省为 codec.FormatNone
	ContentFormat codec.ContentFormat
	Accept        codec.ContentFormat
	// Attrs 是从 Uri-Query 解析出的 write-attributes 记录
	Attrs attrs.Attributes
	// Observe 标记请求是否携带 Observe 选项 ObserveToken 是调用方传入的原始 token
	Observe      bool
	ObserveToken []byte
	// Payload 是读取并拼接后的完整负载
	Payload []byte
}

// recognizedOptions 是 §4.8 第一步里按方法识别的 critical 选项集合 加上 block 选项
// (block-wise 传输由上游的分块重组逻辑处理 这里只是放行 不做解释)
var recognizedOptions = map[message.OptionID]bool{
	message.URIPath:       true,
	message.URIQuery:      true,
	message.Accept:        true,
	message.ContentFormat: true,
	message.Observe:       true,
	message.Block1:        true,
	message.Block2:        true,
}

// isCriticalOption 实现 RFC 7252 §5.4.6 的 critical/elective 判定: 选项号为奇数即 critical
func isCriticalOption(id message.OptionID) bool {
	return uint16(id)%2 == 1
}

func validateOptions(opts message.Options) error {
	for _, o := range opts {
		if recognizedOptions[o.ID] {
			continue
		}
		if isCriticalOption(o.ID) {
			return lwm2merrors.ErrBadOption
		}
	}
	return nil
}

// optionUint 按网络字节序解码一个变长整数选项 用于 Accept (go-coap/v2 没有在所有版本里
// 提供对称于 ContentFormat 的 Accept() 访问器 直接扫描原始选项更稳妥)
func optionUint(opts message.Options, id message.OptionID) (uint32, bool) {
	for _, o := range opts {
		if o.ID != id {
			continue
		}
		var v uint32
		for _, b := range o.Value {
			v = v<<8 | uint32(b)
		}
		return v, true
	}
	return 0, false
}

// parseURIPath 实现 §4.8 第二步
//
// 解析决定之一: 规范文本里 "≥ 4 ids ... 是 BadOption" 与同一节稍后 "POST on
// resource-instance-leaf -> Write" 互相矛盾 (resource-instance 寻址需要 4 个 id);
// lwm2mpath 本身也支持 4 级路径 (OID/IID/RID/RIID) 边界测试拒绝 "/1/2/3/65535" 的
// 原因是 65535 是 sentinel 而非因为 4 段过长 此处按 "最多 4 个 id" 实现 见 DESIGN.md
func parseURIPath(opts message.Options) (path lwm2mpath.Path, bootstrap bool, err error) {
	var segs []string
	for _, o := range opts {
		if o.ID == message.URIPath {
			segs = append(segs, string(o.Value))
		}
	}
	if len(segs) == 0 {
		return lwm2mpath.Root(), false, nil
	}
	if len(segs) == 1 && segs[0] == "" {
		return lwm2mpath.Root(), false, nil
	}
	if len(segs) == 1 && segs[0] == "bs" {
		return lwm2mpath.Root(), true, nil
	}
	if len(segs) >= 5 {
		return lwm2mpath.Path{}, false, lwm2merrors.ErrBadOption
	}

	ids := make([]uint16, len(segs))
	for i, s := range segs {
		if s == "" {
			return lwm2mpath.Path{}, false, lwm2merrors.ErrBadOption
		}
		n, convErr := strconv.ParseUint(s, 10, 16)
		if convErr != nil || n == uint64(lwm2mpath.Invalid) {
			return lwm2mpath.Path{}, false, lwm2merrors.ErrBadOption
		}
		ids[i] = uint16(n)
	}

	switch len(ids) {
	case 1:
		return lwm2mpath.NewObject(ids[0]), false, nil
	case 2:
		return lwm2mpath.NewInstance(ids[0], ids[1]), false, nil
	case 3:
		return lwm2mpath.NewResource(ids[0], ids[1], ids[2]), false, nil
	default:
		return lwm2mpath.NewResourceInstance(ids[0], ids[1], ids[2], ids[3]), false, nil
	}
}

// parseURIQuery 实现 §4.8 第三步
func parseURIQuery(opts message.Options) (attrs.Attributes, error) {
	out := attrs.Empty()
	seen := map[string]bool{}

	for _, o := range opts {
		if o.ID != message.URIQuery {
			continue
		}
		raw := string(o.Value)
		key, val, hasVal := raw, "", false
		if idx := strings.IndexByte(raw, '='); idx >= 0 {
			key, val, hasVal = raw[:idx], raw[idx+1:], true
		}
		if seen[key] {
			return attrs.Attributes{}, lwm2merrors.ErrBadRequest
		}
		seen[key] = true
		if !hasVal {
			continue
		}

		switch key {
		case "pmin":
			v, perr := parseNonNegInt(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.PMin = &v
		case "pmax":
			v, perr := parseNonNegInt(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.PMax = &v
		case "epmin":
			v, perr := parseNonNegInt(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.EPMin = &v
		case "epmax":
			v, perr := parseNonNegInt(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.EPMax = &v
		case "gt":
			v, perr := parseFiniteFloat(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.GT = v
		case "lt":
			v, perr := parseFiniteFloat(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.LT = v
		case "st":
			v, perr := parseFiniteFloat(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.ST = v
		case "con":
			v, perr := parseConFlag(val)
			if perr != nil {
				return attrs.Attributes{}, perr
			}
			out.Con = &v
		}
	}
	return out, nil
}

func parseNonNegInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func parseFiniteFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func parseConFlag(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, lwm2merrors.ErrBadRequest
	}
}

func attrsNotifyClassSet(a attrs.Attributes) bool {
	return a.PMin != nil || a.PMax != nil || a.EPMin != nil || a.EPMax != nil ||
		!math.IsNaN(a.GT) || !math.IsNaN(a.LT) || !math.IsNaN(a.ST) || a.Con != nil
}

// deriveAction 实现 §4.8 第五步
func deriveAction(method codes.Code, bootstrap bool, path lwm2mpath.Path, contentFormat, accept codec.ContentFormat) (codec.Action, error) {
	switch method {
	case codes.GET:
		if accept == codec.FormatLinkFormat {
			return codec.ActionDiscover, nil
		}
		return codec.ActionRead, nil
	case codes.POST:
		if bootstrap {
			return codec.ActionBootstrapFinish, nil
		}
		switch path.Len() {
		case 0, 1:
			return codec.ActionCreate, nil
		case 2:
			return codec.ActionWriteUpdate, nil
		case 3:
			return codec.ActionExecute, nil
		default:
			return codec.ActionWrite, nil
		}
	case codes.PUT:
		if contentFormat != codec.FormatNone {
			return codec.ActionWrite, nil
		}
		return codec.ActionWriteAttributes, nil
	case codes.DELETE:
		return codec.ActionDelete, nil
	case codes.FETCH:
		return codec.ActionReadComposite, nil
	case codes.IPATCH:
		return codec.ActionWriteComposite, nil
	default:
		return 0, lwm2merrors.ErrMethodNotAllowed
	}
}

// readAllPayload 用 zerocopy.Reader 的分块读取接口拼出完整负载
func readAllPayload(r zerocopy.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	const chunk = 4096
	for {
		b, err := r.Read(chunk)
		if len(b) > 0 {
			buf.Write(b)
		}
		if err != nil {
			if err == io.EOF {
				return buf.Bytes(), nil
			}
			return nil, err
		}
		if len(b) == 0 {
			return buf.Bytes(), nil
		}
	}
}

// ParseRequest 实现 spec.md §4.8 的完整六步
//
// 返回值里的 codes.Code 只有在 err != nil 时才有意义 (等价于 lwm2merrors.ToCode(err));
// 成功时调用方应当只看 Request 与 nil error
func ParseRequest(method codes.Code, opts message.Options, payload zerocopy.Reader, observeToken []byte) (Request, codes.Code, error) {
	if err := validateOptions(opts); err != nil {
		return Request{}, lwm2merrors.ToCode(err), err
	}

	path, bootstrap, err := parseURIPath(opts)
	if err != nil {
		return Request{}, lwm2merrors.ToCode(err), err
	}

	queryAttrs, err := parseURIQuery(opts)
	if err != nil {
		return Request{}, lwm2merrors.ToCode(err), err
	}

	contentFormat := codec.FormatNone
	if f, cferr := opts.ContentFormat(); cferr == nil {
		contentFormat = codec.ContentFormat(int32(f))
	}
	accept := codec.FormatNone
	if v, ok := optionUint(opts, message.Accept); ok {
		accept = codec.ContentFormat(int32(v))
	}

	action, err := deriveAction(method, bootstrap, path, contentFormat, accept)
	if err != nil {
		return Request{}, lwm2merrors.ToCode(err), err
	}

	if action != codec.ActionWriteAttributes && attrsNotifyClassSet(queryAttrs) {
		err := lwm2merrors.ErrBadRequest
		return Request{}, lwm2merrors.ToCode(err), err
	}

	body, err := readAllPayload(payload)
	if err != nil {
		err = lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "read payload")
		return Request{}, lwm2merrors.ToCode(err), err
	}

	_, observeErr := opts.Observe()

	return Request{
		Action:        action,
		Path:          path,
		Bootstrap:     bootstrap,
		ContentFormat: contentFormat,
		Accept:        accept,
		Attrs:         queryAttrs,
		Observe:       observeErr == nil,
		ObserveToken:  observeToken,
		Payload:       body,
	}, codes.Content, nil
}
