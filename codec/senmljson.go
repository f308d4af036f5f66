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

package codec

import (
	"encoding/base64"
	"math"

	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
	"github.com/packetd/lwm2m/senml"
	"github.com/packetd/lwm2m/sjson"
)

// senmlJSONMaxNesting 外层数组 + 元素 map 两层 与 spec.md §4.3 "currently 2" 对齐
const senmlJSONMaxNesting = 2

func init() {
	register(FormatSenMLJSON, true, newSenMLJSONInput, newSenMLJSONOutput)
}

// senmlRecord 是解析出的一条 SenML 记录 在进入下一条前缓存其取值
type senmlRecord struct {
	path     lwm2mpath.Path
	hasValue bool
	kind     ValueType
	i        int64
	u        uint64
	f        float64
	b        bool
	s        string
	bytes    []byte
	oid, iid uint16
}

type senmlJSONInput struct {
	basePath lwm2mpath.Path
	dec      *sjson.Decoder
	basename string
	cur      senmlRecord
	pathGot  bool
	done     bool
}

func newSenMLJSONInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	in := &senmlJSONInput{basePath: basePath, dec: sjson.NewDecoder(payload, senmlJSONMaxNesting)}
	if err := in.dec.EnterArray(); err != nil {
		return nil, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: expected array")
	}
	if err := in.advance(); err != nil {
		return nil, err
	}
	return in, nil
}

// advance 解析下一条记录 到达数组末尾时标记 done
func (s *senmlJSONInput) advance() error {
	if s.dec.PeekType() == sjson.TypeFinished {
		if err := s.dec.ExitContainer(); err != nil {
			return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: close array")
		}
		s.done = true
		return nil
	}
	if err := s.dec.EnterMap(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: expected element map")
	}
	name := ""
	var rec senmlRecord
	for s.dec.PeekType() != sjson.TypeFinished {
		key, err := s.dec.ReadString()
		if err != nil {
			return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: bad key")
		}
		switch key {
		case senml.LabelBasenameStr:
			v, err := s.dec.ReadString()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			s.basename = v
		case senml.LabelNameStr:
			v, err := s.dec.ReadString()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			name = v
		case senml.LabelTimeStr, senml.LabelBasetimeStr:
			if _, err := s.dec.ReadNumber(); err != nil {
				return lwm2merrors.ErrBadRequest
			}
		case senml.LabelValueStr:
			v, err := s.dec.ReadNumber()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			rec.hasValue, rec.kind, rec.f = true, ValueFloat, v
		case senml.LabelStringStr:
			v, err := s.dec.ReadString()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			rec.hasValue, rec.kind, rec.s = true, ValueString, v
		case senml.LabelBoolStr:
			v, err := s.dec.ReadBool()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			rec.hasValue, rec.kind, rec.b = true, ValueBool, v
		case senml.LabelDataStr:
			v, err := s.dec.ReadString()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil {
				return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: bad base64 vd")
			}
			rec.hasValue, rec.kind, rec.bytes = true, ValueBytes, raw
		case senml.LabelObjlnkText:
			v, err := s.dec.ReadString()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			oid, iid, perr := parseObjlnkText(v)
			if perr != nil {
				return perr
			}
			rec.hasValue, rec.kind, rec.oid, rec.iid = true, ValueObjlnk, oid, iid
		default:
			// 未知标签: 容忍并跳过其值 (Open Question 决定, 参见 DESIGN.md)
			if err := skipUnknownJSONValue(s.dec); err != nil {
				return err
			}
		}
	}
	if err := s.dec.ExitContainer(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: close element")
	}

	full := s.basename + name
	p, err := lwm2mpath.FromSlashSeparated(full)
	if err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-json: bad path")
	}
	if p.Outside(s.basePath) {
		return lwm2merrors.ErrBadRequest
	}
	rec.path = p
	s.cur = rec
	s.pathGot = false
	return nil
}

func skipUnknownJSONValue(dec *sjson.Decoder) error {
	switch dec.PeekType() {
	case sjson.TypeNumber:
		_, err := dec.ReadNumber()
		return err
	case sjson.TypeString:
		_, err := dec.ReadString()
		return err
	case sjson.TypeBool:
		_, err := dec.ReadBool()
		return err
	case sjson.TypeNull:
		return dec.ReadNull()
	default:
		return lwm2merrors.ErrBadRequest
	}
}

func parseObjlnkText(s string) (uint16, uint16, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			oid, err1 := parseUint16(s[:i])
			iid, err2 := parseUint16(s[i+1:])
			if err1 != nil || err2 != nil {
				return 0, 0, lwm2merrors.ErrBadRequest
			}
			return oid, iid, nil
		}
	}
	return 0, 0, lwm2merrors.ErrBadRequest
}

func parseUint16(s string) (uint16, error) {
	var v uint64
	if len(s) == 0 {
		return 0, lwm2merrors.ErrBadRequest
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, lwm2merrors.ErrBadRequest
		}
		v = v*10 + uint64(s[i]-'0')
	}
	if v >= 65535 {
		return 0, lwm2merrors.ErrBadRequest
	}
	return uint16(v), nil
}

func (s *senmlJSONInput) GetPath() (lwm2mpath.Path, error) {
	if s.done {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	s.pathGot = true
	return s.cur.path, nil
}

func (s *senmlJSONInput) NextEntry() error {
	if s.done {
		return nil
	}
	return s.advance()
}

func (s *senmlJSONInput) requireType(t ValueType) error {
	if !s.pathGot || !s.cur.hasValue || s.cur.kind != t {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

func (s *senmlJSONInput) ReadInt() (int64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	v, ok := numberFitsInt64Exactly(s.cur.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (s *senmlJSONInput) ReadUint() (uint64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	v, ok := numberFitsUint64Exactly(s.cur.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (s *senmlJSONInput) ReadFloat() (float64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	return s.cur.f, nil
}

func (s *senmlJSONInput) ReadBool() (bool, error) {
	if err := s.requireType(ValueBool); err != nil {
		return false, err
	}
	return s.cur.b, nil
}

func (s *senmlJSONInput) ReadString(buf []byte) (int, bool, error) {
	if err := s.requireType(ValueString); err != nil {
		return 0, false, err
	}
	n := copy(buf, s.cur.s)
	if n < len(s.cur.s) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (s *senmlJSONInput) ReadBytes(buf []byte) (int, bool, error) {
	if err := s.requireType(ValueBytes); err != nil {
		return 0, false, err
	}
	n := copy(buf, s.cur.bytes)
	if n < len(s.cur.bytes) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (s *senmlJSONInput) ReadObjlnk() (uint16, uint16, error) {
	if err := s.requireType(ValueObjlnk); err != nil {
		return 0, 0, err
	}
	return s.cur.oid, s.cur.iid, nil
}

func (s *senmlJSONInput) Close() error {
	if !s.done {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// ---- 输出端 ----

type senmlJSONOutput struct {
	basePath    lwm2mpath.Path
	enc         senml.Encoder
	pathSet     bool
	written     bool
	firstElem   bool
	pendingTime float64
	pendingPath lwm2mpath.Path
}

func newSenMLJSONOutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &senmlJSONOutput{
		basePath:    basePath,
		enc:         senml.NewJSONEncoder(&bufbytesWriter{buf: buf}),
		firstElem:   true,
		pendingTime: math.NaN(),
	}, nil
}

// bufbytesWriter 让 senml.Encoder 的 io.Writer 契约落到 internal/bufbytes.Bytes 上
type bufbytesWriter struct{ buf *bufbytes.Bytes }

func (w *bufbytesWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return len(p), nil
}

func (s *senmlJSONOutput) SetPath(p lwm2mpath.Path) error {
	if s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if p.Outside(s.basePath) {
		return lwm2merrors.ErrFormatMismatch
	}
	s.pathSet = true
	s.pendingPath = p
	return nil
}

func (s *senmlJSONOutput) ClearPath() { s.pathSet = false }

func (s *senmlJSONOutput) SetTime(t float64) { s.pendingTime = t }

// relativeName 计算元素的 bn/n 字段: base 为根时 n 为完整路径 否则首个元素以 base path 作为 bn
// 每个元素的 n 为 "/" 加上相对 base 的 delta (路径等于 base 时为空) 解码端把 bn 与 n 直接拼接
func (s *senmlJSONOutput) relativeName() (basename, name string) {
	if s.basePath.IsRoot() {
		return "", s.pendingPath.String()
	}
	if s.firstElem {
		basename = s.basePath.String()
	}
	if d := deltaPath(s.basePath, s.pendingPath); d != "" {
		name = "/" + d
	}
	return basename, name
}

// deltaPath 渲染 p 中 base 长度之后剩余分量 例如 base="/13/26" p="/13/26/1" -> "1"
func deltaPath(base, p lwm2mpath.Path) string {
	full := p.String()
	prefix := base.String()
	if prefix == "/" {
		return full[1:]
	}
	if len(full) > len(prefix) {
		return full[len(prefix)+1:]
	}
	return ""
}

func (s *senmlJSONOutput) beginElement() error {
	bn, n := s.relativeName()
	if err := s.enc.ElementBegin(bn, n, s.pendingTime); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: element begin")
	}
	s.firstElem = false
	s.pendingTime = math.NaN()
	return nil
}

func (s *senmlJSONOutput) finishElement() error {
	if err := s.enc.ElementEnd(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: element end")
	}
	s.written = true
	s.ClearPath()
	return nil
}

func (s *senmlJSONOutput) RetInt(v int64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteInt(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write int")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetUint(v uint64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteUint(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write uint")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetFloat(v float64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteFloat(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write float")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetBool(v bool) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteBool(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write bool")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetString(v string) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteString(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write string")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetBytes(v []byte) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.BytesBegin(len(v)); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: bytes begin")
	}
	if err := s.enc.BytesAppend(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: bytes append")
	}
	if err := s.enc.BytesEnd(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: bytes end")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) RetObjlnk(oid, iid uint16) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteObjlnk(oid, iid); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: write objlnk")
	}
	return s.finishElement()
}

func (s *senmlJSONOutput) StartAggregate() error {
	// 多实例资源的聚合只是写出多个独立元素 这里没有额外容器需要打开
	return nil
}

func (s *senmlJSONOutput) Close() error {
	if s.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	if err := s.enc.Close(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-json: close")
	}
	return nil
}
