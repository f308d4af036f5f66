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
	"math"

	"github.com/packetd/lwm2m/cbor"
	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
	"github.com/packetd/lwm2m/senml"
)

// senmlCBORMaxNesting 外层数组 + 元素 map 共用两层 上限 3 比 JSON 后端的 2 多一层
const senmlCBORMaxNesting = 3

func init() {
	register(FormatSenMLCBOR, true, newSenMLCBORInput, newSenMLCBOROutput)
}

type senmlCBORInput struct {
	basePath  lwm2mpath.Path
	dec       *cbor.Decoder
	basename  string
	cur       senmlRecord
	pathGot   bool
	done      bool
	remaining int
}

func newSenMLCBORInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	in := &senmlCBORInput{basePath: basePath, dec: cbor.NewDecoder(payload, senmlCBORMaxNesting)}
	count, indef, err := in.dec.EnterArray()
	if err != nil {
		return nil, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: expected array")
	}
	if indef {
		// 我们自己的编码器只产生定长数组 (§4.4) 不接受不定长输入简化解码逻辑
		return nil, lwm2merrors.ErrBadRequest
	}
	in.remaining = int(count)
	if err := in.advance(); err != nil {
		return nil, err
	}
	return in, nil
}

func (s *senmlCBORInput) advance() error {
	if s.remaining == 0 {
		s.done = true
		return nil
	}
	s.remaining--
	fieldCount, indef, err := s.dec.EnterMap()
	if err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: expected element map")
	}
	if indef {
		return lwm2merrors.ErrBadRequest
	}
	name := ""
	var rec senmlRecord
	for i := uint64(0); i < fieldCount; i++ {
		label, isText, err := readSenMLCBORLabel(s.dec)
		if err != nil {
			return err
		}
		switch {
		case !isText && label == senml.LabelBasenameNum:
			v, err := readCBORText(s.dec)
			if err != nil {
				return err
			}
			s.basename = v
		case !isText && label == senml.LabelNameNum:
			v, err := readCBORText(s.dec)
			if err != nil {
				return err
			}
			name = v
		case !isText && (label == senml.LabelTimeNum || label == senml.LabelBasetimeNum):
			if _, err := s.dec.ReadNumber(); err != nil {
				return lwm2merrors.ErrBadRequest
			}
		case !isText && label == senml.LabelValueNum:
			n, err := s.dec.ReadNumber()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			f, ok := n.AsF64()
			if !ok {
				return lwm2merrors.ErrBadRequest
			}
			rec.hasValue, rec.kind, rec.f = true, ValueFloat, f
		case !isText && label == senml.LabelStringNum:
			v, err := readCBORText(s.dec)
			if err != nil {
				return err
			}
			rec.hasValue, rec.kind, rec.s = true, ValueString, v
		case !isText && label == senml.LabelBoolNum:
			v, err := s.dec.ReadBool()
			if err != nil {
				return lwm2merrors.ErrBadRequest
			}
			rec.hasValue, rec.kind, rec.b = true, ValueBool, v
		case !isText && label == senml.LabelDataNum:
			v, err := readCBORBytes(s.dec)
			if err != nil {
				return err
			}
			rec.hasValue, rec.kind, rec.bytes = true, ValueBytes, v
		case isText:
			v, err := readCBORText(s.dec)
			if err != nil {
				return err
			}
			oid, iid, perr := parseObjlnkText(v)
			if perr != nil {
				return perr
			}
			rec.hasValue, rec.kind, rec.oid, rec.iid = true, ValueObjlnk, oid, iid
		default:
			if err := skipUnknownCBORKeyedValue(s.dec); err != nil {
				return err
			}
		}
	}

	full := s.basename + name
	p, err := lwm2mpath.FromSlashSeparated(full)
	if err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: bad path")
	}
	if p.Outside(s.basePath) {
		return lwm2merrors.ErrBadRequest
	}
	rec.path = p
	s.cur = rec
	s.pathGot = false
	return nil
}

// readSenMLCBORLabel 读出一个元素字段的键 既可能是数字标签也可能是自定义文本标签 (vlo)
func readSenMLCBORLabel(dec *cbor.Decoder) (num int, isText bool, err error) {
	if dec.PeekType() == cbor.TypeTextString {
		v, rerr := readCBORText(dec)
		if rerr != nil {
			return 0, false, rerr
		}
		if v == senml.LabelObjlnkText {
			return 0, true, nil
		}
		return 0, false, lwm2merrors.ErrBadRequest
	}
	n, rerr := dec.ReadNumber()
	if rerr != nil {
		return 0, false, lwm2merrors.ErrBadRequest
	}
	v, ok := n.AsI64()
	if !ok {
		return 0, false, lwm2merrors.ErrBadRequest
	}
	return int(v), false, nil
}

func readCBORText(dec *cbor.Decoder) (string, error) {
	if err := dec.BytesCtx(); err != nil {
		return "", lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: expected text")
	}
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, finished, err := dec.ReadSomeBytes(buf)
		if err != nil {
			return "", lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: text chunk")
		}
		out = append(out, buf[:n]...)
		if finished {
			return string(out), nil
		}
	}
}

func readCBORBytes(dec *cbor.Decoder) ([]byte, error) {
	if err := dec.BytesCtx(); err != nil {
		return nil, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: expected bytes")
	}
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, finished, err := dec.ReadSomeBytes(buf)
		if err != nil {
			return nil, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "senml-cbor: bytes chunk")
		}
		out = append(out, buf[:n]...)
		if finished {
			return out, nil
		}
	}
}

func skipUnknownCBORKeyedValue(dec *cbor.Decoder) error {
	switch dec.PeekType() {
	case cbor.TypeUint, cbor.TypeNegativeInt, cbor.TypeFloat, cbor.TypeDouble:
		_, err := dec.ReadNumber()
		return err
	case cbor.TypeBool:
		_, err := dec.ReadBool()
		return err
	case cbor.TypeTextString, cbor.TypeByteString:
		_, err := readCBORBytes(dec)
		return err
	default:
		return lwm2merrors.ErrBadRequest
	}
}

func (s *senmlCBORInput) GetPath() (lwm2mpath.Path, error) {
	if s.done {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	s.pathGot = true
	return s.cur.path, nil
}

func (s *senmlCBORInput) NextEntry() error {
	if s.done {
		return nil
	}
	return s.advance()
}

func (s *senmlCBORInput) requireType(t ValueType) error {
	if !s.pathGot || !s.cur.hasValue || s.cur.kind != t {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

func (s *senmlCBORInput) ReadInt() (int64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	v, ok := numberFitsInt64Exactly(s.cur.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (s *senmlCBORInput) ReadUint() (uint64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	v, ok := numberFitsUint64Exactly(s.cur.f)
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	return v, nil
}

func (s *senmlCBORInput) ReadFloat() (float64, error) {
	if err := s.requireType(ValueFloat); err != nil {
		return 0, err
	}
	return s.cur.f, nil
}

func (s *senmlCBORInput) ReadBool() (bool, error) {
	if err := s.requireType(ValueBool); err != nil {
		return false, err
	}
	return s.cur.b, nil
}

func (s *senmlCBORInput) ReadString(buf []byte) (int, bool, error) {
	if err := s.requireType(ValueString); err != nil {
		return 0, false, err
	}
	n := copy(buf, s.cur.s)
	if n < len(s.cur.s) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (s *senmlCBORInput) ReadBytes(buf []byte) (int, bool, error) {
	if err := s.requireType(ValueBytes); err != nil {
		return 0, false, err
	}
	n := copy(buf, s.cur.bytes)
	if n < len(s.cur.bytes) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	return n, true, nil
}

func (s *senmlCBORInput) ReadObjlnk() (uint16, uint16, error) {
	if err := s.requireType(ValueObjlnk); err != nil {
		return 0, 0, err
	}
	return s.cur.oid, s.cur.iid, nil
}

func (s *senmlCBORInput) Close() error {
	if !s.done {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// ---- 输出端 ----

type senmlCBOROutput struct {
	basePath    lwm2mpath.Path
	enc         senml.Encoder
	pathSet     bool
	written     bool
	firstElem   bool
	pendingTime float64
	pendingPath lwm2mpath.Path
}

func newSenMLCBOROutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &senmlCBOROutput{
		basePath:    basePath,
		enc:         senml.NewCBOREncoder(&bufbytesWriter{buf: buf}),
		firstElem:   true,
		pendingTime: math.NaN(),
	}, nil
}

func (s *senmlCBOROutput) SetPath(p lwm2mpath.Path) error {
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

func (s *senmlCBOROutput) ClearPath()        { s.pathSet = false }
func (s *senmlCBOROutput) SetTime(t float64) { s.pendingTime = t }

func (s *senmlCBOROutput) relativeName() (basename, name string) {
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

func (s *senmlCBOROutput) beginElement() error {
	bn, n := s.relativeName()
	if err := s.enc.ElementBegin(bn, n, s.pendingTime); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: element begin")
	}
	s.firstElem = false
	s.pendingTime = math.NaN()
	return nil
}

func (s *senmlCBOROutput) finishElement() error {
	if err := s.enc.ElementEnd(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: element end")
	}
	s.written = true
	s.ClearPath()
	return nil
}

func (s *senmlCBOROutput) RetInt(v int64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteInt(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write int")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetUint(v uint64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteUint(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write uint")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetFloat(v float64) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteFloat(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write float")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetBool(v bool) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteBool(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write bool")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetString(v string) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteString(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write string")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetBytes(v []byte) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.BytesBegin(len(v)); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: bytes begin")
	}
	if err := s.enc.BytesAppend(v); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: bytes append")
	}
	if err := s.enc.BytesEnd(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: bytes end")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) RetObjlnk(oid, iid uint16) error {
	if !s.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if err := s.beginElement(); err != nil {
		return err
	}
	if err := s.enc.WriteObjlnk(oid, iid); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: write objlnk")
	}
	return s.finishElement()
}

func (s *senmlCBOROutput) StartAggregate() error { return nil }

func (s *senmlCBOROutput) Close() error {
	if s.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	if err := s.enc.Close(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "senml-cbor: close")
	}
	return nil
}
