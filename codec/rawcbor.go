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
	"bytes"

	"github.com/packetd/lwm2m/cbor"
	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

// rawCBORMaxNesting 原始 CBOR 后端只承载单个标量/字节串值 嵌套限制与 SenML-CBOR 取值
// 无关 这里按 spec.md §4.2 "1 for raw CBOR" 取 1
const rawCBORMaxNesting = 1

func init() {
	register(FormatCBOR, false, newRawCBORInput, newRawCBOROutput)
}

type rawCBORInput struct {
	basePath lwm2mpath.Path
	dec      *cbor.Decoder
	consumed bool
	done     bool
}

func newRawCBORInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	return &rawCBORInput{basePath: basePath, dec: cbor.NewDecoder(payload, rawCBORMaxNesting)}, nil
}

func (r *rawCBORInput) GetPath() (lwm2mpath.Path, error) {
	if r.done {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	return r.basePath, nil
}

func (r *rawCBORInput) NextEntry() error {
	r.done = true
	return nil
}

func (r *rawCBORInput) ReadInt() (int64, error) {
	n, err := r.dec.ReadNumber()
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "raw cbor: read int")
	}
	v, ok := n.AsI64()
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	r.consumed = true
	return v, nil
}

func (r *rawCBORInput) ReadUint() (uint64, error) {
	n, err := r.dec.ReadNumber()
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "raw cbor: read uint")
	}
	v, ok := n.AsU64()
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	r.consumed = true
	return v, nil
}

func (r *rawCBORInput) ReadFloat() (float64, error) {
	n, err := r.dec.ReadNumber()
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "raw cbor: read float")
	}
	v, ok := n.AsF64()
	if !ok {
		return 0, lwm2merrors.ErrBadRequest
	}
	r.consumed = true
	return v, nil
}

func (r *rawCBORInput) ReadBool() (bool, error) {
	v, err := r.dec.ReadBool()
	if err != nil {
		return false, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "raw cbor: read bool")
	}
	r.consumed = true
	return v, nil
}

func (r *rawCBORInput) readChunked(buf []byte) (int, bool, error) {
	if err := r.dec.BytesCtx(); err != nil {
		return 0, false, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "raw cbor: not a string")
	}
	n, finished, err := r.dec.ReadSomeBytes(buf)
	if err != nil {
		return n, finished, lwm2merrors.Wrap(lwm2merrors.KindBufferTooShort, err, "raw cbor: chunked read")
	}
	if finished {
		r.consumed = true
	}
	return n, finished, nil
}

func (r *rawCBORInput) ReadString(buf []byte) (int, bool, error) { return r.readChunked(buf) }
func (r *rawCBORInput) ReadBytes(buf []byte) (int, bool, error)  { return r.readChunked(buf) }

func (r *rawCBORInput) ReadObjlnk() (uint16, uint16, error) {
	return 0, 0, lwm2merrors.ErrBadRequest
}

func (r *rawCBORInput) Close() error {
	if !r.consumed || !r.dec.Finished() {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

type rawCBOROutput struct {
	basePath lwm2mpath.Path
	buf      *bufbytes.Bytes
	pathSet  bool
	written  bool
}

func newRawCBOROutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &rawCBOROutput{basePath: basePath, buf: buf}, nil
}

func (r *rawCBOROutput) SetPath(path lwm2mpath.Path) error {
	if r.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if !path.Within(r.basePath) || path.Len() != 3 {
		return lwm2merrors.ErrFormatMismatch
	}
	r.pathSet = true
	return nil
}

func (r *rawCBOROutput) ClearPath() { r.pathSet = false }

func (r *rawCBOROutput) requireSet() error {
	if !r.pathSet || r.written {
		return lwm2merrors.ErrFormatMismatch
	}
	return nil
}

func (r *rawCBOROutput) write(fn func(enc *cbor.Encoder)) error {
	var tmp bytes.Buffer
	enc := cbor.NewEncoder(&tmp)
	fn(enc)
	if err := enc.Err(); err != nil {
		return lwm2merrors.Wrap(lwm2merrors.KindInternalServerError, err, "raw cbor: encode")
	}
	r.buf.Write(tmp.Bytes())
	r.written = true
	r.ClearPath()
	return nil
}

func (r *rawCBOROutput) RetInt(v int64) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) { e.Int(v) })
}

func (r *rawCBOROutput) RetUint(v uint64) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) { e.UInt(v) })
}

func (r *rawCBOROutput) RetFloat(v float64) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) { e.Float64(v) })
}

func (r *rawCBOROutput) RetBool(v bool) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) { e.Bool(v) })
}

func (r *rawCBOROutput) RetString(v string) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) { e.TextString(v) })
}

func (r *rawCBOROutput) RetBytes(v []byte) error {
	if err := r.requireSet(); err != nil {
		return err
	}
	return r.write(func(e *cbor.Encoder) {
		e.BytesBegin(len(v))
		e.BytesAppend(v)
		e.BytesEnd()
	})
}

func (r *rawCBOROutput) RetObjlnk(oid, iid uint16) error {
	return lwm2merrors.ErrFormatMismatch
}

func (r *rawCBOROutput) StartAggregate() error { return lwm2merrors.ErrFormatMismatch }
func (r *rawCBOROutput) SetTime(float64)       {}

func (r *rawCBOROutput) Close() error {
	if r.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	return nil
}
