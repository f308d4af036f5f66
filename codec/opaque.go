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
	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

func init() {
	register(FormatOctetStream, false, newOpaqueInput, newOpaqueOutput)
}

// opaqueInput 是单值后端: 整个负载就是一个 byte string 资源值
type opaqueInput struct {
	basePath lwm2mpath.Path
	data     []byte
	consumed bool
	done     bool
}

func newOpaqueInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	return &opaqueInput{basePath: basePath, data: payload}, nil
}

func (o *opaqueInput) GetPath() (lwm2mpath.Path, error) {
	if o.done {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	return o.basePath, nil
}

func (o *opaqueInput) NextEntry() error {
	o.done = true
	return nil
}

func (o *opaqueInput) ReadInt() (int64, error)     { return 0, lwm2merrors.ErrBadRequest }
func (o *opaqueInput) ReadUint() (uint64, error)    { return 0, lwm2merrors.ErrBadRequest }
func (o *opaqueInput) ReadFloat() (float64, error)  { return 0, lwm2merrors.ErrBadRequest }
func (o *opaqueInput) ReadBool() (bool, error)      { return false, lwm2merrors.ErrBadRequest }
func (o *opaqueInput) ReadObjlnk() (uint16, uint16, error) {
	return 0, 0, lwm2merrors.ErrBadRequest
}

func (o *opaqueInput) ReadString(buf []byte) (int, bool, error) {
	return o.ReadBytes(buf)
}

func (o *opaqueInput) ReadBytes(buf []byte) (int, bool, error) {
	n := copy(buf, o.data)
	if n < len(o.data) {
		o.data = o.data[n:]
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	o.consumed = true
	return n, true, nil
}

func (o *opaqueInput) Close() error {
	if !o.consumed {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// opaqueOutput 写出单个裸字节串 不带任何容器
type opaqueOutput struct {
	basePath lwm2mpath.Path
	buf      *bufbytes.Bytes
	pathSet  bool
	written  bool
}

func newOpaqueOutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &opaqueOutput{basePath: basePath, buf: buf}, nil
}

func (o *opaqueOutput) SetPath(path lwm2mpath.Path) error {
	if o.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if !path.Within(o.basePath) || path.Len() != 3 {
		return lwm2merrors.ErrFormatMismatch
	}
	o.pathSet = true
	return nil
}

func (o *opaqueOutput) ClearPath() { o.pathSet = false }

func (o *opaqueOutput) RetBytes(v []byte) error {
	if !o.pathSet || o.written {
		return lwm2merrors.ErrFormatMismatch
	}
	o.buf.Write(v)
	o.written = true
	o.ClearPath()
	return nil
}

func (o *opaqueOutput) RetInt(int64) error         { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) RetUint(uint64) error        { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) RetFloat(float64) error      { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) RetBool(bool) error          { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) RetString(string) error      { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) RetObjlnk(uint16, uint16) error { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) StartAggregate() error       { return lwm2merrors.ErrFormatMismatch }
func (o *opaqueOutput) SetTime(float64)             {}

func (o *opaqueOutput) Close() error {
	if o.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	return nil
}
