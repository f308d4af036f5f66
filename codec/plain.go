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
	"strconv"
	"strings"

	"github.com/packetd/lwm2m/internal/bufbytes"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

func init() {
	register(FormatTextPlain, false, newPlainInput, newPlainOutput)
}

// plainInput 是单值后端: 路径由请求外部决定 (即 base path 本身) 只能消费一次
type plainInput struct {
	basePath lwm2mpath.Path
	text     string
	consumed bool
	done     bool
}

func newPlainInput(basePath lwm2mpath.Path, payload []byte) (InputContext, error) {
	return &plainInput{basePath: basePath, text: string(payload)}, nil
}

func (p *plainInput) GetPath() (lwm2mpath.Path, error) {
	if p.done {
		return lwm2mpath.Path{}, lwm2merrors.ErrGetPathEnd
	}
	return p.basePath, nil
}

func (p *plainInput) NextEntry() error {
	p.done = true
	return nil
}

func (p *plainInput) ReadInt() (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(p.text), 10, 64)
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "plain text: not an integer")
	}
	p.consumed = true
	return v, nil
}

func (p *plainInput) ReadUint() (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(p.text), 10, 64)
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "plain text: not an unsigned integer")
	}
	p.consumed = true
	return v, nil
}

func (p *plainInput) ReadFloat() (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(p.text), 64)
	if err != nil {
		return 0, lwm2merrors.Wrap(lwm2merrors.KindBadRequest, err, "plain text: not a float")
	}
	p.consumed = true
	return v, nil
}

func (p *plainInput) ReadBool() (bool, error) {
	switch strings.TrimSpace(p.text) {
	case "1", "true":
		p.consumed = true
		return true, nil
	case "0", "false":
		p.consumed = true
		return false, nil
	}
	return false, lwm2merrors.ErrBadRequest
}

func (p *plainInput) ReadString(buf []byte) (int, bool, error) {
	n := copy(buf, p.text)
	if n < len(p.text) {
		return n, false, lwm2merrors.ErrBufferTooShort
	}
	p.consumed = true
	return n, true, nil
}

func (p *plainInput) ReadBytes(buf []byte) (int, bool, error) {
	return p.ReadString(buf)
}

func (p *plainInput) ReadObjlnk() (uint16, uint16, error) {
	parts := strings.SplitN(strings.TrimSpace(p.text), ":", 2)
	if len(parts) != 2 {
		return 0, 0, lwm2merrors.ErrBadRequest
	}
	oid, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, lwm2merrors.ErrBadRequest
	}
	iid, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, lwm2merrors.ErrBadRequest
	}
	p.consumed = true
	return uint16(oid), uint16(iid), nil
}

func (p *plainInput) Close() error {
	if !p.consumed {
		return lwm2merrors.ErrBadRequest
	}
	return nil
}

// plainOutput 写出单个裸值的字符串表示 不带任何容器
type plainOutput struct {
	basePath lwm2mpath.Path
	buf      *bufbytes.Bytes
	pathSet  bool
	written  bool
}

func newPlainOutput(basePath lwm2mpath.Path, buf *bufbytes.Bytes) (OutputContext, error) {
	return &plainOutput{basePath: basePath, buf: buf}, nil
}

func (p *plainOutput) SetPath(path lwm2mpath.Path) error {
	if p.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if !path.Within(p.basePath) || path.Len() != 3 {
		return lwm2merrors.ErrFormatMismatch
	}
	p.pathSet = true
	return nil
}

func (p *plainOutput) ClearPath() { p.pathSet = false }

func (p *plainOutput) requireSet() error {
	if !p.pathSet {
		return lwm2merrors.ErrFormatMismatch
	}
	if p.written {
		return lwm2merrors.ErrFormatMismatch
	}
	return nil
}

func (p *plainOutput) RetInt(v int64) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write(strconv.AppendInt(nil, v, 10))
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetUint(v uint64) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write(strconv.AppendUint(nil, v, 10))
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetFloat(v float64) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write(strconv.AppendFloat(nil, v, 'g', -1, 64))
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetBool(v bool) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	if v {
		p.buf.Write([]byte("1"))
	} else {
		p.buf.Write([]byte("0"))
	}
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetString(v string) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write([]byte(v))
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetBytes(v []byte) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write(v)
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) RetObjlnk(oid, iid uint16) error {
	if err := p.requireSet(); err != nil {
		return err
	}
	p.buf.Write(strconv.AppendUint(nil, uint64(oid), 10))
	p.buf.Write([]byte(":"))
	p.buf.Write(strconv.AppendUint(nil, uint64(iid), 10))
	p.written = true
	p.ClearPath()
	return nil
}

func (p *plainOutput) StartAggregate() error {
	return lwm2merrors.ErrFormatMismatch
}

func (p *plainOutput) SetTime(float64) {}

func (p *plainOutput) Close() error {
	if p.pathSet {
		return lwm2merrors.ErrRetNotCalled
	}
	return nil
}
