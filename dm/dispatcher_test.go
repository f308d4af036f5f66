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

package dm

import (
	"strings"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/lwm2m/attrs"
	"github.com/packetd/lwm2m/coapreq"
	"github.com/packetd/lwm2m/codec"
	"github.com/packetd/lwm2m/internal/pubsub"
	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit() error { t.committed = true; return nil }
func (t *fakeTx) Rollback()     { t.rolledBack = true }

type fakeObject struct {
	oid          uint16
	values       map[uint16]int64
	writtenAttrs attrs.Attributes
	executed     bool
	execArgs     *ExecArgsIterator
	created      []lwm2mpath.Path
	deleted      []lwm2mpath.Path
}

func newFakeObject(oid uint16) *fakeObject {
	return &fakeObject{oid: oid, values: map[uint16]int64{1: 42, 9: 80}}
}

func (f *fakeObject) OID() uint16 { return f.oid }

func (f *fakeObject) Read(path lwm2mpath.Path, out codec.OutputContext) error {
	rid, ok := path.RID()
	if !ok {
		return lwm2merrors.ErrBadRequest
	}
	if err := out.SetPath(path); err != nil {
		return err
	}
	return out.RetInt(f.values[rid])
}

func (f *fakeObject) Discover(path lwm2mpath.Path) ([]lwm2mpath.Path, error) {
	var out []lwm2mpath.Path
	for rid := range f.values {
		out = append(out, lwm2mpath.NewResource(f.oid, 0, rid))
	}
	return out, nil
}

func (f *fakeObject) Write(path lwm2mpath.Path, in codec.InputContext, partial bool) error {
	for {
		p, err := in.GetPath()
		if err != nil {
			break
		}
		rid, _ := p.RID()
		v, err := in.ReadInt()
		if err != nil {
			return err
		}
		f.values[rid] = v
		if err := in.NextEntry(); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeObject) WriteResource(path lwm2mpath.Path, in codec.InputContext) error {
	rid, _ := path.RID()
	v, err := in.ReadInt()
	if err != nil {
		return err
	}
	f.values[rid] = v
	return nil
}

func (f *fakeObject) Execute(path lwm2mpath.Path, args *ExecArgsIterator) error {
	f.executed = true
	f.execArgs = args
	return nil
}

func (f *fakeObject) Create(path lwm2mpath.Path, in codec.InputContext) (lwm2mpath.Path, error) {
	p := lwm2mpath.NewInstance(f.oid, 5)
	f.created = append(f.created, p)
	return p, nil
}

func (f *fakeObject) Delete(path lwm2mpath.Path) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeObject) ReadAttrs(attrs.Level, lwm2mpath.Path, uint16) (attrs.Attributes, bool) {
	return attrs.Attributes{}, false
}

func (f *fakeObject) DefaultMinPeriod(uint16) (int64, bool) { return 0, false }
func (f *fakeObject) DefaultMaxPeriod(uint16) (int64, bool) { return 0, false }

func (f *fakeObject) WriteAttrs(path lwm2mpath.Path, serverID uint16, a attrs.Attributes) error {
	f.writtenAttrs = a
	return nil
}

func (f *fakeObject) Begin() (Transaction, error) { return &fakeTx{}, nil }

func newTestDispatcher() (*Dispatcher, *fakeObject) {
	obj := newFakeObject(3)
	d := NewDispatcher(codec.NewSelector(), pubsub.New())
	d.Register(obj)
	return d, obj
}

func TestDispatcher_ReadScalarAsPlainText(t *testing.T) {
	d, _ := newTestDispatcher()
	req := coapreq.Request{Action: codec.ActionRead, Path: lwm2mpath.NewResource(3, 0, 1)}
	resp := d.Handle(req, 1)
	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, "42", string(resp.Payload))
}

func TestDispatcher_WriteScalarAsPlainText(t *testing.T) {
	d, obj := newTestDispatcher()
	req := coapreq.Request{
		Action:        codec.ActionWrite,
		Path:          lwm2mpath.NewResource(3, 0, 1),
		ContentFormat: codec.FormatTextPlain,
		Payload:       []byte("100"),
	}
	resp := d.Handle(req, 1)
	require.Equal(t, codes.Changed, resp.Code)
	assert.EqualValues(t, 100, obj.values[1])
}

func TestDispatcher_Discover(t *testing.T) {
	d, _ := newTestDispatcher()
	req := coapreq.Request{Action: codec.ActionDiscover, Path: lwm2mpath.NewInstance(3, 0)}
	resp := d.Handle(req, 1)
	require.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, codec.FormatLinkFormat, resp.Format)
	assert.True(t, strings.Contains(string(resp.Payload), "</3/0/1>"))
}

func TestDispatcher_Execute(t *testing.T) {
	d, obj := newTestDispatcher()
	req := coapreq.Request{
		Action:  codec.ActionExecute,
		Path:    lwm2mpath.NewResource(3, 0, 4),
		Payload: []byte("0=5,1"),
	}
	resp := d.Handle(req, 1)
	require.Equal(t, codes.Changed, resp.Code)
	assert.True(t, obj.executed)
	require.NotNil(t, obj.execArgs)
	assert.Equal(t, 2, obj.execArgs.Len())
}

func TestDispatcher_Delete(t *testing.T) {
	d, obj := newTestDispatcher()
	req := coapreq.Request{Action: codec.ActionDelete, Path: lwm2mpath.NewInstance(3, 0)}
	resp := d.Handle(req, 1)
	require.Equal(t, codes.Deleted, resp.Code)
	require.Len(t, obj.deleted, 1)
}

func TestDispatcher_WriteAttributes(t *testing.T) {
	d, obj := newTestDispatcher()
	pmin := int64(10)
	req := coapreq.Request{
		Action: codec.ActionWriteAttributes,
		Path:   lwm2mpath.NewResource(3, 0, 1),
		Attrs:  attrs.Attributes{PMin: &pmin},
	}
	resp := d.Handle(req, 7)
	require.Equal(t, codes.Changed, resp.Code)
	require.NotNil(t, obj.writtenAttrs.PMin)
	assert.EqualValues(t, 10, *obj.writtenAttrs.PMin)
}

func TestDispatcher_UnknownObjectIsNotFound(t *testing.T) {
	d, _ := newTestDispatcher()
	req := coapreq.Request{Action: codec.ActionRead, Path: lwm2mpath.NewResource(99, 0, 1)}
	resp := d.Handle(req, 1)
	assert.Equal(t, codes.NotFound, resp.Code)
}

func TestDispatcher_BootstrapRequestIsNotImplemented(t *testing.T) {
	d, _ := newTestDispatcher()
	req := coapreq.Request{Action: codec.ActionBootstrapFinish, Bootstrap: true}
	resp := d.Handle(req, 1)
	assert.Equal(t, codes.NotImplemented, resp.Code)
}

func TestDispatcher_PublishesPathChangedAfterWrite(t *testing.T) {
	obj := newFakeObject(3)
	queue := pubsub.New()
	d := NewDispatcher(codec.NewSelector(), queue)
	d.Register(obj)
	sub := queue.Subscribe(1)
	defer queue.Unsubscribe(sub)

	req := coapreq.Request{
		Action:        codec.ActionWrite,
		Path:          lwm2mpath.NewResource(3, 0, 1),
		ContentFormat: codec.FormatTextPlain,
		Payload:       []byte("5"),
	}
	resp := d.Handle(req, 42)
	require.Equal(t, codes.Changed, resp.Code)

	msg, ok := sub.PopTimeout(time.Second)
	require.True(t, ok)
	changed, ok := msg.(PathChanged)
	require.True(t, ok)
	assert.EqualValues(t, 42, changed.ServerID)
	assert.True(t, changed.Path.Equal(lwm2mpath.NewResource(3, 0, 1)))
}
