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

package coapreq

import (
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/lwm2m/codec"
	"github.com/packetd/lwm2m/internal/zerocopy"
)

func pathOpts(segs ...string) message.Options {
	var opts message.Options
	for _, s := range segs {
		opts = append(opts, message.Option{ID: message.URIPath, Value: []byte(s)})
	}
	return opts
}

func withQuery(opts message.Options, kvs ...string) message.Options {
	for _, kv := range kvs {
		opts = append(opts, message.Option{ID: message.URIQuery, Value: []byte(kv)})
	}
	return opts
}

func TestParseRequest_ReadScalarAsPlainText(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	req, _, err := ParseRequest(codes.GET, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionRead, req.Action)
	p, ok := req.Path.OID()
	require.True(t, ok)
	assert.EqualValues(t, 13, p)
}

func TestParseRequest_BootstrapURI(t *testing.T) {
	opts := pathOpts("bs")
	req, _, err := ParseRequest(codes.POST, opts, nil, nil)
	require.NoError(t, err)
	assert.True(t, req.Bootstrap)
	assert.Equal(t, codec.ActionBootstrapFinish, req.Action)
	assert.True(t, req.Path.IsRoot())
}

func TestParseRequest_RootViaEmptySegment(t *testing.T) {
	opts := pathOpts("")
	req, _, err := ParseRequest(codes.GET, opts, nil, nil)
	require.NoError(t, err)
	assert.True(t, req.Path.IsRoot())
}

func TestParseRequest_TooManyPathSegmentsIsBadOption(t *testing.T) {
	opts := pathOpts("1", "2", "3", "4", "5")
	_, code, err := ParseRequest(codes.GET, opts, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, codes.BadOption, code)
}

func TestParseRequest_InvalidIDIsBadOption(t *testing.T) {
	opts := pathOpts("13", "abc")
	_, code, err := ParseRequest(codes.GET, opts, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, codes.BadOption, code)
}

func TestParseRequest_UnrecognizedCriticalOptionIsBadOption(t *testing.T) {
	opts := pathOpts("3", "0")
	opts = append(opts, message.Option{ID: message.IfMatch, Value: []byte{0x01}})
	_, code, err := ParseRequest(codes.GET, opts, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, codes.BadOption, code)
}

func TestParseRequest_WriteAttributesRejectsNonIntegerPMax(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	opts = withQuery(opts, "pmin=10", "pmax=abc")
	_, _, err := ParseRequest(codes.PUT, opts, nil, nil)
	assert.Error(t, err)
}

func TestParseRequest_WriteAttributesAction(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	opts = withQuery(opts, "pmin=10", "pmax=60", "gt=12.5")
	req, _, err := ParseRequest(codes.PUT, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionWriteAttributes, req.Action)
	require.NotNil(t, req.Attrs.PMin)
	assert.EqualValues(t, 10, *req.Attrs.PMin)
	require.NotNil(t, req.Attrs.PMax)
	assert.EqualValues(t, 60, *req.Attrs.PMax)
	assert.Equal(t, 12.5, req.Attrs.GT)
}

func TestParseRequest_DuplicateQueryKeyIsError(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	opts = withQuery(opts, "pmin=10", "pmin=20")
	_, _, err := ParseRequest(codes.PUT, opts, nil, nil)
	assert.Error(t, err)
}

func TestParseRequest_AttributesWithNonWriteAttributesActionIsRejected(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	opts = withQuery(opts, "pmin=10")
	opts = append(opts, message.Option{ID: message.ContentFormat, Value: []byte{0}})
	_, _, err := ParseRequest(codes.PUT, opts, nil, nil)
	assert.Error(t, err)
}

func TestParseRequest_PutWithContentFormatIsWrite(t *testing.T) {
	opts := pathOpts("13", "26", "1")
	opts = append(opts, message.Option{ID: message.ContentFormat, Value: []byte{0}})
	req, _, err := ParseRequest(codes.PUT, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionWrite, req.Action)
	assert.Equal(t, codec.FormatTextPlain, req.ContentFormat)
}

func TestParseRequest_PostOnInstanceIsWriteUpdate(t *testing.T) {
	opts := pathOpts("3", "0")
	req, _, err := ParseRequest(codes.POST, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionWriteUpdate, req.Action)
}

func TestParseRequest_PostOnResourceIsExecute(t *testing.T) {
	opts := pathOpts("3", "0", "4")
	req, _, err := ParseRequest(codes.POST, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionExecute, req.Action)
}

func TestParseRequest_PostOnObjectIsCreate(t *testing.T) {
	opts := pathOpts("3")
	req, _, err := ParseRequest(codes.POST, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionCreate, req.Action)
}

func TestParseRequest_DeleteAction(t *testing.T) {
	opts := pathOpts("3", "0")
	req, _, err := ParseRequest(codes.DELETE, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionDelete, req.Action)
}

func TestParseRequest_FetchAndIPatchComposite(t *testing.T) {
	req, _, err := ParseRequest(codes.FETCH, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionReadComposite, req.Action)

	req, _, err = ParseRequest(codes.IPATCH, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionWriteComposite, req.Action)
}

func TestParseRequest_GetWithLinkFormatAcceptIsDiscover(t *testing.T) {
	opts := pathOpts("3", "0")
	opts = append(opts, message.Option{ID: message.Accept, Value: []byte{40}})
	req, _, err := ParseRequest(codes.GET, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionDiscover, req.Action)
}

func TestParseRequest_PayloadReadFromZerocopyReader(t *testing.T) {
	buf := zerocopy.NewBuffer([]byte("42"))
	opts := pathOpts("13", "26", "1")
	req, _, err := ParseRequest(codes.GET, opts, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("42"), req.Payload)
}

func TestParseRequest_ResourceInstanceLeafPostIsWrite(t *testing.T) {
	opts := pathOpts("3", "0", "6", "0")
	req, _, err := ParseRequest(codes.POST, opts, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, codec.ActionWrite, req.Action)
	riid, ok := req.Path.RIID()
	require.True(t, ok)
	assert.EqualValues(t, 0, riid)
}
