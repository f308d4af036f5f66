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

package cbor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoder_UIntMinimumWidth(t *testing.T) {
	cases := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{23, []byte{0x17}},
		{24, []byte{0x18, 0x18}},
		{255, []byte{0x18, 0xff}},
		{256, []byte{0x19, 0x01, 0x00}},
		{65535, []byte{0x19, 0xff, 0xff}},
		{65536, []byte{0x1a, 0x00, 0x01, 0x00, 0x00}},
		{1 << 40, []byte{0x1b, 0, 0, 0, 0x01, 0, 0, 0, 0}},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		NewEncoder(&buf).UInt(tc.v)
		assert.Equal(t, tc.want, buf.Bytes(), "uint %d", tc.v)
	}
}

func TestEncoder_Int_Negative(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).Int(-1)
	assert.Equal(t, []byte{0x20}, buf.Bytes())

	buf.Reset()
	NewEncoder(&buf).Int(-100)
	assert.Equal(t, []byte{0x38, 0x63}, buf.Bytes())
}

func TestEncoder_Double_DowncastsToFloat(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).Float64(1.5)
	// 1.5 精确表示为 float32 故降级为 4 字节编码
	require.Len(t, buf.Bytes(), 5)
	assert.Equal(t, byte(0xfa), buf.Bytes()[0])
}

func TestEncoder_Double_NotExactlyFloat(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).Float64(0.1)
	require.Len(t, buf.Bytes(), 9)
	assert.Equal(t, byte(0xfb), buf.Bytes()[0])
}

func TestDecoder_ScalarRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.Int(-42)

	dec := NewDecoder(buf.Bytes(), 1)
	assert.Equal(t, TypeNegativeInt, dec.PeekType())
	n, err := dec.ReadNumber()
	require.NoError(t, err)
	v, ok := n.AsI64()
	require.True(t, ok)
	assert.EqualValues(t, -42, v)
	assert.True(t, dec.Finished())
}

func TestDecoder_DecimalFraction(t *testing.T) {
	// tag 4, [-1, 45] => 45 * 10^-1 == 4.5
	payload := []byte{0xC4, 0x82, 0x20, 0x18, 0x2D}
	dec := NewDecoder(payload, 1)
	assert.Equal(t, TypeDouble, dec.PeekType())
	n, err := dec.ReadNumber()
	require.NoError(t, err)
	f, ok := n.AsF64()
	require.True(t, ok)
	assert.Equal(t, 4.5, f)
}

func TestDecoder_NestingBound(t *testing.T) {
	// array[array[array[0]]] -- three levels deep
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.ArrayBegin(1)
	enc.ArrayBegin(1)
	enc.ArrayBegin(1)
	enc.UInt(0)

	dec := NewDecoder(buf.Bytes(), 3)
	_, _, err := dec.EnterArray()
	require.NoError(t, err)
	_, _, err = dec.EnterArray()
	require.NoError(t, err)
	_, _, err = dec.EnterArray()
	require.NoError(t, err)
	assert.Equal(t, TypeUint, dec.PeekType())
}

func TestDecoder_NestingBoundRejectsFourthEnter(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.ArrayBegin(1)
	enc.ArrayBegin(1)
	enc.ArrayBegin(1)
	enc.ArrayBegin(1)
	enc.UInt(0)

	dec := NewDecoder(buf.Bytes(), 3)
	_, _, err := dec.EnterArray()
	require.NoError(t, err)
	_, _, err = dec.EnterArray()
	require.NoError(t, err)
	_, _, err = dec.EnterArray()
	require.NoError(t, err)
	_, _, err = dec.EnterArray()
	assert.ErrorIs(t, err, ErrNestingTooDeep)
}

func TestDecoder_DefiniteByteStringChunked(t *testing.T) {
	var buf bytes.Buffer
	NewEncoder(&buf).BytesBegin(5)
	NewEncoder(&buf).BytesAppend([]byte("hello"))

	dec := NewDecoder(buf.Bytes(), 1)
	require.Equal(t, TypeByteString, dec.PeekType())
	require.NoError(t, dec.BytesCtx())

	var out bytes.Buffer
	small := make([]byte, 2)
	for {
		n, finished, err := dec.ReadSomeBytes(small)
		require.NoError(t, err)
		out.Write(small[:n])
		if finished {
			break
		}
	}
	assert.Equal(t, "hello", out.String())
	assert.True(t, dec.Finished())
}

func TestDecoder_MapHeaderCountsPairs(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.MapBegin(2)
	enc.UInt(0)
	enc.TextString("/13/26/1")
	enc.Int(2)
	enc.Int(42)

	dec := NewDecoder(buf.Bytes(), 3)
	count, indef, err := dec.EnterMap()
	require.NoError(t, err)
	assert.False(t, indef)
	assert.EqualValues(t, 2, count)

	// key: 0
	n, err := dec.ReadNumber()
	require.NoError(t, err)
	v, _ := n.AsI64()
	assert.EqualValues(t, 0, v)

	// value: "/13/26/1" -- read as text string
	require.Equal(t, TypeTextString, dec.PeekType())
	require.NoError(t, dec.BytesCtx())
	out := make([]byte, 64)
	n2, finished, err := dec.ReadSomeBytes(out)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, "/13/26/1", string(out[:n2]))

	// key: 2
	n, err = dec.ReadNumber()
	require.NoError(t, err)
	v, _ = n.AsI64()
	assert.EqualValues(t, 2, v)

	// value: 42
	n, err = dec.ReadNumber()
	require.NoError(t, err)
	v, _ = n.AsI64()
	assert.EqualValues(t, 42, v)

	assert.True(t, dec.Finished())
}

func TestNumber_ConversionRules(t *testing.T) {
	u := Number{Kind: KindU64, U64: 5}
	i, ok := u.AsI64()
	assert.True(t, ok)
	assert.EqualValues(t, 5, i)

	neg := Number{Kind: KindI64, I64: -5}
	_, ok = neg.AsU64()
	assert.False(t, ok)

	f := Number{Kind: KindF64, F64: 2.5}
	_, ok = f.AsI64()
	assert.False(t, ok, "2.5 is not exactly representable as an integer")

	f2 := Number{Kind: KindF64, F64: 2.0}
	i2, ok := f2.AsI64()
	assert.True(t, ok)
	assert.EqualValues(t, 2, i2)
}
