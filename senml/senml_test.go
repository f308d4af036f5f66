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

package senml

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEncoder_SingleElement(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/13/26/1", math.NaN()))
	require.NoError(t, enc.WriteInt(42))
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	assert.Equal(t, `[{"n":"/13/26/1","v":42}]`, buf.String())
}

func TestJSONEncoder_MultipleElementsWithBasename(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	require.NoError(t, enc.ElementBegin("/13/26/", "1", math.NaN()))
	require.NoError(t, enc.WriteInt(42))
	require.NoError(t, enc.ElementEnd())

	require.NoError(t, enc.ElementBegin("", "2", math.NaN()))
	require.NoError(t, enc.WriteString("hi"))
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	assert.Equal(t, `[{"bn":"/13/26/","n":"1","v":42},{"n":"2","vs":"hi"}]`, buf.String())
}

func TestJSONEncoder_RejectsSecondValueField(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/1/2/3", math.NaN()))
	require.NoError(t, enc.WriteInt(1))
	assert.ErrorIs(t, enc.WriteBool(true), ErrAlreadyHasValue)
}

func TestJSONEncoder_Bytes(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/1/2/3", math.NaN()))
	require.NoError(t, enc.BytesBegin(3))
	require.NoError(t, enc.BytesAppend([]byte("abc")))
	require.NoError(t, enc.BytesEnd())
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	assert.Equal(t, `[{"n":"/1/2/3","vd":"YWJj"}]`, buf.String())
}

func TestJSONEncoder_Objlnk(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/1/2/3", math.NaN()))
	require.NoError(t, enc.WriteObjlnk(13, 26))
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	assert.Equal(t, `[{"n":"/1/2/3","vlo":"13:26"}]`, buf.String())
}

// TestCBOREncoder_WriteCompositePayload exercises the exact scenario described for a
// SenML-CBOR write-composite payload: a single element named "/13/26/1" with an
// integer value of 42, yielding the definite-length array 81 A2 00 68 ... 02 18 2A.
func TestCBOREncoder_WriteCompositePayload(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCBOREncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/13/26/1", math.NaN()))
	require.NoError(t, enc.WriteInt(42))
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	want := []byte{
		0x81,                   // array(1)
		0xA2,                   // map(2)
		0x00,                   // key: n (0)
		0x68,                   // text(8)
		'/', '1', '3', '/', '2', '6', '/', '1',
		0x02,       // key: v (2)
		0x18, 0x2A, // 42
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestCBOREncoder_MultipleElements(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCBOREncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/1/2/3", math.NaN()))
	require.NoError(t, enc.WriteBool(true))
	require.NoError(t, enc.ElementEnd())

	require.NoError(t, enc.ElementBegin("", "/1/2/4", 100))
	require.NoError(t, enc.WriteFloat(3.5))
	require.NoError(t, enc.ElementEnd())
	require.NoError(t, enc.Close())

	// Outer array must declare exactly 2 elements.
	assert.Equal(t, byte(0x82), buf.Bytes()[0])
}

func TestCBOREncoder_RejectsCloseWithOpenElement(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCBOREncoder(&buf)
	require.NoError(t, enc.ElementBegin("", "/1/2/3", math.NaN()))
	require.Error(t, enc.Close())
}

func TestJSONEncoder_RejectsWriteWithNoElementOpen(t *testing.T) {
	var buf bytes.Buffer
	enc := NewJSONEncoder(&buf)
	assert.ErrorIs(t, enc.WriteInt(1), ErrNoElementOpen)
}
