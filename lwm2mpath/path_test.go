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

package lwm2mpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlashSeparated_Valid(t *testing.T) {
	cases := []struct {
		in   string
		want Path
	}{
		{"/", Root()},
		{"/13", NewObject(13)},
		{"/13/26", NewInstance(13, 26)},
		{"/13/26/1", NewResource(13, 26, 1)},
		{"/13/26/1/0", NewResourceInstance(13, 26, 1, 0)},
		{"/0/0/0/0", NewResourceInstance(0, 0, 0, 0)},
	}
	for _, tc := range cases {
		got, err := FromSlashSeparated(tc.in)
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(tc.want), "parsing %q", tc.in)
	}
}

func TestFromSlashSeparated_Invalid(t *testing.T) {
	cases := []string{
		"",
		"/1/",
		"/1//2",
		"/1/2/3/65535",
		"/1/2/3/65536",
		"/1/2/3/4/5",
		"1/2",
		"/abc",
		"/-1",
	}
	for _, in := range cases {
		_, err := FromSlashSeparated(in)
		assert.Error(t, err, "expected error for %q", in)
	}
}

func TestPath_String_RoundTrips(t *testing.T) {
	cases := []string{"/", "/13", "/13/26", "/13/26/1", "/13/26/1/0"}
	for _, in := range cases {
		p, err := FromSlashSeparated(in)
		require.NoError(t, err)
		assert.Equal(t, in, p.String())
	}
}

func TestPath_Within(t *testing.T) {
	base := NewInstance(13, 26)
	inside := NewResource(13, 26, 1)
	outside := NewResource(13, 27, 1)

	assert.True(t, inside.Within(base))
	assert.True(t, base.IsPrefixOf(inside))
	assert.False(t, outside.Within(base))
	assert.False(t, base.IsPrefixOf(outside))

	// every path is within the root
	assert.True(t, inside.Within(Root()))

	// a path is not within something longer than itself
	assert.False(t, base.Within(inside))
}

func TestPath_WithinIsPrefixOfDuality(t *testing.T) {
	paths := []Path{
		Root(),
		NewObject(13),
		NewInstance(13, 26),
		NewInstance(13, 27),
		NewResource(13, 26, 1),
		NewResourceInstance(13, 26, 1, 0),
	}
	for _, b := range paths {
		for _, p := range paths {
			assert.Equal(t, p.Within(b), b.IsPrefixOf(p), "b=%s p=%s", b, p)
		}
	}
}

func TestPath_Less(t *testing.T) {
	assert.True(t, NewObject(1).Less(NewObject(2)))
	assert.True(t, Root().Less(NewObject(0)))
	assert.False(t, NewObject(0).Less(Root()))
	assert.True(t, NewInstance(1, 1).Less(NewInstance(1, 2)))
}

func TestPath_Accessors(t *testing.T) {
	p := NewResource(13, 26, 1)
	oid, ok := p.OID()
	assert.True(t, ok)
	assert.EqualValues(t, 13, oid)

	_, ok = p.RIID()
	assert.False(t, ok)

	assert.Equal(t, 3, p.Len())
	assert.False(t, p.IsRoot())
	assert.True(t, Root().IsRoot())
}
