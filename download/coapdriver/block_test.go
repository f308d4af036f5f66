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

package coapdriver

import "testing"

func TestBlockOptionRoundTrip(t *testing.T) {
	cases := []struct {
		num  uint32
		more bool
		szx  uint8
	}{
		{0, true, szx1024},
		{1, false, szx1024},
		{4095, true, 2},
	}

	for _, c := range cases {
		encoded := encodeBlockOption(c.num, c.szx, c.more)
		num, more, szx := decodeBlockOption(encoded)
		if num != c.num || more != c.more || szx != c.szx {
			t.Fatalf("round trip mismatch: got (%d,%v,%d) want (%d,%v,%d)", num, more, szx, c.num, c.more, c.szx)
		}
	}
}

func TestEncodeDecodeUint(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 256, 65535, 65536, 1 << 24} {
		b := encodeUint(v)
		if got := decodeUint(b); got != v {
			t.Fatalf("decodeUint(encodeUint(%d)) = %d", v, got)
		}
	}
}

func TestBlockSizeFromSZX(t *testing.T) {
	if got := blockSizeFromSZX(szx1024); got != 1024 {
		t.Fatalf("blockSizeFromSZX(szx1024) = %d, want 1024", got)
	}
}
