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

	"github.com/packetd/lwm2m/lwm2mpath"
)

// encodeLinkFormat 把一组路径序列化为 RFC 6690 CoRE Link-Format 文本
// 形如 "</3/0>,</3/0/1>,</3/0/9>"
func encodeLinkFormat(paths []lwm2mpath.Path) []byte {
	var b strings.Builder
	for i, p := range paths {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(p.String())
		b.WriteByte('>')
	}
	return []byte(b.String())
}
