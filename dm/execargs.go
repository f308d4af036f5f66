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
	"strconv"
	"strings"

	"github.com/packetd/lwm2m/lwm2merrors"
)

// ParseExecArgs 实现 spec.md §4.10: EXECUTE 负载 (若存在) 是一个以逗号分隔的参数列表
// 每项形如 "<digit>" 或 "<digit>=<value>"
func ParseExecArgs(payload []byte) (*ExecArgsIterator, error) {
	if len(payload) == 0 {
		return &ExecArgsIterator{}, nil
	}

	parts := strings.Split(string(payload), ",")
	args := make([]ExecArg, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, lwm2merrors.ErrBadRequest
		}
		idStr, val, hasVal := p, "", false
		if idx := strings.IndexByte(p, '='); idx >= 0 {
			idStr, val, hasVal = p[:idx], p[idx+1:], true
		}
		id, err := strconv.Atoi(idStr)
		if err != nil || id < 0 || id > 9 {
			return nil, lwm2merrors.ErrBadRequest
		}
		args = append(args, ExecArg{ID: id, Value: val, HasValue: hasVal})
	}
	return &ExecArgsIterator{args: args}, nil
}
