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

package common

import (
	"runtime"
)

var coreNums = runtime.NumCPU()

// Concurrency 派生出一个按 CPU 核数伸缩的并发预算 供 download.Engine 限制同时运行的
// 下载数量 沿用 controller 里"按 CPU 核数派生 worker/channel 容量"的同一做法
func Concurrency() int {
	return coreNums * 2
}
