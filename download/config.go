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

package download

import (
	"crypto/tls"
	"time"

	"github.com/packetd/lwm2m/confengine"
)

// IdleTimeout 和 BlockSizeSZX 是两个驱动包 (httpdriver/coapdriver) 共享读取的默认值
// 通过 LoadEngineConfig/ApplyEngineConfig 由客户端侧配置文件覆盖 对应 SPEC_FULL.md
// "Configuration" 一节: "default download block size, HTTP idle-timeout"
var (
	IdleTimeout         = 30 * time.Second
	BlockSizeSZX  uint8 = 6
	TLSClientConf *tls.Config
)

// EngineConfig 是从 confengine.Config 解出的下载引擎配置子集
type EngineConfig struct {
	IdleTimeoutSeconds int   `config:"idle_timeout_seconds"`
	BlockSizeSZX       uint8 `config:"block_size_szx"`
}

// LoadEngineConfig 从 "download" 配置节解出引擎配置 缺失字段保留当前包级默认值
func LoadEngineConfig(root *confengine.Config) (EngineConfig, error) {
	ec := EngineConfig{
		IdleTimeoutSeconds: int(IdleTimeout / time.Second),
		BlockSizeSZX:       BlockSizeSZX,
	}
	if root == nil || !root.Has("download") {
		return ec, nil
	}
	if err := root.UnpackChild("download", &ec); err != nil {
		return EngineConfig{}, err
	}
	return ec, nil
}

// ApplyEngineConfig 把解出的配置应用为包级默认值 供 httpdriver/coapdriver 在构造新驱动
// 时读取 调用方通常在进程启动时调用一次
func ApplyEngineConfig(ec EngineConfig) {
	if ec.IdleTimeoutSeconds > 0 {
		IdleTimeout = time.Duration(ec.IdleTimeoutSeconds) * time.Second
	}
	if ec.BlockSizeSZX > 0 {
		BlockSizeSZX = ec.BlockSizeSZX
	}
}
