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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/lwm2m/confengine"
)

func TestLoadEngineConfig_MissingSectionKeepsDefaults(t *testing.T) {
	root, err := confengine.LoadContent([]byte(`other: {}`))
	require.NoError(t, err)

	ec, err := LoadEngineConfig(root)
	require.NoError(t, err)
	assert.EqualValues(t, BlockSizeSZX, ec.BlockSizeSZX)
}

func TestLoadEngineConfig_OverridesFromYAML(t *testing.T) {
	root, err := confengine.LoadContent([]byte(`
download:
  idle_timeout_seconds: 45
  block_size_szx: 4
`))
	require.NoError(t, err)

	ec, err := LoadEngineConfig(root)
	require.NoError(t, err)
	assert.Equal(t, 45, ec.IdleTimeoutSeconds)
	assert.EqualValues(t, 4, ec.BlockSizeSZX)

	ApplyEngineConfig(ec)
	defer ApplyEngineConfig(EngineConfig{IdleTimeoutSeconds: 30, BlockSizeSZX: 6})

	assert.Equal(t, 45*time.Second, IdleTimeout)
	assert.EqualValues(t, 4, BlockSizeSZX)
}
