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

package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/lwm2m/lwm2mpath"
)

type fakeStore struct {
	byLevel   map[Level]Attributes
	defMin    *int64
	defMax    *int64
}

func (f *fakeStore) ReadAttrs(level Level, _ lwm2mpath.Path, _ uint16) (Attributes, bool) {
	a, ok := f.byLevel[level]
	return a, ok
}

func (f *fakeStore) DefaultMinPeriod(uint16) (int64, bool) {
	if f.defMin == nil {
		return 0, false
	}
	return *f.defMin, true
}

func (f *fakeStore) DefaultMaxPeriod(uint16) (int64, bool) {
	if f.defMax == nil {
		return 0, false
	}
	return *f.defMax, true
}

func int64p(v int64) *int64 { return &v }

func TestResolve_FillsFromInheritanceChain(t *testing.T) {
	resourceRec := Empty()
	resourceRec.PMin = int64p(5)
	resourceRec.GT = 1.5

	instanceRec := Empty()
	instanceRec.PMax = int64p(20)

	store := &fakeStore{
		byLevel: map[Level]Attributes{
			LevelResource: resourceRec,
			LevelInstance: instanceRec,
		},
	}

	path := mustPath(t, "/3/0/1")
	got, err := Resolve(store, path, 123, false)
	require.NoError(t, err)
	require.NotNil(t, got.PMin)
	assert.EqualValues(t, 5, *got.PMin)
	require.NotNil(t, got.PMax)
	assert.EqualValues(t, 20, *got.PMax)
	assert.Equal(t, 1.5, got.GT)
}

func TestResolve_KeepsClimbingPastCompletePeriodFields(t *testing.T) {
	// resource 级把 PMin/PMax 都填满了 但 instance/object 级仍然持有 resolve 应该继续
	// 攀爬继承链去拿的 gt/epmin 字段 IsFull 如果只看 PMin/PMax 就会在这里提前停止
	resourceRec := Empty()
	resourceRec.PMin = int64p(5)
	resourceRec.PMax = int64p(30)

	instanceRec := Empty()
	instanceRec.GT = 42.0

	objectRec := Empty()
	objectRec.EPMin = int64p(2)

	store := &fakeStore{
		byLevel: map[Level]Attributes{
			LevelResource: resourceRec,
			LevelInstance: instanceRec,
			LevelObject:   objectRec,
		},
	}

	path := mustPath(t, "/3/0/1")
	got, err := Resolve(store, path, 123, false)
	require.NoError(t, err)
	require.NotNil(t, got.PMin)
	assert.EqualValues(t, 5, *got.PMin)
	require.NotNil(t, got.PMax)
	assert.EqualValues(t, 30, *got.PMax)
	assert.Equal(t, 42.0, got.GT)
	require.NotNil(t, got.EPMin)
	assert.EqualValues(t, 2, *got.EPMin)
}

func TestIsFull_RequiresAllEightFields(t *testing.T) {
	a := Empty()
	a.PMin = int64p(1)
	a.PMax = int64p(2)
	assert.False(t, a.IsFull())

	a.EPMin = int64p(3)
	a.EPMax = int64p(4)
	a.GT = 1
	a.LT = 0
	a.ST = 0.5
	assert.False(t, a.IsFull())

	con := true
	a.Con = &con
	assert.True(t, a.IsFull())
}

func TestResolve_ServerDefaultsFillMinMaxPeriod(t *testing.T) {
	store := &fakeStore{
		byLevel: map[Level]Attributes{},
		defMin:  int64p(10),
		defMax:  int64p(60),
	}
	path := mustPath(t, "/3/0/1")
	got, err := Resolve(store, path, 123, true)
	require.NoError(t, err)
	require.NotNil(t, got.PMin)
	assert.EqualValues(t, 10, *got.PMin)
	require.NotNil(t, got.PMax)
	assert.EqualValues(t, 60, *got.PMax)
}

func TestResolve_DefaultsToZeroMinPeriodWhenNothingSet(t *testing.T) {
	store := &fakeStore{byLevel: map[Level]Attributes{}}
	path := mustPath(t, "/3/0/1")
	got, err := Resolve(store, path, 123, false)
	require.NoError(t, err)
	require.NotNil(t, got.PMin)
	assert.EqualValues(t, 0, *got.PMin)
	assert.Nil(t, got.PMax)
}

func TestResolve_RejectsRootPath(t *testing.T) {
	store := &fakeStore{byLevel: map[Level]Attributes{}}
	_, err := Resolve(store, lwm2mpath.Root(), 123, false)
	assert.Error(t, err)
}

func TestCombine_LeftBiasedFill(t *testing.T) {
	a := Empty()
	a.PMin = int64p(1)
	b := Empty()
	b.PMin = int64p(2)
	b.PMax = int64p(3)

	out := a.Combine(b)
	require.NotNil(t, out.PMin)
	assert.EqualValues(t, 1, *out.PMin) // a wins when both set
	require.NotNil(t, out.PMax)
	assert.EqualValues(t, 3, *out.PMax) // filled from b
}

func mustPath(t *testing.T, s string) lwm2mpath.Path {
	t.Helper()
	p, err := lwm2mpath.FromSlashSeparated(s)
	require.NoError(t, err)
	return p
}
