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

// Package attrs 实现 spec.md §4.9 的属性解析: 沿 resource-instance -> resource ->
// instance -> object -> server 的继承链逐级读取再合并 合并规则本身 ported 自
// anjay_dm_attributes.c 的 combine_attrs/combine_resource_attrs (left-biased fill:
// 只填充 out 中仍为 "absent" 的字段)
package attrs

import (
	"math"

	"github.com/packetd/lwm2m/lwm2merrors"
	"github.com/packetd/lwm2m/lwm2mpath"
)

var errNoObjectComponent = lwm2merrors.ErrBadRequest

// Attributes 是 spec.md §3 "Write attributes"/"Resolved attributes" 的稀疏记录
//
// 周期类字段用 *int64 表达 "absent" (nil); gt/lt/st 用 NaN 表达 "absent" 这与
// anjay 源码里 negative-sentinel/NaN-sentinel 的做法相同 只是 Go 里更自然地用
// 指针表达可选整数
type Attributes struct {
	PMin, PMax   *int64
	EPMin, EPMax *int64
	GT, LT, ST   float64
	Con          *bool
}

// Empty 返回一个全部字段皆为 "absent" 的记录
func Empty() Attributes {
	return Attributes{GT: math.NaN(), LT: math.NaN(), ST: math.NaN()}
}

// IsFull 判断是否所有适用字段都已设置 (用于判断是否还需要继续向上查找继承链)
//
// 必须检查全部八个字段 而非只看 PMin/PMax: 否则一旦周期字段先于 gt/lt/st/epmin/epmax/con
// 被填满 Resolve 就会提前停止继承链的攀爬 导致更低优先级层级本该补齐的字段永远缺失
func (a Attributes) IsFull() bool {
	return a.PMin != nil && a.PMax != nil &&
		a.EPMin != nil && a.EPMax != nil &&
		!math.IsNaN(a.GT) && !math.IsNaN(a.LT) && !math.IsNaN(a.ST) &&
		a.Con != nil
}

func combineInt(out **int64, other *int64) {
	if *out == nil {
		*out = other
	}
}

func combineFloat(out *float64, other float64) {
	if math.IsNaN(*out) {
		*out = other
	}
}

// Combine 按 left-biased fill 规则把 out 中缺失的字段从 other 填入 不修改 other
func (a Attributes) Combine(other Attributes) Attributes {
	out := a
	combineInt(&out.PMin, other.PMin)
	combineInt(&out.PMax, other.PMax)
	combineInt(&out.EPMin, other.EPMin)
	combineInt(&out.EPMax, other.EPMax)
	combineFloat(&out.GT, other.GT)
	combineFloat(&out.LT, other.LT)
	combineFloat(&out.ST, other.ST)
	if out.Con == nil {
		out.Con = other.Con
	}
	return out
}

// Level 标识继承链上的一级: resource-instance/resource/instance/object/server
type Level int

const (
	LevelResourceInstance Level = iota
	LevelResource
	LevelInstance
	LevelObject
	LevelServer
)

// Store 是继承链每一级的稀疏读取契约 没有记录时返回 ok=false
type Store interface {
	// ReadAttrs 读取 path 在给定 serverID 下、指定层级的已设置属性 没有该层级的记录则 ok=false
	ReadAttrs(level Level, path lwm2mpath.Path, serverID uint16) (attrs Attributes, ok bool)
	// DefaultMinPeriod/DefaultMaxPeriod 读取 server 对象里的 DefaultMinPeriod/DefaultMaxPeriod
	// 资源 (anjay 的 _anjay_read_period); ok=false 代表该资源不存在或不可读
	DefaultMinPeriod(serverID uint16) (v int64, ok bool)
	DefaultMaxPeriod(serverID uint16) (v int64, ok bool)
}

var levelsByPathLength = [][]Level{
	{LevelObject},
	{LevelObject},
	{LevelInstance, LevelObject},
	{LevelResource, LevelInstance, LevelObject},
	{LevelResourceInstance, LevelResource, LevelInstance, LevelObject},
}

// Resolve 实现 spec.md §4.9: 沿继承链合并, 按需用服务器默认周期兜底
//
// path 长度为 0 (root) 时没有 object 分量可解析 直接返回错误
func Resolve(store Store, path lwm2mpath.Path, serverID uint16, withServerDefaults bool) (Attributes, error) {
	n := path.Len()
	if n == 0 || n >= len(levelsByPathLength) {
		return Attributes{}, errNoObjectComponent
	}

	out := Empty()
	for _, lvl := range levelsByPathLength[n] {
		if out.IsFull() {
			break
		}
		if rec, ok := store.ReadAttrs(lvl, path, serverID); ok {
			out = out.Combine(rec)
		}
	}
	if rec, ok := store.ReadAttrs(LevelServer, path, serverID); ok {
		out = out.Combine(rec)
	}

	if withServerDefaults {
		if out.PMin == nil {
			if v, ok := store.DefaultMinPeriod(serverID); ok {
				out.PMin = &v
			}
		}
		if out.PMax == nil {
			if v, ok := store.DefaultMaxPeriod(serverID); ok {
				out.PMax = &v
			}
		}
	}
	if out.PMin == nil {
		zero := int64(0)
		out.PMin = &zero
	}
	return out, nil
}
