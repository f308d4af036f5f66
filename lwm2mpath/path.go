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

// Package lwm2mpath 实现了 LwM2M Object/Instance/Resource/Resource-Instance
// 四级路径模型 Path 是值类型 可以自由拷贝和比较
package lwm2mpath

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Invalid 代表路径分量的哨兵值 表示该分量及其后所有分量均未设置
const Invalid uint16 = 65535

// Path 代表一个 LwM2M URI 路径 最多四级 (oid, iid, rid, riid)
//
// 每个分量要么是 [0, 65535) 范围内的合法 id 要么是哨兵值 Invalid
// 不变式: 若分量 k 为 Invalid 则分量 k+1 也必须为 Invalid
type Path struct {
	ids [4]uint16
}

// Root 返回根路径 (长度为 0)
func Root() Path {
	return Path{ids: [4]uint16{Invalid, Invalid, Invalid, Invalid}}
}

// NewObject 返回 /oid
func NewObject(oid uint16) Path {
	p := Root()
	p.ids[0] = oid
	return p
}

// NewInstance 返回 /oid/iid
func NewInstance(oid, iid uint16) Path {
	p := NewObject(oid)
	p.ids[1] = iid
	return p
}

// NewResource 返回 /oid/iid/rid
func NewResource(oid, iid, rid uint16) Path {
	p := NewInstance(oid, iid)
	p.ids[2] = rid
	return p
}

// NewResourceInstance 返回 /oid/iid/rid/riid
func NewResourceInstance(oid, iid, rid, riid uint16) Path {
	p := NewResource(oid, iid, rid)
	p.ids[3] = riid
	return p
}

// Len 返回路径长度 即从头开始连续非 Invalid 分量的个数
func (p Path) Len() int {
	for i := 0; i < 4; i++ {
		if p.ids[i] == Invalid {
			return i
		}
	}
	return 4
}

// OID 返回 Object Id
func (p Path) OID() (uint16, bool) { return p.at(0) }

// IID 返回 Instance Id
func (p Path) IID() (uint16, bool) { return p.at(1) }

// RID 返回 Resource Id
func (p Path) RID() (uint16, bool) { return p.at(2) }

// RIID 返回 Resource-Instance Id
func (p Path) RIID() (uint16, bool) { return p.at(3) }

func (p Path) at(i int) (uint16, bool) {
	if p.ids[i] == Invalid {
		return 0, false
	}
	return p.ids[i], true
}

// Equal 判断两个路径是否相等 (所有分量逐一比较 包括哨兵值)
func (p Path) Equal(o Path) bool {
	return p.ids == o.ids
}

// Less 给出路径的全序关系 先比较各已设置分量 再比较长度
func (p Path) Less(o Path) bool {
	n := p.Len()
	if m := o.Len(); m < n {
		n = m
	}
	for i := 0; i < n; i++ {
		if p.ids[i] != o.ids[i] {
			return p.ids[i] < o.ids[i]
		}
	}
	return p.Len() < o.Len()
}

// Within 判断 self 是否处于 base 的子树之下
//
// 等价于 base.IsPrefixOf(self) 二者互为对偶 保证 Testable Properties 中的恒等式成立
func (p Path) Within(base Path) bool {
	n := base.Len()
	if p.Len() < n {
		return false
	}
	for i := 0; i < n; i++ {
		if p.ids[i] != base.ids[i] {
			return false
		}
	}
	return true
}

// IsPrefixOf 判断 base (即 p) 是否是 other 的前缀
func (p Path) IsPrefixOf(other Path) bool {
	return other.Within(p)
}

// Outside 是 Within 的否定 用于请求校验中更直观的语义表达
func (p Path) Outside(base Path) bool {
	return !p.Within(base)
}

// IsRoot 判断是否为根路径
func (p Path) IsRoot() bool {
	return p.Len() == 0
}

// String 将路径渲染为 "/oid/iid/rid/riid" 形式 根路径渲染为 "/"
func (p Path) String() string {
	n := p.Len()
	if n == 0 {
		return "/"
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(p.ids[i])))
	}
	return b.String()
}

// FromSlashSeparated 解析 "/a/b/c/d" 形式的路径 最多四级
//
// 规则:
//   - 空字符串非法
//   - "/" 解析为根路径
//   - 除 "/" 外没有其他形式解析为根路径
//   - 尾部或重复的 "/" (即出现空分量 且不是唯一分量) 非法
//   - 分量必须是 [0, 65535) 范围内的十进制整数 非数字或越界均非法
//   - 超过 4 个分量非法
func FromSlashSeparated(s string) (Path, error) {
	if s == "" {
		return Path{}, errors.New("lwm2mpath: empty path")
	}
	if s == "/" {
		return Root(), nil
	}
	if !strings.HasPrefix(s, "/") {
		return Path{}, errors.Errorf("lwm2mpath: path %q must start with '/'", s)
	}

	segments := strings.Split(s[1:], "/")
	if len(segments) == 1 && segments[0] == "" {
		// 唯一分量为空 即字符串为 "/" 已在上面处理 这里不可达 保留以防万一
		return Root(), nil
	}
	if len(segments) > 4 {
		return Path{}, errors.Errorf("lwm2mpath: path %q has more than 4 segments", s)
	}

	p := Root()
	for i, seg := range segments {
		if seg == "" {
			return Path{}, errors.Errorf("lwm2mpath: path %q contains an empty segment", s)
		}
		id, err := parseID(seg)
		if err != nil {
			return Path{}, errors.Wrapf(err, "lwm2mpath: path %q segment %q", s, seg)
		}
		p.ids[i] = id
	}
	return p, nil
}

func parseID(seg string) (uint16, error) {
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("non-numeric id %q", seg)
		}
	}
	n, err := strconv.ParseUint(seg, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid id %q", seg)
	}
	if n >= uint64(Invalid) {
		return 0, errors.Errorf("id %q out of range [0, 65535)", seg)
	}
	return uint16(n), nil
}
