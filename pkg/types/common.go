// pkg/types/common.go
package types

import (
	"encoding/json"
	"path"
	"strings"
)

// Separator 是虚拟路径的分隔符，与后端无关
const Separator = "/"

// EntityID 标识拥有对象树的实体 (由上层决定具体含义)
type EntityID string

func (e EntityID) String() string { return string(e) }
func (e EntityID) IsZero() bool   { return e == "" }

// Locator points at stored content: either a loose object key, or a
// member inside an archive when Member is set.
type Locator struct {
	Key    string
	Member *uint32
}

// Loose builds a locator for a standalone object.
func Loose(key string) *Locator { return &Locator{Key: key} }

// ArchiveMember builds a locator for member id inside archive key.
func ArchiveMember(key string, id uint32) *Locator {
	return &Locator{Key: key, Member: &id}
}

func (l Locator) IsArchived() bool { return l.Member != nil }

// Entry 是索引中的一条记录在内存中的投影
type Entry struct {
	Entity   EntityID
	Path     string // 目录以 "/" 结尾
	IsDir    bool
	Locator  *Locator // 目录为 nil
	Size     int64
	Codec    string // 归档成员的压缩算法，松散对象为空
	Metadata json.RawMessage
}

// Name returns the last path element, keeping the trailing separator of
// directories.
func (e Entry) Name() string {
	p := strings.TrimSuffix(e.Path, Separator)
	if i := strings.LastIndex(p, Separator); i >= 0 {
		p = p[i+1:]
	}
	if e.IsDir {
		return p + Separator
	}
	return p
}

// CleanPath 统一清洗虚拟路径: 去掉首尾的 "/"，折叠 "..", "."
// 根目录返回 ""。
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", Separator)
	p = path.Clean(Separator + p)
	return strings.TrimPrefix(p, Separator)
}

// DirPath 返回目录形式的路径 ("a/b" -> "a/b/")，根目录为 ""
func DirPath(p string) string {
	p = CleanPath(p)
	if p == "" {
		return ""
	}
	return p + Separator
}

// Parent 返回条目所在目录 (目录形式)。
// "a/b.txt" -> "a/", "a/" -> "", "hello.txt" -> ""
func Parent(p string) string {
	p = strings.TrimSuffix(p, Separator)
	i := strings.LastIndex(p, Separator)
	if i < 0 {
		return ""
	}
	return p[:i+1]
}

// Ancestors 返回所有祖先目录，由浅到深。"a/b/c.txt" -> ["a/", "a/b/"]
func Ancestors(p string) []string {
	var dirs []string
	for parent := Parent(p); parent != ""; parent = Parent(parent) {
		dirs = append([]string{parent}, dirs...)
	}
	return dirs
}
