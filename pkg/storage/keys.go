package storage

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// NewKey 生成一个全新的、从未使用过的 key
// 策略：使用前 2 个字符作为前缀 (Sharding)，"3fa9..." -> "3f/a9..."
// 对于磁盘是子目录，对于 S3 是分散的前缀。
func NewKey() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:2] + "/" + id[2:]
}

// JoinKey 拼接 key 片段 (后端内部使用，核心层从不解析 key)
func JoinKey(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// CleanKey 校验并规范化 key。拒绝逃逸根目录的 key。
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", nil
	}
	if strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(strings.Trim(key, "/"), "/") {
		if part == ".." || part == "." {
			return "", ErrInvalidKey
		}
	}
	cleaned := strings.Trim(path.Clean("/"+key), "/")
	return cleaned, nil
}

// BaseName 返回 key 的最后一级
func BaseName(key string) string {
	return path.Base("/" + strings.Trim(key, "/"))
}
