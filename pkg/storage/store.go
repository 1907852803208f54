package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"repovault/pkg/types"
)

var (
	ErrNotFound = types.ErrNotFound

	// ErrKeyExists 调用方指定的 key 已经存在。Put 永远不会原地覆盖。
	ErrKeyExists = fmt.Errorf("key already exists: %w", types.ErrConflict)

	// ErrInvalidKey key 逃逸出后端根目录或包含保留名
	ErrInvalidKey = errors.New("invalid object key")
)

// Descriptor 描述后端中的一个对象或虚拟目录
type Descriptor struct {
	Key     string
	Name    string // 最后一级名称
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Store defines the interface for a storage backend.
// Implementations can be local disk, a mounted network filesystem, S3 or a
// NATS object store. They must be safe for concurrent use and carry no
// entity-specific state.
type Store interface {
	// Kind 返回后端类型 ("disk", "remotefs", "s3", "nats")
	Kind() string

	// List 列出 key 下的直接子节点 (key 为空表示根)，从不递归
	List(ctx context.Context, key string) ([]Descriptor, error)

	// Get 返回对象描述，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (Descriptor, error)

	// Open 读取对象内容 (流式)，不存在时返回 ErrNotFound
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// PutBytes 存储内容并返回 key。key 为空时由后端分配一个全新的 key；
	// 指定的 key 已存在时返回 ErrKeyExists。
	PutBytes(ctx context.Context, data []byte, key string) (string, error)

	// PutTree 递归导入本地目录。contentsOnly=true 时不保留顶层目录名。
	PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error)

	// Delete 幂等删除。删除不存在的 key 不是错误；目录 key 删除整个子树。
	Delete(ctx context.Context, key string) error
}

// RangeReader is implemented by backends that can serve a byte range
// without streaming the whole object.
type RangeReader interface {
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// OpenRange 读取 [offset, offset+length)。后端不支持范围读时退化为顺序读取并丢弃前缀。
func OpenRange(ctx context.Context, s Store, key string, offset, length int64) (io.ReadCloser, error) {
	if rr, ok := s.(RangeReader); ok {
		return rr.OpenRange(ctx, key, offset, length)
	}

	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, rc, offset); err != nil {
		rc.Close()
		return nil, fmt.Errorf("skip to offset %d of %s: %w", offset, key, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(rc, length), rc}, nil
}

// ReadAll 读取整个对象
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
