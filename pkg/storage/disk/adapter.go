package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"repovault/pkg/storage"

	"github.com/spf13/afero"
)

const Kind = "disk"

// stageDir 是写入时的临时区，位于后端根目录下，不属于任何 key
const stageDir = ".put-stage"

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	fs       afero.Fs
	rootPath string // 仅用于展示，比如: /home/user/.rv/objects
	kind     string
	classify func(error) error

	// putMu 保证 "检查是否存在 + Rename" 的原子性，防止同一个 key 被覆盖
	putMu sync.Mutex
}

// Option 调整 Adapter 的行为 (remotefs 复用磁盘实现时使用)
type Option func(*Adapter)

// WithKind overrides the reported backend kind.
func WithKind(kind string) Option {
	return func(a *Adapter) { a.kind = kind }
}

// WithErrorClassifier installs a hook that can mark filesystem errors as
// transient before they leave the adapter.
func WithErrorClassifier(fn func(error) error) Option {
	return func(a *Adapter) { a.classify = fn }
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string, opts ...Option) (*Adapter, error) {
	// 确保根目录存在
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root storage dir: %w", err)
	}
	a, err := NewAdapterFs(afero.NewBasePathFs(afero.NewOsFs(), root), opts...)
	if err != nil {
		return nil, err
	}
	a.rootPath = root
	return a, nil
}

// NewAdapterFs 基于任意 afero.Fs 创建适配器 (测试中使用 afero.NewMemMapFs)
func NewAdapterFs(fs afero.Fs, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		fs:       fs,
		kind:     Kind,
		classify: func(err error) error { return err },
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := fs.MkdirAll(stageDir, 0755); err != nil {
		return nil, fmt.Errorf("ensuring put staging directory: %w", err)
	}
	return a, nil
}

func (s *Adapter) Kind() string { return s.kind }

func (s *Adapter) String() string {
	if s.rootPath == "" {
		return s.kind
	}
	return s.kind + "@" + s.rootPath
}

// layout 返回 key 对应的物理路径，并拒绝保留区
func (s *Adapter) layout(key string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	if key == stageDir || strings.HasPrefix(key, stageDir+"/") {
		return "", fmt.Errorf("%w: %q conflicts with staging area", storage.ErrInvalidKey, key)
	}
	if key == "" {
		return ".", nil
	}
	return key, nil
}

func (s *Adapter) describe(key string, fi os.FileInfo) storage.Descriptor {
	d := storage.Descriptor{
		Key:     key,
		Name:    storage.BaseName(key),
		IsDir:   fi.IsDir(),
		ModTime: fi.ModTime(),
	}
	if !d.IsDir {
		d.Size = fi.Size()
	}
	return d
}

func (s *Adapter) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	p, err := s.layout(key)
	if err != nil {
		return nil, err
	}
	fi, err := s.fs.Stat(p)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err)
	}
	if !fi.IsDir() {
		return nil, nil
	}

	infos, err := afero.ReadDir(s.fs, p)
	if err != nil {
		return nil, s.classify(err)
	}
	out := make([]storage.Descriptor, 0, len(infos))
	for _, info := range infos {
		if p == "." && info.Name() == stageDir {
			continue
		}
		out = append(out, s.describe(storage.JoinKey(key, info.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Adapter) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	p, err := s.layout(key)
	if err != nil {
		return storage.Descriptor{}, err
	}
	fi, err := s.fs.Stat(p)
	if os.IsNotExist(err) {
		return storage.Descriptor{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Descriptor{}, s.classify(err)
	}
	return s.describe(key, fi), nil
}

func (s *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.layout(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.classify(err)
	}
	if fi, err := f.Stat(); err == nil && fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", key)
	}
	return f, nil
}

// OpenRange 利用 Seek 直接定位到 offset
func (s *Adapter) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	f := rc.(afero.File)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, s.classify(fmt.Errorf("seek %s to %d: %w", key, offset, err))
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, length), f}, nil
}

func (s *Adapter) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" {
		key = storage.NewKey()
	}
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	targetPath, err := s.layout(key)
	if err != nil {
		return "", err
	}

	// 1. 写到临时文件。这样保证要么文件不存在，要么文件是完整的。
	tempFile, err := afero.TempFile(s.fs, stageDir, "temp-*")
	if err != nil {
		return "", s.classify(err)
	}
	tempName := tempFile.Name()
	// 确保临时文件会被清理（如果成功 Rename 了，这个删除无害）
	defer s.fs.Remove(tempName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return "", s.classify(err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return "", s.classify(err)
	}
	if err := tempFile.Close(); err != nil { // 必须先关闭才能 Rename
		return "", s.classify(err)
	}

	// 2. 准备目录
	if err := s.fs.MkdirAll(path.Dir(targetPath), 0755); err != nil {
		return "", s.classify(err)
	}

	// 3. 检查存在性 + 移动到最终位置 (key 一旦可解析，内容永不改变)
	s.putMu.Lock()
	defer s.putMu.Unlock()
	if _, err := s.fs.Stat(targetPath); err == nil {
		return "", fmt.Errorf("%w: %s", storage.ErrKeyExists, key)
	} else if !os.IsNotExist(err) {
		return "", s.classify(err)
	}
	if err := s.fs.Rename(tempName, targetPath); err != nil {
		return "", s.classify(err)
	}
	return key, nil
}

func (s *Adapter) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return storage.PutTreeWith(ctx, s, dir, key, contentsOnly,
		func(ctx context.Context, data []byte, key string) error {
			_, err := s.PutBytes(ctx, data, key)
			return err
		})
}

// Delete 幂等删除，并尽力清理变空的父目录 (Sharding 目录)
func (s *Adapter) Delete(ctx context.Context, key string) error {
	p, err := s.layout(key)
	if err != nil {
		return err
	}
	if p == "." {
		return fmt.Errorf("%w: refusing to delete backend root", storage.ErrInvalidKey)
	}
	if err := s.fs.RemoveAll(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return s.classify(fmt.Errorf("removing %q: %w", key, err))
	}

	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := s.fs.Remove(dir); err != nil {
			break
		}
	}
	return nil
}
