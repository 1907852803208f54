package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"repovault/pkg/storage"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 元数据缓存层
// key 一旦写入内容就不再改变，所以描述信息可以一直缓存到 Delete 为止。
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client // Redis 客户端
	ttl     time.Duration // 缓存过期时间 (例如 24h)
	prefix  string
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
	// Namespace 区分共享同一个 Redis 的多个后端
	Namespace string
}

// cachedDescriptor 是写入 Redis 的 CBOR 结构
type cachedDescriptor struct {
	Size    int64     `cbor:"s"`
	IsDir   bool      `cbor:"d,omitempty"`
	ModTime time.Time `cbor:"t"`
}

func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	// 解析 URL
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = backend.Kind()
	}
	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
		prefix:  "rv:desc:" + ns + ":",
	}, nil
}

// Close 释放 Redis 连接
func (s *CachedStore) Close() error { return s.client.Close() }

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(key string) string {
	return s.prefix + key
}

func (s *CachedStore) Kind() string { return s.backend.Kind() }

// Unwrap 返回被装饰的后端
func (s *CachedStore) Unwrap() storage.Store { return s.backend }

// Get 优先查 Redis
func (s *CachedStore) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	ck := s.cacheKey(key)

	// 1. 查 Redis
	raw, err := s.client.Get(ctx, ck).Bytes()
	switch {
	case err == nil:
		var cd cachedDescriptor
		if uerr := cbor.Unmarshal(raw, &cd); uerr == nil {
			// Cache Hit
			return storage.Descriptor{
				Key:     key,
				Name:    storage.BaseName(key),
				Size:    cd.Size,
				IsDir:   cd.IsDir,
				ModTime: cd.ModTime,
			}, nil
		}
	case err != redis.Nil:
		// 缓存故障降级：Redis 挂了不影响主流程，直接查后端
		slog.Warn("redis error, falling back to backend", "key", key, "err", err)
	}

	// 2. 缓存未命中 (Cache Miss)，查底层存储。不存在的结果不缓存。
	desc, err := s.backend.Get(ctx, key)
	if err != nil {
		return storage.Descriptor{}, err
	}

	// 3. 缓存回填 (Cache Fill)，异步写入，不要阻塞主流程
	// 目录的子节点会变化，只缓存对象
	if !desc.IsDir {
		go s.fill(ck, desc)
	}
	return desc, nil
}

func (s *CachedStore) fill(ck string, desc storage.Descriptor) {
	data, err := cbor.Marshal(cachedDescriptor{Size: desc.Size, IsDir: desc.IsDir, ModTime: desc.ModTime})
	if err != nil {
		return
	}
	// 使用 context.Background() 确保即使上层 ctx 取消，回填也能完成
	fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.client.Set(fillCtx, ck, data, s.ttl)
}

// PutBytes 只有后端写入成功了，才写 Redis
func (s *CachedStore) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	key, err := s.backend.PutBytes(ctx, data, key)
	if err != nil {
		return "", err
	}
	s.fill(s.cacheKey(key), storage.Descriptor{Key: key, Size: int64(len(data)), ModTime: time.Now().UTC()})
	return key, nil
}

// PutTree 透传；子对象在第一次 Get 时回填
func (s *CachedStore) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return s.backend.PutTree(ctx, dir, key, contentsOnly)
}

// Delete 先删后端，再失效缓存 (包括子树)
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		slog.Warn("redis invalidate failed", "key", key, "err", err)
		return
	}
	iter := s.client.Scan(ctx, 0, s.cacheKey(key)+"/*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			s.client.Del(ctx, batch...)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		s.client.Del(ctx, batch...)
	}
	if err := iter.Err(); err != nil {
		slog.Warn("redis subtree invalidate failed", "key", key, "err", err)
	}
}

// List / Open / OpenRange 透传 - 我们不缓存 Blob 数据
func (s *CachedStore) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	return s.backend.List(ctx, key)
}

func (s *CachedStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Open(ctx, key)
}

func (s *CachedStore) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return storage.OpenRange(ctx, s.backend, key, offset, length)
}
