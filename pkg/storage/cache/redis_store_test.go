package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repovault/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 1. SpyStore (间谍存储)
// 用于统计底层方法被调用的次数，验证请求是否穿透了缓存
// -----------------------------------------------------------------------------
type SpyStore struct {
	getCount int32
	putCount int32
	mu       sync.Mutex
	objects  map[string][]byte
}

func NewSpyStore() *SpyStore {
	return &SpyStore{
		objects: make(map[string][]byte),
	}
}

func (s *SpyStore) Kind() string { return "spy" }

func (s *SpyStore) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	atomic.AddInt32(&s.getCount, 1) // 记录调用次数
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return storage.Descriptor{}, storage.ErrNotFound
	}
	return storage.Descriptor{Key: key, Size: int64(len(data))}, nil
}

func (s *SpyStore) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	atomic.AddInt32(&s.putCount, 1) // 记录调用次数
	if key == "" {
		key = storage.NewKey()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return "", storage.ErrKeyExists
	}
	s.objects[key] = data
	return key, nil
}

func (s *SpyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.objects {
		if k == key || strings.HasPrefix(k, key+"/") {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *SpyStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// 其他接口存根 (Stub)
func (s *SpyStore) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	return nil, nil
}
func (s *SpyStore) PutTree(ctx context.Context, dir, key string, contentsOnly bool) (string, error) {
	return "", nil
}

// -----------------------------------------------------------------------------
// 2. 集成测试
// -----------------------------------------------------------------------------

func TestCachedStore_Integration(t *testing.T) {
	// A. 环境检查: 确保 Redis 在运行
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second)
	if err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	conn.Close()

	// B. 初始化
	ctx := context.Background()
	spy := NewSpyStore()
	cfg := Config{
		RedisURL:  fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:       1 * time.Hour,
		Namespace: "test-" + t.Name(),
	}
	cachedStore, err := NewCachedStore(spy, cfg)
	require.NoError(t, err)
	defer cachedStore.Close()

	// --- Step 1: Cache Miss ---
	t.Log("Step 1: Get non-existent object (Cache Miss)")
	_, err = cachedStore.Get(ctx, "aa/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.getCount), "Backend Get() should be called on miss")

	// --- Step 2: Put (Write-Through) ---
	t.Log("Step 2: Put object (Update Cache)")
	key, err := cachedStore.PutBytes(ctx, []byte("fake data"), "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.putCount), "Backend PutBytes() should be called")

	redisVal, err := cachedStore.client.Exists(ctx, cachedStore.cacheKey(key)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), redisVal, "Redis key should be set after Put")

	// --- Step 3: Cache Hit ---
	t.Log("Step 3: Get existing object (Cache Hit)")
	desc, err := cachedStore.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(9), desc.Size)

	// 核心断言：Spy 的 Get 调用次数应该依然是 1，请求被 Redis 拦截
	assert.Equal(t, int32(1), atomic.LoadInt32(&spy.getCount), "Backend Get() should NOT be called on hit")

	// --- Step 4: Delete 失效缓存 ---
	t.Log("Step 4: Delete invalidates the cache")
	require.NoError(t, cachedStore.Delete(ctx, key))
	_, err = cachedStore.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int32(2), atomic.LoadInt32(&spy.getCount))
}

func TestCachedStore_BadURL(t *testing.T) {
	_, err := NewCachedStore(NewSpyStore(), Config{RedisURL: "::not-a-url"})
	assert.Error(t, err)
}
