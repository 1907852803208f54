package bundle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"repovault/pkg/meta"
	"repovault/pkg/storage"
	"repovault/pkg/storage/disk"
	"repovault/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// recordingStore 记录所有由后端分配的 key
type recordingStore struct {
	storage.Store
	mu   sync.Mutex
	puts []string
}

func (r *recordingStore) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	k, err := r.Store.PutBytes(ctx, data, key)
	if err == nil {
		r.mu.Lock()
		r.puts = append(r.puts, k)
		r.mu.Unlock()
	}
	return k, err
}

func (r *recordingStore) lastPut() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.puts) == 0 {
		return ""
	}
	return r.puts[len(r.puts)-1]
}

// failingRelink 模拟索引事务在改写阶段失败
type failingRelink struct {
	*meta.Index
}

func (f failingRelink) RelinkToArchive(context.Context, types.EntityID, string, []meta.ArchivedMember) error {
	return errors.New("simulated index failure")
}

func setupIndex(t *testing.T) *meta.Index {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	db := meta.NewWithConn(conn)
	require.NoError(t, db.AutoMigrate(meta.Models()...))

	backend, err := meta.NewRegistry(db).Register(context.Background(),
		meta.BackendDescriptor{Name: "mem", Kind: "disk"})
	require.NoError(t, err)
	return meta.NewIndex(db, backend)
}

func setupStore(t *testing.T) *recordingStore {
	t.Helper()
	s, err := disk.NewAdapterFs(afero.NewMemMapFs())
	require.NoError(t, err)
	return &recordingStore{Store: s}
}

func newBundler(t *testing.T, store storage.Store, idx Index) *Bundler {
	t.Helper()
	b, err := New(store, idx, Options{
		Concurrency: 4,
		Retry:       storage.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(t, err)
	return b
}

// putLoose 写入一个松散对象并登记到索引
func putLoose(t *testing.T, store storage.Store, idx *meta.Index, entity, path string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	key, err := store.PutBytes(ctx, data, "")
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, types.Entry{
		Entity:  types.EntityID(entity),
		Path:    path,
		Locator: types.Loose(key),
		Size:    int64(len(data)),
	})
	require.NoError(t, err)
	return key
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestBundler_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	b := newBundler(t, store, idx)

	contents := map[string][]byte{
		"hello.txt":        []byte("hello"),
		"a/b.txt":          []byte("x"),
		"logs/train.log":   []byte(strings.Repeat("epoch=1 loss=0.25\n", 500)),
		"weights/tiny.bin": bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 1024),
		"empty.txt":        {},
	}
	looseKeys := map[string]string{}
	for p, data := range contents {
		looseKeys[p] = putLoose(t, store, idx, "e1", p, data)
	}

	archiveKey, err := b.Bundle(ctx, "e1")
	require.NoError(t, err)
	require.NotEmpty(t, archiveKey)

	for p, want := range contents {
		e, err := idx.Lookup(ctx, "e1", p)
		require.NoError(t, err)
		require.True(t, e.Locator.IsArchived(), p)
		assert.Equal(t, archiveKey, e.Locator.Key)

		got, err := b.Resolve(ctx, e.Locator.Key, *e.Locator.Member)
		require.NoError(t, err, p)
		assert.Equal(t, want, got, "打包前后内容必须一致: %s", p)

		// 松散对象已被清理
		_, err = store.Get(ctx, looseKeys[p])
		assert.ErrorIs(t, err, types.ErrNotFound, p)
	}

	// 没有松散对象时是 no-op
	again, err := b.Bundle(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBundler_EmptyEntityIsNoop(t *testing.T) {
	store := setupStore(t)
	b := newBundler(t, store, setupIndex(t))

	key, err := b.Bundle(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, store.puts, "不应写入任何归档")
}

func TestBundler_FailedRelinkDiscardsArchive(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	b := newBundler(t, store, failingRelink{idx})

	k1 := putLoose(t, store, idx, "e1", "a.txt", []byte("aaa"))
	k2 := putLoose(t, store, idx, "e1", "b/c.txt", []byte("ccc"))

	_, err := b.Bundle(ctx, "e1")
	require.Error(t, err)

	// 归档已被删除
	archiveKey := store.lastPut()
	require.NotEqual(t, k2, archiveKey)
	_, err = store.Get(ctx, archiveKey)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// 松散对象和索引保持原样
	for p, k := range map[string]string{"a.txt": k1, "b/c.txt": k2} {
		e, err := idx.Lookup(ctx, "e1", p)
		require.NoError(t, err)
		assert.False(t, e.Locator.IsArchived())
		assert.Equal(t, k, e.Locator.Key)
		_, err = store.Get(ctx, k)
		assert.NoError(t, err)
	}

	orphans, err := idx.Orphans(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orphans, "补偿成功时不产生孤儿")
}

func TestBundler_MissingLooseObjectIsCorruption(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	b := newBundler(t, store, idx)

	k := putLoose(t, store, idx, "e1", "a.txt", []byte("aaa"))
	require.NoError(t, store.Delete(ctx, k))

	_, err := b.Bundle(ctx, "e1")
	assert.ErrorIs(t, err, types.ErrCorruption)
	assert.Empty(t, store.puts[1:], "读取失败时不应写入归档")
}

func TestBundler_ResolveCorruption(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	b := newBundler(t, store, idx)

	putLoose(t, store, idx, "e1", "a.txt", []byte(strings.Repeat("payload ", 64)))
	archiveKey, err := b.Bundle(ctx, "e1")
	require.NoError(t, err)

	t.Run("Unknown member", func(t *testing.T) {
		_, err := b.Resolve(ctx, archiveKey, 42)
		assert.ErrorIs(t, err, types.ErrCorruption)
	})

	t.Run("Missing archive", func(t *testing.T) {
		_, err := b.Resolve(ctx, "no/such-archive", 0)
		assert.ErrorIs(t, err, types.ErrCorruption)
	})

	t.Run("Tampered archive", func(t *testing.T) {
		raw, err := storage.ReadAll(ctx, store, archiveKey)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xFF
		tamperedKey, err := store.PutBytes(ctx, raw, "")
		require.NoError(t, err)

		_, err = b.Resolve(ctx, tamperedKey, 0)
		assert.ErrorIs(t, err, types.ErrCorruption)
	})

	t.Run("Not an archive", func(t *testing.T) {
		k, err := store.PutBytes(ctx, []byte("plain old object, definitely not an archive"), "")
		require.NoError(t, err)
		_, err = b.Resolve(ctx, k, 0)
		assert.ErrorIs(t, err, types.ErrCorruption)
	})
}

func TestBundler_HeaderIsCached(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)
	idx := setupIndex(t)
	b := newBundler(t, store, idx)

	putLoose(t, store, idx, "e1", "a.txt", []byte("aaa"))
	archiveKey, err := b.Bundle(ctx, "e1")
	require.NoError(t, err)

	h1, err := b.Header(ctx, archiveKey)
	require.NoError(t, err)
	h2, err := b.Header(ctx, archiveKey)
	require.NoError(t, err)
	assert.Same(t, h1, h2)

	b.Forget(archiveKey)
	h3, err := b.Header(ctx, archiveKey)
	require.NoError(t, err)
	assert.NotSame(t, h1, h3)
}
