package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"repovault/pkg/bundle"
	"repovault/pkg/meta"
	"repovault/pkg/storage"
	"repovault/pkg/storage/disk"
	"repovault/pkg/types"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 故障注入 (Fault injection)
// -----------------------------------------------------------------------------

// faultyStore 可以让写入暂时失败，或让删除失败 (补偿失败 -> 孤儿)
type faultyStore struct {
	storage.Store
	transientPut atomic.Bool
	failDelete   atomic.Bool
	puts         atomic.Int32
	gets         atomic.Int32

	// entered/release 非空时，PutBytes 先通知 entered 再等待 release (在启动并发调用之前设置)
	entered chan struct{}
	release chan struct{}
}

func (f *faultyStore) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	f.puts.Add(1)
	if f.release != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.transientPut.Load() {
		return "", storage.Transient(errors.New("connection reset by peer"))
	}
	return f.Store.PutBytes(ctx, data, key)
}

func (f *faultyStore) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	f.gets.Add(1)
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if f.failDelete.Load() {
		return errors.New("permission denied")
	}
	return f.Store.Delete(ctx, key)
}

// faultyIndex 模拟在后端写入成功之后、索引提交之前崩溃
type faultyIndex struct {
	*meta.Index
	failUpsert atomic.Bool
}

var errIndexDown = errors.New("simulated index failure")

func (f *faultyIndex) Upsert(ctx context.Context, e types.Entry) (types.Entry, error) {
	if f.failUpsert.Load() {
		return types.Entry{}, errIndexDown
	}
	return f.Index.Upsert(ctx, e)
}

func (f *faultyIndex) UpsertTree(ctx context.Context, entries []types.Entry) error {
	if f.failUpsert.Load() {
		return errIndexDown
	}
	return f.Index.UpsertTree(ctx, entries)
}

// -----------------------------------------------------------------------------
// 环境 (Fixtures)
// -----------------------------------------------------------------------------

type env struct {
	gw    *Gateway
	store *faultyStore
	index *faultyIndex
}

func testRetry() storage.RetryConfig {
	return storage.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Timeout:      2 * time.Second,
	}
}

func setupEnv(t *testing.T) *env {
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

	base, err := disk.NewAdapterFs(afero.NewMemMapFs())
	require.NoError(t, err)

	store := &faultyStore{Store: base}
	idx := &faultyIndex{Index: meta.NewIndex(db, backend)}

	b, err := bundle.New(store, idx, bundle.Options{Retry: testRetry()})
	require.NoError(t, err)

	return &env{
		gw:    New(store, idx, b, Options{Retry: testRetry()}),
		store: store,
		index: idx,
	}
}

// objectKeys 递归列出后端中的全部对象
func objectKeys(t *testing.T, s storage.Store) []string {
	t.Helper()
	var keys []string
	var walk func(key string)
	walk = func(key string) {
		children, err := s.List(context.Background(), key)
		if errors.Is(err, types.ErrNotFound) {
			return
		}
		require.NoError(t, err)
		for _, d := range children {
			if d.IsDir {
				walk(d.Key)
			} else {
				keys = append(keys, d.Key)
			}
		}
	}
	walk("")
	return keys
}

// assertNoDangling 检查实体的每个文件条目都能从后端或归档解析
func assertNoDangling(t *testing.T, gw *Gateway, entity types.EntityID) {
	t.Helper()
	ctx := context.Background()
	var walk func(path string)
	walk = func(path string) {
		entries, err := gw.List(ctx, entity, path)
		require.NoError(t, err)
		for _, e := range entries {
			if e.IsDir {
				walk(e.Path)
				continue
			}
			_, err := gw.Get(ctx, entity, e.Path)
			require.NoError(t, err, "dangling reference at %s/%s", entity, e.Path)
		}
	}
	walk("")
}

func paths(entries []types.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// errorsAny 报告 err 是否属于 targets 中的任意一个
func errorsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
