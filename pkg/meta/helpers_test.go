package meta

import (
	"context"
	"fmt"
	"testing"

	"repovault/pkg/types"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// 注意：文件名必须以 _test.go 结尾，否则会被编译进生产代码！
// -----------------------------------------------------------------------------

// setupTestDB 构建隔离的测试环境 (每个测试一个内存库)
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	metaDB := NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(Models()...))
	return metaDB
}

// setupTestIndex 注册一个测试后端并返回绑定它的索引
func setupTestIndex(t *testing.T) *Index {
	t.Helper()
	db := setupTestDB(t)
	backend, err := NewRegistry(db).Register(context.Background(), BackendDescriptor{Name: "test", Kind: "disk"})
	require.NoError(t, err)
	return NewIndex(db, backend)
}

func fileEntry(entity, path, key string) types.Entry {
	return types.Entry{
		Entity:  types.EntityID(entity),
		Path:    path,
		Locator: types.Loose(key),
		Size:    int64(len(key)),
	}
}

// mustUpsert 强制写入条目，失败则终止
func mustUpsert(t *testing.T, idx *Index, e types.Entry, msgAndArgs ...any) types.Entry {
	t.Helper() // 关键：报错时回溯栈帧
	out, err := idx.Upsert(context.Background(), e)
	require.NoError(t, err, msgAndArgs...)
	return out
}

func paths(entries []types.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	return out
}
