package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"repovault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateway_IndexFailureCompensates(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	e.index.failUpsert.Store(true)
	_, err := e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.ErrorIs(t, err, errIndexDown, "返回原始错误")

	assert.Empty(t, objectKeys(t, e.store), "补偿删除了已写入的对象")
	orphans, err := e.index.Orphans(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	_, err = e.gw.Get(ctx, "e1", "a.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGateway_FailedCompensationLeavesOrphan(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	e.index.failUpsert.Store(true)
	e.store.failDelete.Store(true)

	_, err := e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.ErrorIs(t, err, errIndexDown, "补偿失败不掩盖原始错误")

	keys := objectKeys(t, e.store)
	require.Len(t, keys, 1)
	orphans, err := e.index.Orphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, keys[0], orphans[0].Key)

	// 后端恢复后 Sweep 回收孤儿
	e.store.failDelete.Store(false)
	report, err := e.gw.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Deleted: 1}, report)
	assert.Empty(t, objectKeys(t, e.store))

	orphans, err = e.index.Orphans(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestGateway_TreeIndexFailureRemovesTree(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	e.index.failUpsert.Store(true)
	_, err := e.gw.Put(ctx, "e1", "", Tree(dir, true))
	require.ErrorIs(t, err, errIndexDown)
	assert.Empty(t, objectKeys(t, e.store))
}

func TestGateway_DeleteBackendFailureKeepsIndexConsistent(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	_, err := e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.NoError(t, err)

	e.store.failDelete.Store(true)
	removed, err := e.gw.Delete(ctx, "e1", "a.txt")
	require.NoError(t, err, "索引已经放弃引用，后端失败只产生孤儿")
	require.Len(t, removed, 1)

	_, err = e.gw.Get(ctx, "e1", "a.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)

	orphans, err := e.index.Orphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, removed[0].Locator.Key, orphans[0].Key)
}

func TestGateway_TransientExhaustionReleasesLock(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()

	e.store.transientPut.Store(true)
	_, err := e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.ErrorIs(t, err, types.ErrBackendUnavailable)
	assert.EqualValues(t, 3, e.store.puts.Load(), "按预算重试")
	assert.Zero(t, e.gw.locks.held())

	// 状态停留在上一个完成的步骤：索引里什么都没有
	_, err = e.gw.Stat(ctx, "e1", "a.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// 后端恢复后同一实体可以继续写
	e.store.transientPut.Store(false)
	_, err = e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.NoError(t, err)
}

func TestGateway_CancelledPutHasNoEffect(t *testing.T) {
	e := setupEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.gw.Put(ctx, "e1", "a.txt", Bytes([]byte("aaa")))
	require.Error(t, err)

	_, err = e.gw.Stat(context.Background(), "e1", "a.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestGateway_NoDanglingReferences 随机执行 put/delete/seal，并随机注入
// "后端写入成功、索引失败" 以及 "补偿失败"，每一步之后所有条目都必须可解析。
func TestGateway_NoDanglingReferences(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	entities := []types.EntityID{"e1", "e2", "e3"}
	for step := 0; step < 200; step++ {
		entity := entities[rng.Intn(len(entities))]
		path := fmt.Sprintf("d%d/f%d.bin", rng.Intn(3), rng.Intn(5))

		e.index.failUpsert.Store(rng.Intn(5) == 0)
		e.store.failDelete.Store(rng.Intn(4) == 0)

		switch op := rng.Intn(10); {
		case op < 6:
			data := make([]byte, rng.Intn(256))
			rng.Read(data)
			_, err := e.gw.Put(ctx, entity, path, Bytes(data))
			if err != nil {
				assert.True(t, errorsAny(err, errIndexDown, types.ErrConflict, types.ErrMutability), "step %d: %v", step, err)
			}
		case op < 9:
			_, err := e.gw.Delete(ctx, entity, path)
			if err != nil {
				assert.True(t, errorsAny(err, types.ErrNotFound, types.ErrMutability), "step %d: %v", step, err)
			}
		default:
			e.index.failUpsert.Store(false)
			_, err := e.gw.Seal(ctx, entity)
			require.NoError(t, err, "step %d", step)
		}

		e.index.failUpsert.Store(false)
		e.store.failDelete.Store(false)
		for _, ent := range entities {
			assertNoDangling(t, e.gw, ent)
		}
	}

	// 孤儿全部可以被回收，回收后仍然没有悬空引用
	_, err := e.gw.Sweep(ctx, 0)
	require.NoError(t, err)
	for _, ent := range entities {
		assertNoDangling(t, e.gw, ent)
	}
}
