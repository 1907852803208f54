package natsobj

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"repovault/pkg/storage"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 检查本地 NATS (JetStream) 是否可用，不可用则跳过
func isNATSAvailable(t *testing.T) bool {
	conn, err := net.DialTimeout("tcp", "localhost:4222", time.Second)
	if err != nil {
		t.Logf("⚠️ NATS not reachable at localhost:4222. Skipping integration tests.")
		return false
	}
	conn.Close()
	return true
}

func TestClassify(t *testing.T) {
	assert.True(t, storage.IsTransient(classify(fmt.Errorf("put: %w", nats.ErrTimeout))))
	assert.True(t, storage.IsTransient(classify(nats.ErrNoServers)))
	assert.False(t, storage.IsTransient(classify(fmt.Errorf("bad request"))))
}

func TestNATSAdapter_Integration(t *testing.T) {
	if !isNATSAvailable(t) {
		t.Skip("Skipping NATS integration tests (server down)")
	}

	ctx := context.Background()
	store, err := NewAdapter(ctx, Config{
		URL:    nats.DefaultURL,
		Bucket: fmt.Sprintf("rv-test-%d", time.Now().UnixNano()),
	})
	require.NoError(t, err)
	defer store.Close()

	key, err := store.PutBytes(ctx, []byte("jetstream payload"), "")
	require.NoError(t, err)

	_, err = store.PutBytes(ctx, []byte("again"), key)
	assert.ErrorIs(t, err, storage.ErrKeyExists)

	data, err := storage.ReadAll(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, "jetstream payload", string(data))

	rc, err := storage.OpenRange(ctx, store, key, 4, 6)
	require.NoError(t, err)
	part := make([]byte, 6)
	_, err = rc.Read(part)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "stream", string(part))

	for _, k := range []string{"tree/a", "tree/sub/b"} {
		_, err := store.PutBytes(ctx, []byte(k), k)
		require.NoError(t, err)
	}
	children, err := store.List(ctx, "tree")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "tree/a", children[0].Key)
	assert.True(t, children[1].IsDir)

	desc, err := store.Get(ctx, "tree/sub")
	require.NoError(t, err)
	assert.True(t, desc.IsDir)

	require.NoError(t, store.Delete(ctx, "tree"))
	_, err = store.Get(ctx, "tree/sub/b")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, store.Delete(ctx, "tree"))

	_, err = store.List(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// memObjectStore 是只实现了元数据操作的内存 ObjectStore，并记录 List 的调用次数
type memObjectStore struct {
	jetstream.ObjectStore
	objects map[string]uint64
	lists   int
}

func (m *memObjectStore) GetInfo(_ context.Context, name string, _ ...jetstream.GetObjectInfoOpt) (*jetstream.ObjectInfo, error) {
	size, ok := m.objects[name]
	if !ok {
		return nil, jetstream.ErrObjectNotFound
	}
	return &jetstream.ObjectInfo{ObjectMeta: jetstream.ObjectMeta{Name: name}, Size: size}, nil
}

func (m *memObjectStore) Delete(_ context.Context, name string) error {
	if _, ok := m.objects[name]; !ok {
		return jetstream.ErrObjectNotFound
	}
	delete(m.objects, name)
	return nil
}

func (m *memObjectStore) List(_ context.Context, _ ...jetstream.ListObjectsOpt) ([]*jetstream.ObjectInfo, error) {
	m.lists++
	if len(m.objects) == 0 {
		return nil, jetstream.ErrNoObjectsFound
	}
	out := make([]*jetstream.ObjectInfo, 0, len(m.objects))
	for name, size := range m.objects {
		out = append(out, &jetstream.ObjectInfo{ObjectMeta: jetstream.ObjectMeta{Name: name}, Size: size})
	}
	return out, nil
}

func TestAdapter_ExactKeysSkipBucketListing(t *testing.T) {
	obs := &memObjectStore{objects: map[string]uint64{
		"ab/loose":        5,
		"tree/a.txt":      1,
		"tree/sub/b.txt":  2,
		"treehouse/c.txt": 3,
	}}
	a := &Adapter{obs: obs, bucket: "test"}
	ctx := context.Background()

	desc, err := a.Get(ctx, "ab/loose")
	require.NoError(t, err)
	assert.Equal(t, int64(5), desc.Size)
	require.NoError(t, a.Delete(ctx, "ab/loose"))
	assert.Zero(t, obs.lists, "对象 key 的 Get/Delete 不遍历桶")

	// 合成目录需要遍历，且只删除目录下的对象
	desc, err = a.Get(ctx, "tree")
	require.NoError(t, err)
	assert.True(t, desc.IsDir)
	require.NoError(t, a.Delete(ctx, "tree"))
	assert.Equal(t, map[string]uint64{"treehouse/c.txt": 3}, obs.objects)

	// 幂等
	require.NoError(t, a.Delete(ctx, "ab/loose"))
	_, err = a.Get(ctx, "ab/loose")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
