package client

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"repovault/pkg/app"
	"repovault/pkg/meta"
	"repovault/pkg/server"
	"repovault/pkg/storage"
	"repovault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// setupServer 在内存管道上启动完整的服务端，返回连到它的客户端
func setupServer(t *testing.T) (*RVClient, *app.App) {
	t.Helper()
	dir := t.TempDir()

	a, err := app.New(context.Background(), app.Config{
		Storage: app.StorageConfig{Name: "local", Kind: "disk", Path: filepath.Join(dir, "objects")},
		Database: meta.Config{
			Driver:   "sqlite",
			Path:     filepath.Join(dir, "index.db"),
			LogLevel: "silent",
		},
		Retry: storage.DefaultRetryConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	lis := bufconn.Listen(1024 * 1024)
	srv := server.New(a.Gateway, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c, err := NewRVClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, a
}

func TestClient_EndToEnd(t *testing.T) {
	c, _ := setupServer(t)
	ctx := context.Background()
	const entity = types.EntityID("exp-42")

	e, err := c.Put(ctx, entity, "logs/train.log", []byte("epoch 1\n"), PutOptions{
		Metadata: []byte(`{"source":"trainer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, entity, e.Entity)
	require.NotNil(t, e.Locator)
	assert.False(t, e.Locator.IsArchived())

	entries, err := c.List(ctx, entity, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir)
	assert.Equal(t, "logs/", entries[0].Path)

	_, data, err := c.Get(ctx, entity, "logs/train.log")
	require.NoError(t, err)
	assert.Equal(t, "epoch 1\n", string(data))

	st, err := c.Stat(ctx, entity, "logs/train.log")
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.Size)

	key, err := c.Seal(ctx, entity)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	sealed, err := c.IsSealed(ctx, entity)
	require.NoError(t, err)
	assert.True(t, sealed)

	var out bytes.Buffer
	got, err := c.Download(ctx, entity, "logs/train.log", &out)
	require.NoError(t, err)
	assert.Equal(t, "epoch 1\n", out.String())
	assert.True(t, got.Locator.IsArchived(), "密封后条目指向归档成员")
}

func TestClient_ErrorsKeepTaxonomy(t *testing.T) {
	c, _ := setupServer(t)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "e", "missing.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.Put(ctx, "e", "a.txt", []byte("1"), PutOptions{})
	require.NoError(t, err)
	_, err = c.Put(ctx, "e", "a.txt", []byte("2"), PutOptions{})
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = c.Seal(ctx, "e")
	require.NoError(t, err)
	_, err = c.Delete(ctx, "e", "a.txt")
	assert.ErrorIs(t, err, types.ErrMutability)
}

func TestClient_UploadStream(t *testing.T) {
	c, a := setupServer(t)
	ctx := context.Background()

	// 大于一帧，验证分帧
	payload := strings.Repeat("x", UploadChunkSize+123)
	e, err := c.Upload(ctx, "e", "blob.bin", strings.NewReader(payload), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), e.Size)

	obj, err := a.Gateway.Get(ctx, "e", "blob.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, string(obj.Data))

	// 重复上传同一路径 -> Conflict 经由 CloseAndRecv 返回
	_, err = c.Upload(ctx, "e", "blob.bin", strings.NewReader("again"), PutOptions{})
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = c.Upload(ctx, "e", "blob.bin", strings.NewReader("again"), PutOptions{Overwrite: true})
	require.NoError(t, err)
}

func TestClient_SweepAndDanglingReference(t *testing.T) {
	c, a := setupServer(t)
	ctx := context.Background()

	e, err := c.Put(ctx, "e", "a.txt", []byte("soon gone"), PutOptions{})
	require.NoError(t, err)
	require.NoError(t, a.Store.Delete(ctx, e.Locator.Key))

	var sink bytes.Buffer
	_, err = c.Download(ctx, "e", "a.txt", &sink)
	assert.ErrorIs(t, err, types.ErrCorruption)

	report, err := c.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
}
