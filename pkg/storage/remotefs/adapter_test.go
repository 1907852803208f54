package remotefs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"repovault/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	stale := &os.PathError{Op: "open", Path: "/mnt/x", Err: syscall.ESTALE}
	assert.True(t, storage.IsTransient(Classify(stale)))
	assert.True(t, storage.IsTransient(Classify(&os.PathError{Op: "read", Path: "/mnt/x", Err: syscall.EIO})))

	denied := &os.PathError{Op: "open", Path: "/mnt/x", Err: syscall.EACCES}
	assert.False(t, storage.IsTransient(Classify(denied)))
	assert.Nil(t, Classify(nil))
}

func TestRemoteFS_RoundTrip(t *testing.T) {
	mount := t.TempDir()
	ctx := context.Background()

	store, err := NewAdapter(ctx, Config{MountPath: mount})
	require.NoError(t, err)
	assert.Equal(t, Kind, store.Kind())

	// 探测文件不应该留下
	_, err = os.Stat(filepath.Join(mount, checkName))
	assert.True(t, os.IsNotExist(err))

	key, err := store.PutBytes(ctx, []byte("over the wire"), "")
	require.NoError(t, err)

	data, err := storage.ReadAll(ctx, store, key)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", string(data))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoteFS_MissingMount(t *testing.T) {
	_, err := NewAdapter(context.Background(), Config{MountPath: filepath.Join(t.TempDir(), "nope", "file")})
	// 父目录不存在时挂载检查失败
	assert.Error(t, err)
}

func TestRun_AbandonsHungCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := run(ctx, func() error {
		<-release
		return nil
	})
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, storage.IsTransient(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
