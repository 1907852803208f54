package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"repovault/pkg/app"
	"repovault/pkg/meta"
	"repovault/pkg/storage"
	"repovault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupIntegrationEnv 搭建一个使用 真实文件系统 + sqlite 的集成环境，
// 并注入全局变量 RV (cmd 包依赖它)
func setupIntegrationEnv(t *testing.T) (*app.App, string) {
	tmpDir := t.TempDir()

	a, err := app.New(context.Background(), app.Config{
		Storage: app.StorageConfig{
			Name: "local",
			Kind: "disk",
			Path: filepath.Join(tmpDir, ".rv", "objects"),
		},
		Database: meta.Config{
			Driver:   "sqlite",
			Path:     filepath.Join(tmpDir, ".rv", "index.db"),
			LogLevel: "silent",
		},
		Retry: storage.DefaultRetryConfig(),
	})
	require.NoError(t, err)

	RV, ownsApp = a, false
	t.Cleanup(func() {
		RV = nil
		a.Close()
	})
	return a, tmpDir
}

// run 执行一条命令并返回 stdout
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	// 全局 flag 变量会跨调用保留，逐次复位
	putOverwrite, putMetadata, putContentsOnly, lsLong, gcLimit = false, "", false, false, 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIntegration_PutCatLsSeal(t *testing.T) {
	a, tmpDir := setupIntegrationEnv(t)

	// echo "hello world" > data.txt
	testFile := filepath.Join(tmpDir, "data.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello world"), 0o644))

	out, err := run(t, "", "put", "run-1", "inputs/data.txt", testFile, "--meta", `{"split":"train"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored run-1/inputs/data.txt")

	out, err = run(t, "from stdin", "put", "run-1", "notes.md", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.md")

	out, err = run(t, "", "cat", "run-1", "inputs/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = run(t, "", "ls", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "inputs/\nnotes.md\n", out)

	out, err = run(t, "", "seal", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "sealed into archive")

	out, err = run(t, "", "ls", "-l", "run-1", "inputs/")
	require.NoError(t, err)
	assert.Contains(t, out, "archived/")
	assert.Contains(t, out, "data.txt")

	// 密封后内容不变，写入被拒绝
	out, err = run(t, "", "cat", "run-1", "notes.md")
	require.NoError(t, err)
	assert.Equal(t, "from stdin", out)

	_, err = run(t, "x", "put", "run-1", "late.txt", "-")
	assert.ErrorIs(t, err, types.ErrMutability)

	out, err = run(t, "", "status", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "State:    sealed")
	assert.Contains(t, out, "0 loose, 2 archived")

	sealed, err := a.Gateway.IsSealed(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, sealed)
}

func TestIntegration_TreeAndRm(t *testing.T) {
	_, tmpDir := setupIntegrationEnv(t)

	dataset := filepath.Join(tmpDir, "dataset")
	require.NoError(t, os.MkdirAll(filepath.Join(dataset, "shards"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataset, "shards", "0.bin"), []byte("zero"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataset, "README"), []byte("readme"), 0o644))

	out, err := run(t, "", "put", "e", "data", dataset)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported tree e/data/dataset/")

	out, err = run(t, "", "cat", "e", "data/dataset/shards/0.bin")
	require.NoError(t, err)
	assert.Equal(t, "zero", out)

	out, err = run(t, "", "rm", "e", "data/dataset/shards/")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 2 entries.")

	_, err = run(t, "", "cat", "e", "data/dataset/shards/0.bin")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// 重复路径需要 --overwrite
	_, err = run(t, "v2", "put", "e", "data/dataset/README", "-")
	assert.ErrorIs(t, err, types.ErrConflict)
	_, err = run(t, "v2", "put", "e", "data/dataset/README", "-", "--overwrite")
	require.NoError(t, err)
	out, err = run(t, "", "cat", "e", "data/dataset/README")
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestIntegration_GC(t *testing.T) {
	a, _ := setupIntegrationEnv(t)
	ctx := context.Background()

	key, err := a.Store.PutBytes(ctx, []byte("stray"), "")
	require.NoError(t, err)
	require.NoError(t, a.Index.RecordOrphan(ctx, key, "test"))

	out, err := run(t, "", "gc")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 1 orphans")
}

func TestInit_WritesWorkspace(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	out, err := run(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized empty repovault workspace")
	assert.DirExists(t, filepath.Join(dir, ".rv", "objects"))
	assert.FileExists(t, filepath.Join(dir, ".rv", "config.yaml"))

	out, err = run(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}
