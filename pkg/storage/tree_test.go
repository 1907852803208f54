package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestWalkTree_Ignores(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README", "readme")
	writeFile(t, root, "config.yaml", "lr: 0.1")
	writeFile(t, root, ".rvignore", "*.log\n")
	writeFile(t, root, "train.log", "noise")
	writeFile(t, root, ".rv/index.db", "x")
	writeFile(t, root, "shards/0.bin", "zero")
	writeFile(t, root, "shards/.rvignore", "*.partial\n")
	writeFile(t, root, "shards/1.partial", "half")
	writeFile(t, root, "other/2.partial", "kept")

	files, err := WalkTree(root)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.Rel)
	}
	assert.ElementsMatch(t, []string{"README", "config.yaml", "shards/0.bin", "other/2.partial"}, rels)

	for _, f := range files {
		if f.Rel == "shards/0.bin" {
			assert.Equal(t, int64(4), f.Size)
			assert.Equal(t, filepath.Join(root, "shards", "0.bin"), f.Abs)
		}
	}
}

func TestWalkTree_NotADirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "file", "x")

	_, err := WalkTree(filepath.Join(root, "file"))
	assert.Error(t, err)
	_, err = WalkTree(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestTreeRoot(t *testing.T) {
	key, err := TreeRoot("/data/dataset/", "runs/1", true)
	require.NoError(t, err)
	assert.Equal(t, "runs/1", key)

	key, err = TreeRoot("/data/dataset/", "runs/1", false)
	require.NoError(t, err)
	assert.Equal(t, "runs/1/dataset", key)

	key, err = TreeRoot("/data/dataset", "", false)
	require.NoError(t, err)
	assert.Equal(t, "dataset", BaseName(key))
}
