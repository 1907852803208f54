package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"repovault/pkg/ignore"

	"golang.org/x/sync/errgroup"
)

// TreeFile 是本地目录树中的一个待导入文件
type TreeFile struct {
	Rel  string // 相对导入根的路径，使用 "/" 分隔
	Abs  string
	Size int64
}

// WalkTree 遍历本地目录，返回所有未被忽略的文件 (目录本身不返回)。
func WalkTree(dir string) ([]TreeFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat tree root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matcher, err := ignore.NewMatcher(dir)
	if err != nil {
		return nil, fmt.Errorf("load ignore rules: %w", err)
	}

	var files []TreeFile
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if matcher.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			// 子目录的 .rvignore 只作用于它下面的路径
			return matcher.Enter(rel)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, TreeFile{Rel: filepath.ToSlash(rel), Abs: path, Size: fi.Size()})
		return nil
	}
	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return nil, fmt.Errorf("walk failed: %w", err)
	}
	return files, nil
}

// TreeRoot 计算目录树在后端中的根 key
// key 为空时分配新 key；contentsOnly=false 时再嵌套一层目录名。
func TreeRoot(dir, key string, contentsOnly bool) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if key == "" {
		key = NewKey()
	}
	if !contentsOnly {
		key = JoinKey(key, filepath.Base(filepath.Clean(dir)))
	}
	return key, nil
}

// treeConcurrency 限制导入时的并发上传数
const treeConcurrency = 8

// PutTreeWith 是各后端共享的 PutTree 实现：逐个文件调用 put。
// 任一文件失败时尽力删除已写入的部分，返回原始错误。
func PutTreeWith(ctx context.Context, s Store, dir, key string, contentsOnly bool,
	put func(ctx context.Context, data []byte, key string) error) (string, error) {
	root, err := TreeRoot(dir, key, contentsOnly)
	if err != nil {
		return "", err
	}

	files, err := WalkTree(dir)
	if err != nil {
		return "", err
	}

	// 不覆盖已有的树，否则失败时的补偿会删掉别人的数据
	if _, err := s.Get(ctx, root); err == nil {
		return "", ErrKeyExists
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(treeConcurrency)
	for _, f := range files {
		g.Go(func() error {
			data, err := os.ReadFile(f.Abs)
			if err != nil {
				return err
			}
			return put(gctx, data, JoinKey(root, f.Rel))
		})
	}

	if err := g.Wait(); err != nil {
		// 补偿：删除已写入的部分树 (失败只会留下孤儿)
		if delErr := s.Delete(context.WithoutCancel(ctx), root); delErr != nil {
			slog.Warn("failed to clean up partial tree import",
				slog.String("key", root), slog.String("err", delErr.Error()))
		}
		return "", fmt.Errorf("import tree %s: %w", dir, err)
	}
	return root, nil
}
