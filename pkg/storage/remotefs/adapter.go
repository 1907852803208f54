// Package remotefs stores objects on a network filesystem (NFS, SMB, sshfs)
// mounted into the local tree. Layout is identical to the disk backend; the
// differences are error classification and bounded waits on hung mounts.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"repovault/pkg/storage"
	"repovault/pkg/storage/disk"
)

const Kind = "remotefs"

// checkName 是启动时写入挂载点的探测文件
const checkName = ".rv-check"

type Config struct {
	MountPath string
	// CheckTimeout 限制启动探测的时间，挂载点挂死时尽早失败
	CheckTimeout time.Duration
}

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	inner *disk.Adapter
	mount string
}

// transientErrnos 网络文件系统上值得重试的错误
var transientErrnos = []syscall.Errno{
	syscall.EIO,
	syscall.ESTALE,
	syscall.ETIMEDOUT,
	syscall.EAGAIN,
	syscall.EHOSTDOWN,
	syscall.EHOSTUNREACH,
	syscall.ENOTCONN,
	syscall.ECONNRESET,
}

// Classify marks errno values typical of a flaky network mount as transient.
func Classify(err error) error {
	if err == nil || storage.IsTransient(err) {
		return err
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return storage.Transient(err)
		}
	}
	return err
}

// NewAdapter 检查挂载点可写，然后复用磁盘布局
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("remotefs: mount path is required")
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 10 * time.Second
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.CheckTimeout)
	defer cancel()
	if err := run(checkCtx, func() error { return checkMount(cfg.MountPath) }); err != nil {
		return nil, fmt.Errorf("remotefs mount %s is not usable: %w", cfg.MountPath, err)
	}

	inner, err := disk.NewAdapter(cfg.MountPath,
		disk.WithKind(Kind),
		disk.WithErrorClassifier(Classify))
	if err != nil {
		return nil, Classify(err)
	}
	return &Adapter{inner: inner, mount: cfg.MountPath}, nil
}

func checkMount(mount string) error {
	fi, err := os.Stat(mount)
	if err != nil {
		return Classify(err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", mount)
	}
	p := mount + string(os.PathSeparator) + checkName
	if err := os.WriteFile(p, []byte("ok"), 0644); err != nil {
		return Classify(err)
	}
	return os.Remove(p)
}

// run 在后台执行一次文件系统调用；ctx 结束时立即返回。
// 挂死的系统调用无法取消，goroutine 会在调用返回后自行退出。
func run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return storage.Transient(fmt.Errorf("remotefs call abandoned: %w", ctx.Err()))
	}
}

func runResult[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	err := run(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (a *Adapter) Kind() string   { return Kind }
func (a *Adapter) String() string { return Kind + "@" + a.mount }

func (a *Adapter) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	return runResult(ctx, func() ([]storage.Descriptor, error) { return a.inner.List(ctx, key) })
}

func (a *Adapter) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	return runResult(ctx, func() (storage.Descriptor, error) { return a.inner.Get(ctx, key) })
}

func (a *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return runResult(ctx, func() (io.ReadCloser, error) { return a.inner.Open(ctx, key) })
}

func (a *Adapter) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return runResult(ctx, func() (io.ReadCloser, error) { return a.inner.OpenRange(ctx, key, offset, length) })
}

// PutBytes 注意：如果 ctx 先结束，后台写入可能仍然完成。
// 因此先分配 key，重试时 RetryStore 会把 ErrKeyExists 视为成功。
func (a *Adapter) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	if key == "" {
		key = storage.NewKey()
	}
	return runResult(ctx, func() (string, error) { return a.inner.PutBytes(ctx, data, key) })
}

func (a *Adapter) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return storage.PutTreeWith(ctx, a, dir, key, contentsOnly,
		func(ctx context.Context, data []byte, key string) error {
			_, err := a.PutBytes(ctx, data, key)
			return err
		})
}

func (a *Adapter) Delete(ctx context.Context, key string) error {
	return run(ctx, func() error { return a.inner.Delete(ctx, key) })
}
