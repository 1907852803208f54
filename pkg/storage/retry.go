package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"repovault/pkg/types"

	"github.com/cenkalti/backoff/v4"
)

// TransientError 标记一次可以安全重试的后端故障 (网络抖动、限流、5xx)
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that Retry will try again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err was marked retryable by a backend.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryConfig 有界超时 + 封顶的指数退避
type RetryConfig struct {
	MaxAttempts  int           // 最大尝试次数 (<=0 视为 1)
	InitialDelay time.Duration // 首次退避
	MaxDelay     time.Duration // 退避上限
	Multiplier   float64       // 退避倍数，通常 2.0
	Timeout      time.Duration // 单次操作 (含所有重试) 的总预算，0 表示不限制
	AddJitter    bool
}

// DefaultRetryConfig returns sensible defaults for backend calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Timeout:      30 * time.Second,
		AddJitter:    true,
	}
}

func (cfg RetryConfig) normalize() RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	return cfg
}

// Do 执行 fn，只对 Transient 错误重试。
// 预算耗尽 (次数或 Timeout) 时返回包装了 types.ErrBackendUnavailable 的错误；
// 其他错误原样返回。
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.normalize()
	opCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return retry(ctx, opCtx, cfg, fn)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// newBackOff 把 RetryConfig 翻译成 backoff 策略：次数上限 + 上下文终止
func (cfg RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialDelay
	exp.MaxInterval = cfg.MaxDelay
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = 0
	if cfg.AddJitter {
		exp.RandomizationFactor = 0.25
	}
	exp.MaxElapsedTime = 0 // 总时长由 Timeout 约束
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1)), ctx)
}

// retry 在 opCtx 上运行 fn；parent 是调用方的 ctx，用来区分 "调用方取消" 与 "后端超时"
func retry(parent, opCtx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	var lastErr error
	err := backoff.Retry(func() error {
		err := fn(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.newBackOff(opCtx))
	if err == nil {
		return nil
	}

	// 调用方主动取消不算后端故障
	if parent.Err() != nil {
		return fmt.Errorf("retry cancelled: %w", parent.Err())
	}
	if !IsTransient(err) && !isContextErr(err) {
		return err
	}
	if opCtx.Err() != nil {
		return fmt.Errorf("%w: deadline exceeded: %v", types.ErrBackendUnavailable, lastErr)
	}
	return fmt.Errorf("%w: retry budget exhausted: %v", types.ErrBackendUnavailable, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// RetryStore 是一个装饰器，为任意 Store 的每个操作加上有界重试
type RetryStore struct {
	Store
	cfg RetryConfig
}

// WithRetry wraps s so that transient failures are retried within cfg.
func WithRetry(s Store, cfg RetryConfig) *RetryStore {
	return &RetryStore{Store: s, cfg: cfg}
}

func (r *RetryStore) List(ctx context.Context, key string) ([]Descriptor, error) {
	return DoWithResult(ctx, r.cfg, func(ctx context.Context) ([]Descriptor, error) {
		return r.Store.List(ctx, key)
	})
}

func (r *RetryStore) Get(ctx context.Context, key string) (Descriptor, error) {
	return DoWithResult(ctx, r.cfg, func(ctx context.Context) (Descriptor, error) {
		return r.Store.Get(ctx, key)
	})
}

// Open 只对打开阶段重试；读取过程中的错误由调用方处理。
// 返回的 reader 关闭之前，后端看到的 ctx 一直有效 (S3 的响应体在 Open 返回后才被读取)。
func (r *RetryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return r.open(ctx, func(ctx context.Context) (io.ReadCloser, error) {
		return r.Store.Open(ctx, key)
	})
}

func (r *RetryStore) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	return r.open(ctx, func(ctx context.Context) (io.ReadCloser, error) {
		return OpenRange(ctx, r.Store, key, offset, length)
	})
}

// open 的 Timeout 只约束打开阶段：计时器到期会取消 readCtx，打开成功后计时器被停掉，
// readCtx 交给返回的 reader，在 Close 时取消。
func (r *RetryStore) open(ctx context.Context, fn func(ctx context.Context) (io.ReadCloser, error)) (io.ReadCloser, error) {
	cfg := r.cfg.normalize()
	readCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if cfg.Timeout > 0 {
		timer = time.AfterFunc(cfg.Timeout, cancel)
	}

	var rc io.ReadCloser
	err := retry(ctx, readCtx, cfg, func(ctx context.Context) error {
		var err error
		rc, err = fn(ctx)
		return err
	})
	if err == nil && timer != nil && !timer.Stop() {
		// 打开刚好在超时的瞬间完成，reader 已经不可用
		rc.Close()
		err = fmt.Errorf("%w: deadline exceeded while opening", types.ErrBackendUnavailable)
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

// cancelOnClose 在 Close 时释放 Open 使用的 ctx
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// PutBytes 重试时必须复用同一个 key：否则一次 "成功但响应丢失" 的写入会留下孤儿。
// 重试遇到 ErrKeyExists 说明上一次尝试已经落盘，视为成功。
func (r *RetryStore) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	assigned := key == ""
	if assigned {
		key = NewKey()
	}
	attempts := 0
	err := Do(ctx, r.cfg, func(ctx context.Context) error {
		attempts++
		_, err := r.Store.PutBytes(ctx, data, key)
		if attempts > 1 && errors.Is(err, ErrKeyExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (r *RetryStore) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return DoWithResult(ctx, r.cfg, func(ctx context.Context) (string, error) {
		return r.Store.PutTree(ctx, dir, key, contentsOnly)
	})
}

func (r *RetryStore) Delete(ctx context.Context, key string) error {
	return Do(ctx, r.cfg, func(ctx context.Context) error {
		return r.Store.Delete(ctx, key)
	})
}
