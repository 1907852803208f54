// pkg/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"repovault/pkg/bundle"
	"repovault/pkg/gateway"
	"repovault/pkg/meta"
	"repovault/pkg/metrics"
	"repovault/pkg/storage"
	"repovault/pkg/storage/cache"
	"repovault/pkg/storage/disk"
	"repovault/pkg/storage/natsobj"
	"repovault/pkg/storage/remotefs"
	"repovault/pkg/storage/s3"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageConfig 选择并配置对象后端
type StorageConfig struct {
	// Name 是后端在注册表中的名字
	Name string
	// Kind: disk | remotefs | s3 | nats
	Kind string
	// Path 是 disk 后端的根目录
	Path     string
	RemoteFS remotefs.Config
	S3       s3.Config
	NATS     natsobj.Config
}

type BundleConfig struct {
	Codec           string
	Concurrency     int
	HeaderCacheSize int
}

// Config 是构造 App 所需的全部配置，显式传入，不读全局状态
type Config struct {
	Storage  StorageConfig
	Database meta.Config
	// Cache.RedisURL 为空时不启用描述符缓存
	Cache  cache.Config
	Retry  storage.RetryConfig
	Bundle BundleConfig

	Logger *slog.Logger
	// Registerer 为 nil 时不采集指标
	Registerer prometheus.Registerer
}

// App 是整个应用程序的依赖容器 (Dependency Container)
type App struct {
	Store   storage.Store
	DB      *meta.DB
	Backend *meta.Backend
	Index   *meta.Index
	Bundler *bundle.Bundler
	Gateway *gateway.Gateway
	Metrics *metrics.Metrics

	closers []func() error
}

// New 组装整台机器：后端 -> (缓存) -> 指标，索引库 -> 注册表 -> 索引，
// 最后是打包器和网关。
func New(ctx context.Context, cfg Config) (_ *App, err error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &App{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Registerer != nil {
		if a.Metrics, err = metrics.New(cfg.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// 1. 对象后端
	store, err := initStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	if cfg.Cache.RedisURL != "" {
		if cfg.Cache.Namespace == "" {
			cfg.Cache.Namespace = cfg.Storage.Name
		}
		cached, err := cache.NewCachedStore(store, cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("failed to init descriptor cache: %w", err)
		}
		a.closers = append(a.closers, cached.Close)
		store = cached
	}
	a.Store = storage.Instrument(store, a.Metrics)

	// 2. 索引库
	a.DB, err = meta.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)

	a.Backend, err = meta.NewRegistry(a.DB).Register(ctx, meta.BackendDescriptor{
		Name:   cfg.Storage.Name,
		Kind:   cfg.Storage.Kind,
		Config: cfg.Storage.descriptor(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register backend: %w", err)
	}
	a.Index = meta.NewIndex(a.DB, a.Backend)

	// 3. 打包器 + 网关
	codec, err := bundle.ParseCodec(cfg.Bundle.Codec)
	if err != nil {
		return nil, err
	}
	a.Bundler, err = bundle.New(a.Store, a.Index, bundle.Options{
		Codec:           codec,
		Concurrency:     cfg.Bundle.Concurrency,
		HeaderCacheSize: cfg.Bundle.HeaderCacheSize,
		Retry:           cfg.Retry,
		Logger:          cfg.Logger.With("component", "bundler"),
		Metrics:         a.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init bundler: %w", err)
	}

	a.Gateway = gateway.New(a.Store, a.Index, a.Bundler, gateway.Options{
		Retry:   cfg.Retry,
		Logger:  cfg.Logger.With("component", "gateway"),
		Metrics: a.Metrics,
	})

	cfg.Logger.Debug("repovault initialized",
		"backend", a.Backend.Name, "kind", a.Backend.Kind, "database", cfg.Database.Driver)
	return a, nil
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initStore 根据 Kind 创建对象后端
func initStore(ctx context.Context, cfg StorageConfig) (storage.Store, error) {
	switch cfg.Kind {
	case "", disk.Kind:
		if cfg.Path == "" {
			return nil, errors.New("storage path not set")
		}
		return disk.NewAdapter(cfg.Path)
	case remotefs.Kind:
		return remotefs.NewAdapter(ctx, cfg.RemoteFS)
	case s3.Kind:
		if cfg.S3.Bucket == "" {
			return nil, errors.New("s3 bucket is required")
		}
		return s3.NewAdapter(ctx, cfg.S3)
	case natsobj.Kind:
		return natsobj.NewAdapter(ctx, cfg.NATS)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Kind)
	}
}

// descriptor 返回写入注册表的非敏感连接配置
func (c StorageConfig) descriptor() map[string]any {
	switch c.Kind {
	case remotefs.Kind:
		return map[string]any{"mount": c.RemoteFS.MountPath}
	case s3.Kind:
		return map[string]any{
			"endpoint": c.S3.Endpoint,
			"region":   c.S3.Region,
			"bucket":   c.S3.Bucket,
			"prefix":   c.S3.Prefix,
		}
	case natsobj.Kind:
		return map[string]any{"url": c.NATS.URL, "bucket": c.NATS.Bucket}
	default:
		return map[string]any{"path": c.Path}
	}
}
