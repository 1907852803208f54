// Package natsobj stores objects in a NATS JetStream object store bucket.
// The bucket namespace is flat; directories are synthesized from "/" in
// object names.
package natsobj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"repovault/pkg/storage"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const Kind = "nats"

type Config struct {
	URL         string
	Bucket      string
	Username    string
	Password    string
	Token       string
	ClientName  string
	Replicas    int
	Timeout     time.Duration
	Compression bool
}

// Adapter 实现了 storage.Store 接口
type Adapter struct {
	conn   *nats.Conn
	obs    jetstream.ObjectStore
	bucket string

	// NATS 对象存储的 Put 会覆盖同名对象，用 putMu 串行化 "检查 + 写入"
	putMu sync.Mutex
}

func connectionOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	return opts
}

// NewAdapter 连接 NATS 并打开 (必要时创建) 对象存储桶
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("nats: bucket is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	conn, err := nats.Connect(cfg.URL, connectionOptions(cfg)...)
	if err != nil {
		return nil, classify(fmt.Errorf("connect to nats at %s: %w", cfg.URL, err))
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	// 1. 先尝试获取已有的桶
	obs, err := js.ObjectStore(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		// 2. 不存在则创建；并发创建时回退到获取
		storeCfg := jetstream.ObjectStoreConfig{
			Bucket:      cfg.Bucket,
			Description: "repovault objects",
			Replicas:    cfg.Replicas,
			Storage:     jetstream.FileStorage,
			Compression: cfg.Compression,
		}
		obs, err = js.CreateObjectStore(ctx, storeCfg)
		if errors.Is(err, jetstream.ErrBucketExists) {
			obs, err = js.ObjectStore(ctx, cfg.Bucket)
		}
		if err == nil {
			slog.Info("created nats object store", "bucket", cfg.Bucket)
		}
	}
	if err != nil {
		conn.Close()
		return nil, classify(fmt.Errorf("open object store %s: %w", cfg.Bucket, err))
	}

	return &Adapter{conn: conn, obs: obs, bucket: cfg.Bucket}, nil
}

// Close 关闭底层连接
func (a *Adapter) Close() error {
	if a.conn != nil {
		return a.conn.Drain()
	}
	return nil
}

func (a *Adapter) Kind() string   { return Kind }
func (a *Adapter) String() string { return Kind + "://" + a.bucket }

// classify 把连接层面的故障标记为可重试
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, context.DeadlineExceeded):
		return storage.Transient(err)
	}
	return err
}

func (a *Adapter) all(ctx context.Context) ([]*jetstream.ObjectInfo, error) {
	infos, err := a.obs.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("nats list failed: %w", err))
	}
	return infos, nil
}

// List 遍历整个桶，按 "/" 合成直接子节点
func (a *Adapter) List(ctx context.Context, key string) ([]storage.Descriptor, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	infos, err := a.all(ctx)
	if err != nil {
		return nil, err
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	seen := make(map[string]storage.Descriptor)
	found := key == ""
	for _, info := range infos {
		if info.Name == key {
			found = true
			continue
		}
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		found = true
		rest := strings.TrimPrefix(info.Name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			child := prefix + rest[:i]
			seen[child] = storage.Descriptor{Key: child, Name: rest[:i], IsDir: true}
			continue
		}
		seen[info.Name] = describe(info)
	}
	if !found {
		return nil, storage.ErrNotFound
	}

	out := make([]storage.Descriptor, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func describe(info *jetstream.ObjectInfo) storage.Descriptor {
	return storage.Descriptor{
		Key:     info.Name,
		Name:    storage.BaseName(info.Name),
		Size:    int64(info.Size),
		ModTime: info.ModTime,
	}
}

func (a *Adapter) Get(ctx context.Context, key string) (storage.Descriptor, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return storage.Descriptor{}, err
	}
	if key == "" {
		return storage.Descriptor{IsDir: true}, nil
	}
	info, err := a.obs.GetInfo(ctx, key)
	if err == nil {
		return describe(info), nil
	}
	if !errors.Is(err, jetstream.ErrObjectNotFound) {
		return storage.Descriptor{}, classify(fmt.Errorf("nats get info failed: %w", err))
	}

	// 不是对象时才可能是合成目录，这时才需要列出整个桶
	infos, err := a.all(ctx)
	if err != nil {
		return storage.Descriptor{}, err
	}
	for _, info := range infos {
		if strings.HasPrefix(info.Name, key+"/") {
			return storage.Descriptor{Key: key, Name: storage.BaseName(key), IsDir: true}, nil
		}
	}
	return storage.Descriptor{}, storage.ErrNotFound
}

func (a *Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	// GetBytes 会校验 SHA-256 摘要，读取完成前就能发现损坏
	data, err := a.obs.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, classify(fmt.Errorf("nats get failed: %w", err))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (a *Adapter) PutBytes(ctx context.Context, data []byte, key string) (string, error) {
	if key == "" {
		key = storage.NewKey()
	}
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}

	a.putMu.Lock()
	defer a.putMu.Unlock()

	if _, err := a.obs.GetInfo(ctx, key); err == nil {
		return "", fmt.Errorf("%w: %s", storage.ErrKeyExists, key)
	} else if !errors.Is(err, jetstream.ErrObjectNotFound) {
		return "", classify(fmt.Errorf("nats get info failed: %w", err))
	}

	if _, err := a.obs.PutBytes(ctx, key, data); err != nil {
		return "", classify(fmt.Errorf("nats put failed: %w", err))
	}
	return key, nil
}

func (a *Adapter) PutTree(ctx context.Context, dir string, key string, contentsOnly bool) (string, error) {
	return storage.PutTreeWith(ctx, a, dir, key, contentsOnly,
		func(ctx context.Context, data []byte, key string) error {
			_, err := a.PutBytes(ctx, data, key)
			return err
		})
}

// Delete 删除对象本身；key 不是对象时按合成目录删除名字以 key+"/" 开头的所有对象
func (a *Adapter) Delete(ctx context.Context, key string) error {
	key, err := storage.CleanKey(key)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: refusing to delete backend root", storage.ErrInvalidKey)
	}

	// 1. 精确命中：松散对象和归档都走这条路，不遍历桶
	_, err = a.obs.GetInfo(ctx, key)
	if err == nil {
		return a.deleteName(ctx, key)
	}
	if !errors.Is(err, jetstream.ErrObjectNotFound) {
		return classify(fmt.Errorf("nats get info failed: %w", err))
	}

	// 2. 合成目录 (或早已删除的 key)：只有这里需要列出整个桶
	infos, err := a.all(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, key+"/") {
			continue
		}
		if err := a.deleteName(ctx, info.Name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deleteName(ctx context.Context, name string) error {
	if err := a.obs.Delete(ctx, name); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
		return classify(fmt.Errorf("nats delete %s failed: %w", name, err))
	}
	return nil
}
