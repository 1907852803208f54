package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"repovault/pkg/meta"
	"repovault/pkg/metrics"
	"repovault/pkg/storage"
	"repovault/pkg/types"
)

// ErrIsDirectory 对目录调用只适用于文件的操作
var ErrIsDirectory = errors.New("path is a directory")

// Index 是网关对仓库索引的依赖 (meta.Index 满足它)
type Index interface {
	IsSealed(ctx context.Context, entity types.EntityID) (bool, error)
	State(ctx context.Context, entity types.EntityID) (meta.EntityState, error)
	SetSealed(ctx context.Context, entity types.EntityID, archiveKey string) error
	Upsert(ctx context.Context, e types.Entry) (types.Entry, error)
	UpsertTree(ctx context.Context, entries []types.Entry) error
	Replace(ctx context.Context, e types.Entry) ([]types.Entry, error)
	Remove(ctx context.Context, entity types.EntityID, path string) ([]types.Entry, error)
	Lookup(ctx context.Context, entity types.EntityID, path string) (types.Entry, error)
	ListPrefix(ctx context.Context, entity types.EntityID, prefix string) ([]types.Entry, error)
	IsReferenced(ctx context.Context, key string) (bool, error)
	RecordOrphan(ctx context.Context, key, reason string) error
	Orphans(ctx context.Context, limit int) ([]meta.OrphanRecord, error)
	ForgetOrphan(ctx context.Context, id uint) error
}

// Bundler 打包与归档读取 (bundle.Bundler 满足它)
type Bundler interface {
	Bundle(ctx context.Context, entity types.EntityID) (string, error)
	Resolve(ctx context.Context, archiveKey string, memberID uint32) ([]byte, error)
}

type Options struct {
	// Retry 约束每一次后端调用 (含全部重试) 的时间预算
	Retry   storage.RetryConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gateway 让对象后端与仓库索引保持一致。
// 同一实体的写协议 (Put/Delete/Seal) 互斥，读取与写入按实体串行化。
type Gateway struct {
	store   storage.Store
	index   Index
	bundler Bundler
	locks   *entityLocks
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store storage.Store, index Index, bundler Bundler, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		store:   storage.WithRetry(store, opts.Retry),
		index:   index,
		bundler: bundler,
		locks:   newEntityLocks(),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Object 是 Get 的结果。目录的 Data 为 nil。
type Object struct {
	types.Entry
	Data []byte
}

// PutOption 调整单次 Put 的行为
type PutOption func(*putOptions)

type putOptions struct {
	metadata  json.RawMessage
	overwrite bool
}

// WithMetadata 附加调用方的元数据 (原样存入索引)
func WithMetadata(m json.RawMessage) PutOption {
	return func(o *putOptions) { o.metadata = m }
}

// Overwrite 显式覆盖已存在的路径；被替换的对象在索引提交后删除
func Overwrite() PutOption {
	return func(o *putOptions) { o.overwrite = true }
}

func (g *Gateway) ensureMutable(ctx context.Context, entity types.EntityID) error {
	sealed, err := g.index.IsSealed(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to read entity state: %w", err)
	}
	if sealed {
		return fmt.Errorf("entity %s: %w", entity, types.ErrMutability)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 写协议
// -----------------------------------------------------------------------------

// Put 写入内容并登记索引：
//  1. 实体已封存 -> ErrMutability
//  2. 写入后端，得到 key
//  3. 写索引
//  4. 第 3 步失败时删除刚写入的对象 (补偿)，补偿失败只记录孤儿
//
// 索引永远不会引用一个后端无法解析的 key。
func (g *Gateway) Put(ctx context.Context, entity types.EntityID, path string, src Source, opts ...PutOption) (entry types.Entry, err error) {
	defer func() { g.metrics.GatewayOp("put", err) }()

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := g.locks.Lock(entity)
	defer unlock()

	if err := g.ensureMutable(ctx, entity); err != nil {
		return types.Entry{}, err
	}
	if src.IsTree() {
		return g.putTree(ctx, entity, path, src, o)
	}
	if types.CleanPath(path) == "" {
		return types.Entry{}, errors.New("cannot store an object at the repository root")
	}
	if strings.HasSuffix(path, types.Separator) {
		// 以 "/" 结尾的是目录路径，内容没有地方可放
		return types.Entry{}, fmt.Errorf("cannot store content at %s: %w", path, ErrIsDirectory)
	}

	if !o.overwrite {
		// 提前发现冲突，避免无谓的上传
		if _, err := g.index.Lookup(ctx, entity, path); err == nil {
			return types.Entry{}, fmt.Errorf("%s/%s already exists: %w", entity, types.CleanPath(path), types.ErrConflict)
		} else if !errors.Is(err, types.ErrNotFound) {
			return types.Entry{}, err
		}
	}

	data, err := src.bytes()
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to read content: %w", err)
	}

	// 2. 后端
	key, err := g.store.PutBytes(ctx, data, "")
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to store object: %w", err)
	}

	// 3. 索引
	e := types.Entry{
		Entity:   entity,
		Path:     path,
		Locator:  types.Loose(key),
		Size:     int64(len(data)),
		Metadata: o.metadata,
	}
	var replaced []types.Entry
	if o.overwrite {
		replaced, err = g.index.Replace(ctx, e)
	} else {
		e, err = g.index.Upsert(ctx, e)
	}
	if err != nil {
		// 4. 补偿
		g.compensate(ctx, "put", key, err)
		return types.Entry{}, fmt.Errorf("failed to index %s/%s: %w", entity, path, err)
	}
	if o.overwrite {
		e, err = g.index.Lookup(ctx, entity, path)
		if err != nil {
			return types.Entry{}, err
		}
		g.dropObjects(ctx, replaced, "replaced by overwrite")
	}

	g.logger.Debug("object stored", "entity", entity, "path", e.Path, "key", key, "size", e.Size)
	return e, nil
}

// putTree 导入本地目录树：后端先写整棵树，再在一个索引事务里登记所有文件
func (g *Gateway) putTree(ctx context.Context, entity types.EntityID, path string, src Source, o putOptions) (types.Entry, error) {
	if o.overwrite {
		return types.Entry{}, errors.New("overwrite is not supported for tree imports")
	}
	target := types.CleanPath(path)
	if !src.contentsOnly {
		target = types.CleanPath(target + types.Separator + filepath.Base(filepath.Clean(src.dir)))
	}
	if target != "" {
		if _, err := g.index.Lookup(ctx, entity, target); err == nil {
			return types.Entry{}, fmt.Errorf("%s/%s already exists: %w", entity, target, types.ErrConflict)
		} else if !errors.Is(err, types.ErrNotFound) {
			return types.Entry{}, err
		}
	}

	root, err := g.store.PutTree(ctx, src.dir, "", src.contentsOnly)
	if err != nil {
		return types.Entry{}, fmt.Errorf("failed to store tree: %w", err)
	}

	// 以后端实际保存的内容为准登记索引
	files, err := g.walk(ctx, root)
	if err != nil {
		g.compensate(ctx, "put_tree", root, err)
		return types.Entry{}, fmt.Errorf("failed to enumerate stored tree: %w", err)
	}

	entries := make([]types.Entry, 0, len(files)+1)
	if target != "" {
		entries = append(entries, types.Entry{Entity: entity, Path: target, IsDir: true, Metadata: o.metadata})
	}
	for _, f := range files {
		rel := strings.TrimPrefix(f.Key, root+"/")
		entries = append(entries, types.Entry{
			Entity:  entity,
			Path:    strings.TrimPrefix(target+types.Separator+rel, types.Separator),
			Locator: types.Loose(f.Key),
			Size:    f.Size,
		})
	}
	if err := g.index.UpsertTree(ctx, entries); err != nil {
		g.compensate(ctx, "put_tree", root, err)
		return types.Entry{}, fmt.Errorf("failed to index tree %s/%s: %w", entity, target, err)
	}

	g.logger.Debug("tree stored", "entity", entity, "path", target, "key", root, "files", len(files))
	return g.index.Lookup(ctx, entity, target)
}

// walk 递归列出 root 下的所有对象
func (g *Gateway) walk(ctx context.Context, root string) ([]storage.Descriptor, error) {
	children, err := g.store.List(ctx, root)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil // 空目录树在对象存储里不存在
	}
	if err != nil {
		return nil, err
	}
	var out []storage.Descriptor
	for _, d := range children {
		if !d.IsDir {
			out = append(out, d)
			continue
		}
		sub, err := g.walk(ctx, d.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// Delete 删除条目 (目录连同子树)：先删索引，再删后端对象。
// 第二步失败只留下孤儿，不会让索引指向空对象。
func (g *Gateway) Delete(ctx context.Context, entity types.EntityID, path string) (removed []types.Entry, err error) {
	defer func() { g.metrics.GatewayOp("delete", err) }()

	unlock := g.locks.Lock(entity)
	defer unlock()

	if err := g.ensureMutable(ctx, entity); err != nil {
		return nil, err
	}
	removed, err = g.index.Remove(ctx, entity, path)
	if err != nil {
		return nil, err
	}
	g.dropObjects(ctx, removed, "deleted")
	return removed, nil
}

// Seal 打包实体的全部松散对象并把它标记为只读。
// 返回归档 key (没有可打包的对象时为空)；对已密封的实体重复调用只返回已有的归档 key。
func (g *Gateway) Seal(ctx context.Context, entity types.EntityID) (archiveKey string, err error) {
	defer func() { g.metrics.GatewayOp("seal", err) }()

	unlock := g.locks.Lock(entity)
	defer unlock()

	state, err := g.index.State(ctx, entity)
	if err != nil {
		return "", err
	}
	if state.Sealed {
		return state.ArchiveKey, nil
	}

	archiveKey, err = g.bundler.Bundle(ctx, entity)
	if err != nil {
		return "", fmt.Errorf("failed to bundle %s: %w", entity, err)
	}
	if err := g.index.SetSealed(ctx, entity, archiveKey); err != nil {
		// 条目已指向归档，状态仍一致；再次 Seal 会直接翻转状态
		return "", fmt.Errorf("failed to seal %s: %w", entity, err)
	}

	g.logger.Info("entity sealed", "entity", entity, "archive", archiveKey)
	return archiveKey, nil
}

// -----------------------------------------------------------------------------
// 读取
// -----------------------------------------------------------------------------

// Stat 只查索引
func (g *Gateway) Stat(ctx context.Context, entity types.EntityID, path string) (types.Entry, error) {
	unlock := g.locks.RLock(entity)
	defer unlock()
	return g.index.Lookup(ctx, entity, path)
}

// Get 返回条目和内容。目录不访问后端。
// 索引引用了无法解析的 key 时返回 ErrCorruption，而不是 ErrNotFound。
func (g *Gateway) Get(ctx context.Context, entity types.EntityID, path string) (obj *Object, err error) {
	defer func() { g.metrics.GatewayOp("get", err) }()

	unlock := g.locks.RLock(entity)
	defer unlock()

	e, err := g.index.Lookup(ctx, entity, path)
	if err != nil {
		return nil, err
	}
	if e.IsDir {
		return &Object{Entry: e}, nil
	}
	data, err := g.resolve(ctx, e)
	if err != nil {
		return nil, err
	}
	return &Object{Entry: e, Data: data}, nil
}

// Open 以流的方式读取文件。锁只覆盖打开阶段。
func (g *Gateway) Open(ctx context.Context, entity types.EntityID, path string) (rc io.ReadCloser, e types.Entry, err error) {
	defer func() { g.metrics.GatewayOp("open", err) }()

	unlock := g.locks.RLock(entity)
	defer unlock()

	e, err = g.index.Lookup(ctx, entity, path)
	if err != nil {
		return nil, types.Entry{}, err
	}
	if e.IsDir {
		return nil, types.Entry{}, fmt.Errorf("%s/%s: %w", entity, e.Path, ErrIsDirectory)
	}
	if e.Locator.IsArchived() {
		data, err := g.resolve(ctx, e)
		if err != nil {
			return nil, types.Entry{}, err
		}
		return io.NopCloser(bytes.NewReader(data)), e, nil
	}

	if err := g.confirm(ctx, e); err != nil {
		return nil, types.Entry{}, err
	}
	rc, err = g.store.Open(ctx, e.Locator.Key)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.Entry{}, g.dangling(e)
	}
	if err != nil {
		return nil, types.Entry{}, err
	}
	return rc, e, nil
}

// List 完全由索引回答，从不访问后端
func (g *Gateway) List(ctx context.Context, entity types.EntityID, path string) (entries []types.Entry, err error) {
	defer func() { g.metrics.GatewayOp("list", err) }()

	unlock := g.locks.RLock(entity)
	defer unlock()
	return g.index.ListPrefix(ctx, entity, path)
}

func (g *Gateway) IsSealed(ctx context.Context, entity types.EntityID) (bool, error) {
	unlock := g.locks.RLock(entity)
	defer unlock()
	return g.index.IsSealed(ctx, entity)
}

// resolve 按定位符读取内容：松散对象走后端，归档成员走打包器
func (g *Gateway) resolve(ctx context.Context, e types.Entry) ([]byte, error) {
	if e.Locator == nil {
		return nil, fmt.Errorf("%w: %s/%s has no object", types.ErrCorruption, e.Entity, e.Path)
	}
	if e.Locator.IsArchived() {
		return g.bundler.Resolve(ctx, e.Locator.Key, *e.Locator.Member)
	}
	if err := g.confirm(ctx, e); err != nil {
		return nil, err
	}
	data, err := storage.ReadAll(ctx, g.store, e.Locator.Key)
	if errors.Is(err, types.ErrNotFound) {
		return nil, g.dangling(e)
	}
	return data, err
}

// confirm 在读取松散对象之前用后端描述 (配置了缓存时来自 Redis) 核对 key：
// 必须存在，且大小与索引记录一致。
func (g *Gateway) confirm(ctx context.Context, e types.Entry) error {
	desc, err := g.store.Get(ctx, e.Locator.Key)
	if errors.Is(err, types.ErrNotFound) {
		return g.dangling(e)
	}
	if err != nil {
		return err
	}
	if desc.IsDir || desc.Size != e.Size {
		g.logger.Error("backend object does not match the index",
			"entity", e.Entity, "path", e.Path, "key", e.Locator.Key, "indexed", e.Size, "stored", desc.Size)
		return fmt.Errorf("%w: %s/%s expects %d bytes, key %s holds %d",
			types.ErrCorruption, e.Entity, e.Path, e.Size, e.Locator.Key, desc.Size)
	}
	return nil
}

func (g *Gateway) dangling(e types.Entry) error {
	g.logger.Error("index references an unresolvable key",
		"entity", e.Entity, "path", e.Path, "key", e.Locator.Key)
	return fmt.Errorf("%w: %s/%s references missing key %s", types.ErrCorruption, e.Entity, e.Path, e.Locator.Key)
}

// -----------------------------------------------------------------------------
// 补偿与孤儿
// -----------------------------------------------------------------------------

// compensate 删除一个索引未能登记的对象。失败只记录孤儿，原始错误由调用方返回。
func (g *Gateway) compensate(ctx context.Context, op, key string, cause error) {
	g.metrics.Compensation(op)
	ctx = context.WithoutCancel(ctx)
	if err := g.store.Delete(ctx, key); err != nil {
		g.orphan(ctx, key, op+" compensation failed after: "+cause.Error(), err)
		return
	}
	g.logger.Warn("rolled back stored object after index failure", "op", op, "key", key, "cause", cause)
}

// dropObjects 删除已从索引中移除的条目所引用的松散对象
func (g *Gateway) dropObjects(ctx context.Context, removed []types.Entry, reason string) {
	ctx = context.WithoutCancel(ctx)
	for _, e := range removed {
		// 目录没有对象；归档成员和实体共享归档，不能单独删除
		if e.Locator == nil || e.Locator.IsArchived() {
			continue
		}
		if err := g.store.Delete(ctx, e.Locator.Key); err != nil {
			g.orphan(ctx, e.Locator.Key, reason, err)
		}
	}
}

func (g *Gateway) orphan(ctx context.Context, key, reason string, err error) {
	g.logger.Warn("object orphaned; left for garbage collection", "key", key, "reason", reason, "error", err)
	if rerr := g.index.RecordOrphan(ctx, key, reason); rerr != nil {
		g.logger.Error("failed to record orphan", "key", key, "error", rerr)
	}
}

// SweepReport 汇总一次孤儿清理
type SweepReport struct {
	Deleted   int
	Skipped   int // 重新被引用的 key，只移除记录
	Remaining int
}

// Sweep 删除记录在案的孤儿对象。仍被索引引用的 key 不会被删除。
func (g *Gateway) Sweep(ctx context.Context, limit int) (report SweepReport, err error) {
	defer func() { g.metrics.GatewayOp("sweep", err) }()

	orphans, err := g.index.Orphans(ctx, limit)
	if err != nil {
		return report, err
	}
	for _, o := range orphans {
		referenced, err := g.index.IsReferenced(ctx, o.Key)
		if err != nil {
			return report, err
		}
		if referenced {
			report.Skipped++
		} else {
			if err := g.store.Delete(ctx, o.Key); err != nil {
				g.logger.Warn("sweep failed to delete orphan", "key", o.Key, "error", err)
				report.Remaining++
				continue
			}
			report.Deleted++
		}
		if err := g.index.ForgetOrphan(ctx, o.ID); err != nil {
			return report, err
		}
	}

	left, err := g.index.Orphans(ctx, 0)
	if err == nil {
		g.metrics.SetOrphans(len(left))
	}
	return report, nil
}

// For 返回绑定到单个实体的仓库句柄
func (g *Gateway) For(entity types.EntityID) *Repository {
	return &Repository{gw: g, entity: entity}
}
