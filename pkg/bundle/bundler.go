package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"repovault/pkg/meta"
	"repovault/pkg/metrics"
	"repovault/pkg/storage"
	"repovault/pkg/types"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
)

// Index 是打包器对仓库索引的依赖 (meta.Index 满足它)
type Index interface {
	LooseFiles(ctx context.Context, entity types.EntityID) ([]types.Entry, error)
	RelinkToArchive(ctx context.Context, entity types.EntityID, archiveKey string, members []meta.ArchivedMember) error
	RecordOrphan(ctx context.Context, key, reason string) error
}

type Options struct {
	// Codec 为 CodecAuto 时逐个成员探测
	Codec Codec

	// Concurrency 并行读取松散对象的数量，<=0 时使用 NumCPU
	Concurrency int

	// HeaderCacheSize 缓存多少个归档头，<=0 时使用 128
	HeaderCacheSize int

	Retry   storage.RetryConfig
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Bundler 把一个实体的松散对象打包成单个归档，并从归档中读回成员
type Bundler struct {
	store   storage.Store
	index   Index
	codec   Codec
	workers int
	headers *lru.Cache // archive key -> *Header
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(store storage.Store, index Index, opts Options) (*Bundler, error) {
	if opts.Codec == "" {
		opts.Codec = CodecAuto
	}
	if _, err := ParseCodec(string(opts.Codec)); err != nil {
		return nil, err
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.HeaderCacheSize <= 0 {
		opts.HeaderCacheSize = 128
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New(opts.HeaderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create header cache: %w", err)
	}

	return &Bundler{
		store:   storage.WithRetry(store, opts.Retry),
		index:   index,
		codec:   opts.Codec,
		workers: opts.Concurrency,
		headers: cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// packed 是一个读取并压缩完成的成员
type packed struct {
	entry      types.Entry
	compressed []byte
	codec      Codec
	size       int64
	sum        [32]byte
}

// Bundle 打包 entity 当前所有的松散对象，返回归档 key。
// 没有松散对象时什么也不做，返回 ""。
//
// 协议:
//  1. 并行读取并逐个压缩成员
//  2. 写入归档对象
//  3. 单个索引事务把所有条目改指向 (归档, 成员)
//  4. 尽力删除已不再被引用的松散对象
//
// 第 3 步之前的任何失败都会删除归档，松散对象和索引保持原样。
func (b *Bundler) Bundle(ctx context.Context, entity types.EntityID) (archiveKey string, err error) {
	var (
		members int
		saved   int64
	)
	defer func() {
		if members > 0 || err != nil {
			b.metrics.Bundle(members, saved, err)
		}
	}()

	loose, err := b.index.LooseFiles(ctx, entity)
	if err != nil {
		return "", fmt.Errorf("failed to list loose files: %w", err)
	}
	if len(loose) == 0 {
		return "", nil
	}

	// 1. 读取 + 压缩
	items, err := b.pack(ctx, loose)
	if err != nil {
		return "", err
	}

	var builder Builder
	archived := make([]meta.ArchivedMember, 0, len(items))
	for _, it := range items {
		m := builder.Add(it.entry.Path, it.compressed, it.codec, it.size, it.sum)
		archived = append(archived, meta.ArchivedMember{
			Path:     it.entry.Path,
			LooseKey: it.entry.Locator.Key,
			ID:       m.ID,
			Codec:    string(m.Codec),
		})
		saved += it.size - int64(len(it.compressed))
	}
	data, err := builder.Bytes()
	if err != nil {
		return "", err
	}

	// 2. 写入归档
	archiveKey, err = b.store.PutBytes(ctx, data, "")
	if err != nil {
		return "", fmt.Errorf("failed to store archive: %w", err)
	}

	// 3. 改写索引 (单个事务)
	if err := b.index.RelinkToArchive(ctx, entity, archiveKey, archived); err != nil {
		b.discard(ctx, archiveKey, err)
		return "", fmt.Errorf("failed to relink entries to archive: %w", err)
	}
	members = len(archived)

	b.logger.Info("bundled loose objects",
		"entity", entity,
		"archive", archiveKey,
		"members", members,
		"bytes", len(data),
	)

	// 4. 清理松散对象 (此时已无引用，失败只产生孤儿)
	for _, m := range archived {
		if err := b.store.Delete(context.WithoutCancel(ctx), m.LooseKey); err != nil {
			b.orphan(ctx, m.LooseKey, "loose object left after bundling", err)
		}
	}
	return archiveKey, nil
}

// pack 并行读取所有成员。任一对象缺失说明索引已经损坏。
func (b *Bundler) pack(ctx context.Context, loose []types.Entry) ([]packed, error) {
	items := make([]packed, len(loose))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, e := range loose {
		g.Go(func() error {
			raw, err := storage.ReadAll(gctx, b.store, e.Locator.Key)
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("%w: %s/%s references missing key %s",
					types.ErrCorruption, e.Entity, e.Path, e.Locator.Key)
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", e.Path, err)
			}

			out, codec, err := compress(raw, b.codec)
			if err != nil {
				return fmt.Errorf("failed to compress %s: %w", e.Path, err)
			}
			items[i] = packed{
				entry:      e,
				compressed: out,
				codec:      codec,
				size:       int64(len(raw)),
				sum:        Checksum(raw),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// discard 是打包失败时的补偿动作，失败只记录孤儿，不覆盖原始错误
func (b *Bundler) discard(ctx context.Context, archiveKey string, cause error) {
	b.metrics.Compensation("bundle")
	if err := b.store.Delete(context.WithoutCancel(ctx), archiveKey); err != nil {
		b.orphan(ctx, archiveKey, "archive discarded after failed relink: "+cause.Error(), err)
	}
}

func (b *Bundler) orphan(ctx context.Context, key, reason string, err error) {
	b.logger.Warn("object orphaned; left for garbage collection",
		"key", key, "reason", reason, "error", err)
	if rerr := b.index.RecordOrphan(context.WithoutCancel(ctx), key, reason); rerr != nil {
		b.logger.Error("failed to record orphan", "key", key, "error", rerr)
	}
}

// -----------------------------------------------------------------------------
// 读取 (Resolve)
// -----------------------------------------------------------------------------

// Header 返回归档头，首次访问后缓存
func (b *Bundler) Header(ctx context.Context, archiveKey string) (*Header, error) {
	if v, ok := b.headers.Get(archiveKey); ok {
		return v.(*Header), nil
	}

	prefix, err := b.readRange(ctx, archiveKey, 0, prefixSize)
	if err != nil {
		return nil, err
	}
	n, err := parsePrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", archiveKey, err)
	}
	raw, err := b.readRange(ctx, archiveKey, prefixSize, int64(n))
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(raw, n)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", archiveKey, err)
	}

	b.headers.Add(archiveKey, h)
	return h, nil
}

// Resolve 读取归档中的一个成员：定位偏移，读取压缩长度，解压并校验
func (b *Bundler) Resolve(ctx context.Context, archiveKey string, memberID uint32) ([]byte, error) {
	h, err := b.Header(ctx, archiveKey)
	if err != nil {
		return nil, err
	}
	m, ok := h.Member(memberID)
	if !ok {
		return nil, fmt.Errorf("%w: archive %s has no member %d", types.ErrCorruption, archiveKey, memberID)
	}

	compressed, err := b.readRange(ctx, archiveKey, h.DataOffset()+m.Offset, m.CompressedLen)
	if err != nil {
		return nil, err
	}
	data, err := Extract(m, compressed)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", archiveKey, err)
	}
	return data, nil
}

// readRange 读取 [off, off+n)，长度不足或归档缺失都视为损坏
func (b *Bundler) readRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	rc, err := storage.OpenRange(ctx, b.store, key, off, n)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: archive %s is missing", types.ErrCorruption, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", key, err)
	}
	defer rc.Close()

	buf := make([]byte, n)
	if _, err := io.ReadFull(rc, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: archive %s truncated at offset %d", types.ErrCorruption, key, off)
		}
		return nil, fmt.Errorf("failed to read archive %s: %w", key, err)
	}
	return buf, nil
}

// Forget 从头缓存中移除归档 (归档被删除后调用)
func (b *Bundler) Forget(archiveKey string) {
	b.headers.Remove(archiveKey)
}
