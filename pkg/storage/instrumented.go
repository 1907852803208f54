package storage

import (
	"context"
	"io"
	"time"

	"repovault/pkg/metrics"
)

// InstrumentedStore 记录每个后端调用的次数、耗时和结果
type InstrumentedStore struct {
	Store
	m *metrics.Metrics
}

// Instrument wraps s; a nil m returns s unchanged.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &InstrumentedStore{Store: s, m: m}
}

func (i *InstrumentedStore) observe(op string, start time.Time, err error) {
	i.m.BackendOp(i.Kind(), op, time.Since(start).Seconds(), err)
}

func (i *InstrumentedStore) List(ctx context.Context, key string) (_ []Descriptor, err error) {
	defer func(start time.Time) { i.observe("list", start, err) }(time.Now())
	return i.Store.List(ctx, key)
}

func (i *InstrumentedStore) Get(ctx context.Context, key string) (_ Descriptor, err error) {
	defer func(start time.Time) { i.observe("get", start, notFoundIsOK(err)) }(time.Now())
	return i.Store.Get(ctx, key)
}

func (i *InstrumentedStore) Open(ctx context.Context, key string) (_ io.ReadCloser, err error) {
	defer func(start time.Time) { i.observe("open", start, err) }(time.Now())
	return i.Store.Open(ctx, key)
}

func (i *InstrumentedStore) OpenRange(ctx context.Context, key string, offset, length int64) (_ io.ReadCloser, err error) {
	defer func(start time.Time) { i.observe("open_range", start, err) }(time.Now())
	return OpenRange(ctx, i.Store, key, offset, length)
}

func (i *InstrumentedStore) PutBytes(ctx context.Context, data []byte, key string) (_ string, err error) {
	defer func(start time.Time) {
		i.observe("put", start, err)
		if err == nil {
			i.m.BackendBytes(i.Kind(), "in", len(data))
		}
	}(time.Now())
	return i.Store.PutBytes(ctx, data, key)
}

func (i *InstrumentedStore) PutTree(ctx context.Context, dir, key string, contentsOnly bool) (_ string, err error) {
	defer func(start time.Time) { i.observe("put_tree", start, err) }(time.Now())
	return i.Store.PutTree(ctx, dir, key, contentsOnly)
}

func (i *InstrumentedStore) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { i.observe("delete", start, err) }(time.Now())
	return i.Store.Delete(ctx, key)
}

// 存在性探测返回 NotFound 是正常结果
func notFoundIsOK(err error) error {
	if err == ErrNotFound {
		return nil
	}
	return err
}
