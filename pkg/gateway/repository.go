package gateway

import (
	"context"
	"io"

	"repovault/pkg/types"
)

// Repository 是单个实体的仓库句柄，所有调用转发给网关
type Repository struct {
	gw     *Gateway
	entity types.EntityID
}

func (r *Repository) Entity() types.EntityID { return r.entity }

func (r *Repository) Put(ctx context.Context, path string, src Source, opts ...PutOption) (types.Entry, error) {
	return r.gw.Put(ctx, r.entity, path, src, opts...)
}

func (r *Repository) Get(ctx context.Context, path string) (*Object, error) {
	return r.gw.Get(ctx, r.entity, path)
}

func (r *Repository) Open(ctx context.Context, path string) (io.ReadCloser, types.Entry, error) {
	return r.gw.Open(ctx, r.entity, path)
}

func (r *Repository) Stat(ctx context.Context, path string) (types.Entry, error) {
	return r.gw.Stat(ctx, r.entity, path)
}

func (r *Repository) List(ctx context.Context, path string) ([]types.Entry, error) {
	return r.gw.List(ctx, r.entity, path)
}

func (r *Repository) Delete(ctx context.Context, path string) ([]types.Entry, error) {
	return r.gw.Delete(ctx, r.entity, path)
}

func (r *Repository) Seal(ctx context.Context) (string, error) {
	return r.gw.Seal(ctx, r.entity)
}

func (r *Repository) IsSealed(ctx context.Context) (bool, error) {
	return r.gw.IsSealed(ctx, r.entity)
}
