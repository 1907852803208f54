package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"repovault/pkg/gateway"
	"repovault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName 是 gRPC 全限定服务名
const ServiceName = "repovault.v1.Vault"

// DefaultChunkSize 是 Download 每帧的最大字节数
const DefaultChunkSize = 1024 * 1024

// VaultServer 是 Vault 服务的服务端接口
type VaultServer interface {
	Put(context.Context, *PutRequest) (*EntryResponse, error)
	Get(context.Context, *PathRequest) (*GetResponse, error)
	Stat(context.Context, *PathRequest) (*EntryResponse, error)
	List(context.Context, *PathRequest) (*ListResponse, error)
	Delete(context.Context, *PathRequest) (*ListResponse, error)
	Seal(context.Context, *EntityRequest) (*SealResponse, error)
	IsSealed(context.Context, *EntityRequest) (*SealedResponse, error)
	Sweep(context.Context, *SweepRequest) (*SweepResponse, error)
	Upload(grpc.ClientStreamingServer[UploadRequest, EntryResponse]) error
	Download(*PathRequest, grpc.ServerStreamingServer[DownloadResponse]) error
}

// VaultService 把一致性网关暴露为 gRPC 服务
type VaultService struct {
	gw        *gateway.Gateway
	chunkSize int
}

var _ VaultServer = (*VaultService)(nil)

func NewVaultService(gw *gateway.Gateway) *VaultService {
	return &VaultService{gw: gw, chunkSize: DefaultChunkSize}
}

// Register 把服务挂到 gRPC Server 上
func Register(s grpc.ServiceRegistrar, srv VaultServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// =============================================================================
// 1. 参数校验
// =============================================================================

func entityOf(raw string) (types.EntityID, error) {
	if raw == "" {
		return "", status.Error(codes.InvalidArgument, "entity is required")
	}
	return types.EntityID(raw), nil
}

func putOptions(req *PutRequest) ([]gateway.PutOption, error) {
	var opts []gateway.PutOption
	if len(req.Metadata) > 0 {
		if !json.Valid(req.Metadata) {
			return nil, status.Error(codes.InvalidArgument, "metadata must be valid JSON")
		}
		opts = append(opts, gateway.WithMetadata(json.RawMessage(req.Metadata)))
	}
	if req.Overwrite {
		opts = append(opts, gateway.Overwrite())
	}
	return opts, nil
}

// =============================================================================
// 2. Unary RPCs
// =============================================================================

func (s *VaultService) Put(ctx context.Context, req *PutRequest) (*EntryResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	opts, err := putOptions(req)
	if err != nil {
		return nil, err
	}
	e, err := s.gw.Put(ctx, entity, req.Path, gateway.Bytes(req.Data), opts...)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResponse{Entry: toWire(e)}, nil
}

func (s *VaultService) Get(ctx context.Context, req *PathRequest) (*GetResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	obj, err := s.gw.Get(ctx, entity, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Entry: toWire(obj.Entry), Data: obj.Data}, nil
}

func (s *VaultService) Stat(ctx context.Context, req *PathRequest) (*EntryResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	e, err := s.gw.Stat(ctx, entity, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &EntryResponse{Entry: toWire(e)}, nil
}

func (s *VaultService) List(ctx context.Context, req *PathRequest) (*ListResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	entries, err := s.gw.List(ctx, entity, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListResponse{Entries: toWireList(entries)}, nil
}

func (s *VaultService) Delete(ctx context.Context, req *PathRequest) (*ListResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	removed, err := s.gw.Delete(ctx, entity, req.Path)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListResponse{Entries: toWireList(removed)}, nil
}

func (s *VaultService) Seal(ctx context.Context, req *EntityRequest) (*SealResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	key, err := s.gw.Seal(ctx, entity)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SealResponse{ArchiveKey: key}, nil
}

func (s *VaultService) IsSealed(ctx context.Context, req *EntityRequest) (*SealedResponse, error) {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return nil, err
	}
	sealed, err := s.gw.IsSealed(ctx, entity)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SealedResponse{Sealed: sealed}, nil
}

func (s *VaultService) Sweep(ctx context.Context, req *SweepRequest) (*SweepResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}
	report, err := s.gw.Sweep(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SweepResponse{
		Deleted:   report.Deleted,
		Skipped:   report.Skipped,
		Remaining: report.Remaining,
	}, nil
}

// =============================================================================
// 3. Streaming RPCs
// =============================================================================

// Upload 接收 Header 帧 + 若干 Chunk 帧，作为一次 Put 提交
func (s *VaultService) Upload(stream grpc.ClientStreamingServer[UploadRequest, EntryResponse]) error {
	first, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		return status.Error(codes.InvalidArgument, "empty upload stream")
	}
	if err != nil {
		return err
	}
	if first.Header == nil {
		return status.Error(codes.InvalidArgument, "first frame must carry the header")
	}
	req := first.Header

	entity, err := entityOf(req.Entity)
	if err != nil {
		return err
	}
	opts, err := putOptions(req)
	if err != nil {
		return err
	}

	// Header 帧里也可以直接带数据
	src := io.MultiReader(bytes.NewReader(req.Data), bytes.NewReader(first.Chunk), NewChunkReader(stream))
	e, err := s.gw.Put(stream.Context(), entity, req.Path, gateway.Reader(src), opts...)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendAndClose(&EntryResponse{Entry: toWire(e)})
}

// Download 先发送 Entry 帧，再按 chunkSize 分帧发送内容
func (s *VaultService) Download(req *PathRequest, stream grpc.ServerStreamingServer[DownloadResponse]) error {
	entity, err := entityOf(req.Entity)
	if err != nil {
		return err
	}
	rc, e, err := s.gw.Open(stream.Context(), entity, req.Path)
	if err != nil {
		return toStatus(err)
	}
	defer rc.Close()

	w := toWire(e)
	if err := stream.Send(&DownloadResponse{Entry: &w}); err != nil {
		return err
	}

	// 隐藏 WriterTo，保证每帧不超过 chunkSize
	buf := make([]byte, s.chunkSize)
	if _, err := io.CopyBuffer(NewChunkWriter(stream), struct{ io.Reader }{rc}, buf); err != nil {
		return toStatus(err)
	}
	return nil
}
