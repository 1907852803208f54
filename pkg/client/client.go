package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"repovault/pkg/service"
	"repovault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// UploadChunkSize 是 Upload 每帧携带的字节数
const UploadChunkSize = 1024 * 1024

// RVClient 封装了与 repovault 服务端的连接。
// 返回的错误已经还原为 types 中的错误分类，可以直接 errors.Is。
type RVClient struct {
	conn *grpc.ClientConn
}

// NewRVClient 创建并初始化客户端
// 它不等待连接就绪，网络不通会在第一次调用时报错
func NewRVClient(addr string, extra ...grpc.DialOption) (*RVClient, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(service.CodecName),
			grpc.MaxCallRecvMsgSize(1024*1024*1024), // 1GB
			grpc.MaxCallSendMsgSize(1024*1024*1024), // 1GB
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		// 这里的 err 通常只是配置错误（如地址格式不对）
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &RVClient{conn: conn}, nil
}

// Close 关闭底层连接
func (c *RVClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *RVClient) invoke(ctx context.Context, method string, req, resp any) error {
	return service.FromStatus(c.conn.Invoke(ctx, service.FullMethod(method), req, resp))
}

// PutOptions 对应服务端的 WithMetadata / Overwrite
type PutOptions struct {
	Metadata  json.RawMessage
	Overwrite bool
}

func (c *RVClient) Put(ctx context.Context, entity types.EntityID, path string, data []byte, o PutOptions) (types.Entry, error) {
	var resp service.EntryResponse
	err := c.invoke(ctx, "Put", &service.PutRequest{
		Entity:    string(entity),
		Path:      path,
		Data:      data,
		Metadata:  o.Metadata,
		Overwrite: o.Overwrite,
	}, &resp)
	if err != nil {
		return types.Entry{}, err
	}
	return resp.Entry.Entry(entity), nil
}

func (c *RVClient) Get(ctx context.Context, entity types.EntityID, path string) (types.Entry, []byte, error) {
	var resp service.GetResponse
	if err := c.invoke(ctx, "Get", &service.PathRequest{Entity: string(entity), Path: path}, &resp); err != nil {
		return types.Entry{}, nil, err
	}
	return resp.Entry.Entry(entity), resp.Data, nil
}

func (c *RVClient) Stat(ctx context.Context, entity types.EntityID, path string) (types.Entry, error) {
	var resp service.EntryResponse
	if err := c.invoke(ctx, "Stat", &service.PathRequest{Entity: string(entity), Path: path}, &resp); err != nil {
		return types.Entry{}, err
	}
	return resp.Entry.Entry(entity), nil
}

func (c *RVClient) List(ctx context.Context, entity types.EntityID, path string) ([]types.Entry, error) {
	var resp service.ListResponse
	if err := c.invoke(ctx, "List", &service.PathRequest{Entity: string(entity), Path: path}, &resp); err != nil {
		return nil, err
	}
	return fromWire(entity, resp.Entries), nil
}

func (c *RVClient) Delete(ctx context.Context, entity types.EntityID, path string) ([]types.Entry, error) {
	var resp service.ListResponse
	if err := c.invoke(ctx, "Delete", &service.PathRequest{Entity: string(entity), Path: path}, &resp); err != nil {
		return nil, err
	}
	return fromWire(entity, resp.Entries), nil
}

func (c *RVClient) Seal(ctx context.Context, entity types.EntityID) (string, error) {
	var resp service.SealResponse
	if err := c.invoke(ctx, "Seal", &service.EntityRequest{Entity: string(entity)}, &resp); err != nil {
		return "", err
	}
	return resp.ArchiveKey, nil
}

func (c *RVClient) IsSealed(ctx context.Context, entity types.EntityID) (bool, error) {
	var resp service.SealedResponse
	if err := c.invoke(ctx, "IsSealed", &service.EntityRequest{Entity: string(entity)}, &resp); err != nil {
		return false, err
	}
	return resp.Sealed, nil
}

func (c *RVClient) Sweep(ctx context.Context, limit int) (service.SweepResponse, error) {
	var resp service.SweepResponse
	err := c.invoke(ctx, "Sweep", &service.SweepRequest{Limit: limit}, &resp)
	return resp, err
}

// =============================================================================
// Streaming
// =============================================================================

var (
	uploadDesc   = grpc.StreamDesc{StreamName: "Upload", ClientStreams: true}
	downloadDesc = grpc.StreamDesc{StreamName: "Download", ServerStreams: true}
)

// Upload 分帧上传 r 的全部内容
func (c *RVClient) Upload(ctx context.Context, entity types.EntityID, path string, r io.Reader, o PutOptions) (types.Entry, error) {
	cs, err := c.conn.NewStream(ctx, &uploadDesc, service.FullMethod("Upload"))
	if err != nil {
		return types.Entry{}, service.FromStatus(err)
	}
	stream := &grpc.GenericClientStream[service.UploadRequest, service.EntryResponse]{ClientStream: cs}

	// 1. Header 帧
	header := &service.PutRequest{
		Entity:    string(entity),
		Path:      path,
		Metadata:  o.Metadata,
		Overwrite: o.Overwrite,
	}
	if err := stream.Send(&service.UploadRequest{Header: header}); err != nil {
		return types.Entry{}, c.sendFailed(stream, err)
	}

	// 2. 数据帧
	buf := make([]byte, UploadChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := stream.Send(&service.UploadRequest{Chunk: buf[:n]}); err != nil {
				return types.Entry{}, c.sendFailed(stream, err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return types.Entry{}, fmt.Errorf("read upload source: %w", rerr)
		}
	}

	// 3. 等待提交结果
	resp, err := stream.CloseAndRecv()
	if err != nil {
		return types.Entry{}, service.FromStatus(err)
	}
	return resp.Entry.Entry(entity), nil
}

// sendFailed: Send 返回 io.EOF 时真正的错误要从 CloseAndRecv 取得
func (c *RVClient) sendFailed(stream grpc.ClientStreamingClient[service.UploadRequest, service.EntryResponse], err error) error {
	if errors.Is(err, io.EOF) {
		_, err = stream.CloseAndRecv()
	}
	return service.FromStatus(err)
}

// Download 把文件内容写入 w，返回其索引条目
func (c *RVClient) Download(ctx context.Context, entity types.EntityID, path string, w io.Writer) (types.Entry, error) {
	cs, err := c.conn.NewStream(ctx, &downloadDesc, service.FullMethod("Download"))
	if err != nil {
		return types.Entry{}, service.FromStatus(err)
	}
	stream := &grpc.GenericClientStream[service.PathRequest, service.DownloadResponse]{ClientStream: cs}
	if err := stream.SendMsg(&service.PathRequest{Entity: string(entity), Path: path}); err != nil {
		return types.Entry{}, service.FromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		return types.Entry{}, service.FromStatus(err)
	}

	var entry types.Entry
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return entry, nil
		}
		if err != nil {
			return entry, service.FromStatus(err)
		}
		if msg.Entry != nil {
			entry = msg.Entry.Entry(entity)
		}
		if len(msg.Chunk) > 0 {
			if _, err := w.Write(msg.Chunk); err != nil {
				return entry, err
			}
		}
	}
}

func fromWire(entity types.EntityID, in []service.Entry) []types.Entry {
	out := make([]types.Entry, 0, len(in))
	for _, w := range in {
		out = append(out, w.Entry(entity))
	}
	return out
}
