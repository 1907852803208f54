package service

import (
	"errors"
	"fmt"
)

// =============================================================================
// 1. 上传方向：Chunk 帧 -> io.Reader
// =============================================================================

// UploadStream 是 Upload 用到的那部分服务端流
type UploadStream interface {
	Recv() (*UploadRequest, error)
}

// ChunkReader 将上传流的 Chunk 帧拼接成 io.Reader，交给网关的 Reader 源
type ChunkReader struct {
	stream  UploadStream
	pending []byte // 从 Recv 拿到、还没被 Read 读走的数据
	err     error  // 流的终止状态 (如 io.EOF)
}

func NewChunkReader(stream UploadStream) *ChunkReader {
	return &ChunkReader{stream: stream}
}

// Read 先消费缓冲，缓冲空了再 Recv 下一帧
func (r *ChunkReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		req, err := r.stream.Recv()
		if err != nil {
			r.err = err // 记住错误 (可能是 io.EOF)
			return 0, err
		}
		if req.Header != nil {
			// Header 只允许出现在第一帧，由 Service 层处理
			r.err = errors.New("unexpected header frame in upload stream")
			return 0, r.err
		}
		// 空帧直接跳过
		r.pending = req.Chunk
	}

	copied := copy(p, r.pending)
	r.pending = r.pending[copied:]
	return copied, nil
}

// =============================================================================
// 2. 下载方向：io.Writer -> Chunk 帧
// =============================================================================

// DownloadStream 是 Download 用到的那部分服务端流
type DownloadStream interface {
	Send(*DownloadResponse) error
}

// ChunkWriter 将 io.Writer 的每次 Write 作为一个 Chunk 帧发送
type ChunkWriter struct {
	stream DownloadStream
}

func NewChunkWriter(stream DownloadStream) *ChunkWriter {
	return &ChunkWriter{stream: stream}
}

// Write 每次调用发送一帧
// Send 会立即序列化 p，所以这里不需要拷贝
func (w *ChunkWriter) Write(p []byte) (int, error) {
	if err := w.stream.Send(&DownloadResponse{Chunk: p}); err != nil {
		return 0, fmt.Errorf("grpc send failed: %w", err)
	}
	return len(p), nil
}
