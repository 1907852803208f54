package service

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"repovault/pkg/app"
	"repovault/pkg/meta"
	"repovault/pkg/storage"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// setupTestApp 是所有 Service 测试共享的基础设施初始化逻辑
func setupTestApp(t *testing.T) *app.App {
	t.Helper()
	tmpDir := t.TempDir()

	a, err := app.New(context.Background(), app.Config{
		Storage: app.StorageConfig{
			Name: "local",
			Kind: "disk",
			Path: filepath.Join(tmpDir, "objects"),
		},
		Database: meta.Config{
			Driver:   "sqlite",
			Path:     filepath.Join(tmpDir, "index.db"),
			LogLevel: "silent",
		},
		Retry: storage.DefaultRetryConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// =============================================================================
// Mocks (模拟 gRPC 流的行为)
// =============================================================================

// MockUploadStream 模拟客户端流式发送
type MockUploadStream struct {
	grpc.ServerStream // 嵌入以满足接口，只覆盖用到的方法
	Ctx               context.Context
	Requests          []*UploadRequest // 预设的输入队列
	cursor            int
	Response          *EntryResponse // 捕获最终响应
}

func (m *MockUploadStream) Context() context.Context {
	if m.Ctx == nil {
		return context.Background()
	}
	return m.Ctx
}

func (m *MockUploadStream) Recv() (*UploadRequest, error) {
	if m.cursor >= len(m.Requests) {
		return nil, io.EOF
	}
	req := m.Requests[m.cursor]
	m.cursor++
	return req, nil
}

func (m *MockUploadStream) SendAndClose(resp *EntryResponse) error {
	m.Response = resp
	return nil
}

// MockDownloadStream 模拟服务端流式发送
type MockDownloadStream struct {
	grpc.ServerStream
	Ctx    context.Context
	Frames []*DownloadResponse
}

func (m *MockDownloadStream) Context() context.Context {
	if m.Ctx == nil {
		return context.Background()
	}
	return m.Ctx
}

func (m *MockDownloadStream) Send(resp *DownloadResponse) error {
	// Send 之后调用方可能复用 Chunk 的底层数组
	frame := *resp
	frame.Chunk = append([]byte(nil), resp.Chunk...)
	m.Frames = append(m.Frames, &frame)
	return nil
}

func (m *MockDownloadStream) content() []byte {
	var out []byte
	for _, f := range m.Frames {
		out = append(out, f.Chunk...)
	}
	return out
}
