package server

import (
	"log/slog"

	"repovault/pkg/gateway"
	"repovault/pkg/service"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// New 创建挂载了 Vault 服务的 gRPC Server。
// Logging 在最外层，记录的是 Recovery 转换 panic 之后的状态码。
func New(gw *gateway.Gateway, logger *slog.Logger, extra ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			UnaryLoggingInterceptor(logger),
			UnaryRecoveryInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(logger),
			StreamRecoveryInterceptor(logger),
		),
		grpc.MaxRecvMsgSize(1024 * 1024 * 1024), // 1GB，与客户端一致
	}
	opts = append(opts, extra...)

	s := grpc.NewServer(opts...)
	service.Register(s, service.NewVaultService(gw))
	reflection.Register(s)
	return s
}
