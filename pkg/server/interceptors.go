package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLoggingInterceptor 记录每个一元请求的方法、状态码与耗时
func UnaryLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(ctx, logger, "Unary", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor 负责拦截流式请求 (Upload / Download)
func StreamLoggingInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(ss.Context(), logger, "Stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

// levelFor 按状态码决定日志级别：调用方的错误算 Warn，数据或服务端问题算 Error
func levelFor(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func logRPC(ctx context.Context, logger *slog.Logger, kind, method string, duration time.Duration, err error) {
	code := status.Code(err)
	attrs := []slog.Attr{
		slog.String("kind", kind),
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Duration("dur", duration),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	logger.LogAttrs(ctx, levelFor(code), "gRPC Request", attrs...)
}

// =============================================================================
// 2. Recovery Interceptor (防弹衣)
// =============================================================================

// UnaryRecoveryInterceptor 捕获 Panic
func UnaryRecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, info.FullMethod, r)
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor 捕获 Panic
func StreamRecoveryInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recoverFromPanic(logger, info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recoverFromPanic(logger *slog.Logger, method string, p any) error {
	logger.Error("panic recovered",
		slog.String("method", method),
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
	// 返回 Internal 错误给客户端，而不是直接断开连接
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
