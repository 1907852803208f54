package service

import (
	"context"
	"errors"
	"fmt"

	"repovault/pkg/gateway"
	"repovault/pkg/types"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// taxonomy 是错误分类与 gRPC 状态码的一一对应
var taxonomy = []struct {
	err  error
	code codes.Code
}{
	// Corruption 必须先于 NotFound 判断：悬空引用不能被当作"不存在"
	{types.ErrCorruption, codes.DataLoss},
	{types.ErrNotFound, codes.NotFound},
	{types.ErrMutability, codes.FailedPrecondition},
	{types.ErrBackendUnavailable, codes.Unavailable},
	{types.ErrConflict, codes.AlreadyExists},
}

// toStatus 把网关错误转换成 gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, gateway.ErrIsDirectory):
		// 与其他参数错误共用 InvalidArgument，客户端不做反向映射
		return status.Error(codes.InvalidArgument, err.Error())
	}
	for _, t := range taxonomy {
		if errors.Is(err, t.err) {
			return status.Error(t.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus 是 toStatus 的逆映射，客户端用它恢复 errors.Is 语义
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}
	for _, t := range taxonomy {
		if st.Code() == t.code {
			return fmt.Errorf("%w: %s", t.err, st.Message())
		}
	}
	return err
}
