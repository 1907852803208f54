package service

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceDesc 是手写的服务描述，消息经 CBOR 编码
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Put", VaultServer.Put),
		unary("Get", VaultServer.Get),
		unary("Stat", VaultServer.Stat),
		unary("List", VaultServer.List),
		unary("Delete", VaultServer.Delete),
		unary("Seal", VaultServer.Seal),
		unary("IsSealed", VaultServer.IsSealed),
		unary("Sweep", VaultServer.Sweep),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Upload",
			Handler:       uploadHandler,
			ClientStreams: true,
		},
		{
			StreamName:    "Download",
			Handler:       downloadHandler,
			ServerStreams: true,
		},
	},
	Metadata: "repovault/v1/vault",
}

// FullMethod 返回方法的全限定名，如 /repovault.v1.Vault/Put
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary 生成一元方法的 MethodDesc，等价于 protoc 生成的 _Handler 函数
func unary[Req, Resp any](name string, call func(VaultServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VaultServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(VaultServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func uploadHandler(srv any, stream grpc.ServerStream) error {
	return srv.(VaultServer).Upload(&grpc.GenericServerStream[UploadRequest, EntryResponse]{ServerStream: stream})
}

func downloadHandler(srv any, stream grpc.ServerStream) error {
	in := new(PathRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(VaultServer).Download(in, &grpc.GenericServerStream[PathRequest, DownloadResponse]{ServerStream: stream})
}
