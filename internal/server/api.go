package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ydb-platform/storage-manager/internal/service"
)

const ServiceName = "storagemanager.v1.StorageManager"

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(context.Context, service.Service, *Req) (*Resp, error)) grpc.MethodDesc {
	handle := func(ctx context.Context, svc service.Service, in *Req) (any, error) {
		out, err := call(ctx, svc, in)
		if err != nil {
			return nil, toStatus(err)
		}
		return out, nil
	}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(service.Service)
			if interceptor == nil {
				return handle(ctx, svc, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return handle(ctx, svc, req.(*Req))
			})
		},
	}
}

type empty = emptypb.Empty

// Requests and replies are protobuf well-known types: device specifiers and
// object paths travel as StringValue, path lists as ListValue and object
// properties as Struct.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*service.Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("Reset", func(ctx context.Context, svc service.Service, _ *empty) (*empty, error) {
			return &empty{}, svc.Reset(ctx)
		}),
		unary("Exit", func(ctx context.Context, svc service.Service, _ *empty) (*empty, error) {
			return &empty{}, svc.Exit(ctx)
		}),
		unary("ListDevices", func(ctx context.Context, svc service.Service, _ *empty) (*structpb.ListValue, error) {
			paths, err := svc.ListDevices(ctx)
			return pathList(paths), err
		}),
		unary("ResolveDevice", func(ctx context.Context, svc service.Service, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
			path, err := svc.ResolveDevice(ctx, in.GetValue())
			return wrapperspb.String(path), err
		}),
		unary("RemoveDevice", func(ctx context.Context, svc service.Service, in *wrapperspb.StringValue) (*empty, error) {
			return &empty{}, svc.RemoveDevice(ctx, in.GetValue())
		}),
		unary("InitializeDisk", func(ctx context.Context, svc service.Service, in *wrapperspb.StringValue) (*empty, error) {
			return &empty{}, svc.InitializeDisk(ctx, in.GetValue())
		}),
		unary("DescribeObject", func(ctx context.Context, svc service.Service, in *wrapperspb.StringValue) (*structpb.Struct, error) {
			props, err := svc.DescribeObject(ctx, in.GetValue())
			if err != nil {
				return nil, err
			}
			return propertiesStruct(props)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storagemanager/v1/storage_manager.proto",
}
