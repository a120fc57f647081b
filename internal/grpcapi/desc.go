// Package grpcapi serves the ledger over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the REST API.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bankcore.v1.Ledger"

// Method names of ServiceName.
const (
	MethodInfo              = "Info"
	MethodDeposit           = "Deposit"
	MethodWithdraw          = "Withdraw"
	MethodTransferByPhone   = "TransferByPhone"
	MethodTransferByAccount = "TransferByAccount"
	MethodListAccounts      = "ListAccounts"
	MethodGetAccount        = "GetAccount"
	MethodOpenAccount       = "OpenAccount"
	MethodOnboard           = "Onboard"
	MethodUpdateAccount     = "UpdateAccount"
	MethodHistory           = "History"
)

// FullMethod returns "/bankcore.v1.Ledger/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// LedgerServer is the server API of ServiceName.
type LedgerServer interface {
	Info(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Withdraw(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferByPhone(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransferByAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAccounts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Onboard(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, call unaryCall) grpc.MethodDesc {
	full := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes ServiceName for grpc.Server.RegisterService.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodInfo, LedgerServer.Info),
		method(MethodDeposit, LedgerServer.Deposit),
		method(MethodWithdraw, LedgerServer.Withdraw),
		method(MethodTransferByPhone, LedgerServer.TransferByPhone),
		method(MethodTransferByAccount, LedgerServer.TransferByAccount),
		method(MethodListAccounts, LedgerServer.ListAccounts),
		method(MethodGetAccount, LedgerServer.GetAccount),
		method(MethodOpenAccount, LedgerServer.OpenAccount),
		method(MethodOnboard, LedgerServer.Onboard),
		method(MethodUpdateAccount, LedgerServer.UpdateAccount),
		method(MethodHistory, LedgerServer.History),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bankcore/v1/ledger.proto",
}

// RegisterLedgerServer registers srv on s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}
