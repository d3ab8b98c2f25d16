package participant

import (
	"context"

	"google.golang.org/grpc"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/qdb"
)

const serviceName = "reshard.Participant"

type OperationRequest struct {
	OperationID string `json:"operation_id"`
}

type RoleRequest struct {
	OperationID string         `json:"operation_id"`
	Role        Role           `json:"role"`
	Reason      *qdb.ErrorInfo `json:"reason,omitempty"`
}

type SnapshotRequest struct {
	OperationID string `json:"operation_id"`
	At          uint64 `json:"at"`
}

type ChangesRequest struct {
	OperationID string `json:"operation_id"`
	After       uint64 `json:"after"`
	Limit       int    `json:"limit"`
}

type Empty struct{}

func unary[Req, Resp any](name string, call func(Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(Service), ctx, req.(*Req))
				if err != nil {
					return nil, ToStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + name,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unary("BeginDonating", func(s Service, ctx context.Context, in *donor.StartDonatingRequest) (*qdb.DonorDoc, error) {
			return s.BeginDonating(ctx, in)
		}),
		unary("BeginCloning", func(s Service, ctx context.Context, in *recipient.BeginCloningRequest) (*qdb.RecipientDoc, error) {
			return s.BeginCloning(ctx, in)
		}),
		unary("ReportProgress", func(s Service, ctx context.Context, in *OperationRequest) (*Progress, error) {
			return s.ReportProgress(ctx, in.OperationID)
		}),
		unary("BlockWrites", func(s Service, ctx context.Context, in *OperationRequest) (*qdb.DonorDoc, error) {
			return s.BlockWrites(ctx, in.OperationID)
		}),
		unary("Commit", func(s Service, ctx context.Context, in *RoleRequest) (*Empty, error) {
			return &Empty{}, s.Commit(ctx, in.OperationID, in.Role)
		}),
		unary("Abort", func(s Service, ctx context.Context, in *RoleRequest) (*Empty, error) {
			return &Empty{}, s.Abort(ctx, in.OperationID, in.Role, in.Reason)
		}),
		unary("Forget", func(s Service, ctx context.Context, in *RoleRequest) (*Empty, error) {
			return &Empty{}, s.Forget(ctx, in.OperationID, in.Role)
		}),
		unary("ReadSnapshot", func(s Service, ctx context.Context, in *SnapshotRequest) (*datashard.Snapshot, error) {
			return s.ReadSnapshot(ctx, in.OperationID, in.At)
		}),
		unary("ReadChanges", func(s Service, ctx context.Context, in *ChangesRequest) (*datashard.ChangeBatch, error) {
			return s.ReadChanges(ctx, in.OperationID, in.After, in.Limit)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "participant",
}

func RegisterService(server grpc.ServiceRegistrar, svc Service) {
	server.RegisterService(&serviceDesc, svc)
}
