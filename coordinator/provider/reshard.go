package provider

import (
	"context"

	"google.golang.org/grpc"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/qdb"
)

const serviceName = "reshard.Coordinator"

type OperationRequest struct {
	OperationID string `json:"operation_id"`
}

type OperationReply struct {
	OperationID string `json:"operation_id"`
}

type ListReply struct {
	Operations []*coordinator.ReshardStatus `json:"operations"`
}

type Empty struct{}

// ReshardService is the operator facing API of the coordinator.
type ReshardService struct {
	impl coordinator.Coordinator
}

func NewReshardService(impl coordinator.Coordinator) *ReshardService {
	return &ReshardService{impl: impl}
}

func (s *ReshardService) checkWritable() error {
	if s.impl.IsReadOnly() {
		return rserror.NewRetryable(rserror.RS_CONFLICTING_OPERATION, "coordinator is in read-only mode")
	}
	return nil
}

func (s *ReshardService) ShardCollection(ctx context.Context, req *coordinator.ShardRequest) (*qdb.CollectionMetadata, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	return s.impl.ShardCollection(ctx, req)
}

func (s *ReshardService) ReshardCollection(ctx context.Context, req *coordinator.ReshardRequest) (*OperationReply, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	id, err := s.impl.ReshardCollection(ctx, req)
	if err != nil {
		return nil, err
	}
	return &OperationReply{OperationID: id}, nil
}

func (s *ReshardService) AbortReshard(ctx context.Context, req *OperationRequest) (*Empty, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	return &Empty{}, s.impl.AbortReshard(ctx, req.OperationID)
}

func (s *ReshardService) GetReshardStatus(ctx context.Context, req *OperationRequest) (*coordinator.ReshardStatus, error) {
	return s.impl.GetReshardStatus(ctx, req.OperationID)
}

func (s *ReshardService) ListOperations(ctx context.Context, _ *Empty) (*ListReply, error) {
	ops, err := s.impl.ListOperations(ctx)
	if err != nil {
		return nil, err
	}
	return &ListReply{Operations: ops}, nil
}

func (s *ReshardService) GetStatistics(context.Context, *Empty) (*statistics.Snapshot, error) {
	return s.impl.GetStatistics(), nil
}

func unary[Req, Resp any](name string, call func(*ReshardService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(*ReshardService), ctx, req.(*Req))
				if err != nil {
					return nil, participant.ToStatus(err)
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
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("ShardCollection", (*ReshardService).ShardCollection),
		unary("ReshardCollection", (*ReshardService).ReshardCollection),
		unary("AbortReshard", (*ReshardService).AbortReshard),
		unary("GetReshardStatus", (*ReshardService).GetReshardStatus),
		unary("ListOperations", (*ReshardService).ListOperations),
		unary("GetStatistics", (*ReshardService).GetStatistics),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator",
}

func RegisterReshardService(server grpc.ServiceRegistrar, s *ReshardService) {
	server.RegisterService(&serviceDesc, s)
}
