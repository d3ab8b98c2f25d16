package participant

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/qdb"
)

type GRPCClient struct {
	conn *grpc.ClientConn
}

var _ Client = &GRPCClient{}

func Dial(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in, out any) error {
	return FromStatus(c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out))
}

func (c *GRPCClient) BeginDonating(ctx context.Context, req *donor.StartDonatingRequest) (*qdb.DonorDoc, error) {
	out := new(qdb.DonorDoc)
	if err := c.invoke(ctx, "BeginDonating", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) BeginCloning(ctx context.Context, req *recipient.BeginCloningRequest) (*qdb.RecipientDoc, error) {
	out := new(qdb.RecipientDoc)
	if err := c.invoke(ctx, "BeginCloning", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) ReportProgress(ctx context.Context, opID string) (*Progress, error) {
	out := new(Progress)
	if err := c.invoke(ctx, "ReportProgress", &OperationRequest{OperationID: opID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) BlockWrites(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	out := new(qdb.DonorDoc)
	if err := c.invoke(ctx, "BlockWrites", &OperationRequest{OperationID: opID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) Commit(ctx context.Context, opID string, role Role) error {
	return c.invoke(ctx, "Commit", &RoleRequest{OperationID: opID, Role: role}, &Empty{})
}

func (c *GRPCClient) Abort(ctx context.Context, opID string, role Role, reason *qdb.ErrorInfo) error {
	return c.invoke(ctx, "Abort", &RoleRequest{OperationID: opID, Role: role, Reason: reason}, &Empty{})
}

func (c *GRPCClient) Forget(ctx context.Context, opID string, role Role) error {
	return c.invoke(ctx, "Forget", &RoleRequest{OperationID: opID, Role: role}, &Empty{})
}

func (c *GRPCClient) ReadSnapshot(ctx context.Context, opID string, at uint64) (*datashard.Snapshot, error) {
	out := new(datashard.Snapshot)
	if err := c.invoke(ctx, "ReadSnapshot", &SnapshotRequest{OperationID: opID, At: at}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) ReadChanges(ctx context.Context, opID string, after uint64, limit int) (*datashard.ChangeBatch, error) {
	out := new(datashard.ChangeBatch)
	if err := c.invoke(ctx, "ReadChanges", &ChangesRequest{OperationID: opID, After: after, Limit: limit}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
