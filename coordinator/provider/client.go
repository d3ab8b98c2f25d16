package provider

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/qdb"
)

// Client talks to a coordinator's ReshardService.
type Client struct {
	conn *grpc.ClientConn
}

func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(participant.CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return participant.FromStatus(c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out))
}

func (c *Client) ShardCollection(ctx context.Context, req *coordinator.ShardRequest) (*qdb.CollectionMetadata, error) {
	out := new(qdb.CollectionMetadata)
	if err := c.invoke(ctx, "ShardCollection", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReshardCollection(ctx context.Context, req *coordinator.ReshardRequest) (string, error) {
	out := new(OperationReply)
	if err := c.invoke(ctx, "ReshardCollection", req, out); err != nil {
		return "", err
	}
	return out.OperationID, nil
}

func (c *Client) AbortReshard(ctx context.Context, opID string) error {
	return c.invoke(ctx, "AbortReshard", &OperationRequest{OperationID: opID}, &Empty{})
}

func (c *Client) GetReshardStatus(ctx context.Context, opID string) (*coordinator.ReshardStatus, error) {
	out := new(coordinator.ReshardStatus)
	if err := c.invoke(ctx, "GetReshardStatus", &OperationRequest{OperationID: opID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListOperations(ctx context.Context) ([]*coordinator.ReshardStatus, error) {
	out := new(ListReply)
	if err := c.invoke(ctx, "ListOperations", &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Operations, nil
}

func (c *Client) GetStatistics(ctx context.Context) (*statistics.Snapshot, error) {
	out := new(statistics.Snapshot)
	if err := c.invoke(ctx, "GetStatistics", &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
