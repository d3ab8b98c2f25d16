package participant

import (
	"context"

	"go.uber.org/atomic"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/qdb"
)

// LocalClient calls a Service in the same process. SetReachable(false)
// makes every call fail the way an unreachable node does.
type LocalClient struct {
	shardID   string
	svc       Service
	reachable atomic.Bool
}

var _ Client = &LocalClient{}

func NewLocalClient(shardID string, svc Service) *LocalClient {
	c := &LocalClient{shardID: shardID, svc: svc}
	c.reachable.Store(true)
	return c
}

func (c *LocalClient) SetReachable(ok bool) {
	c.reachable.Store(ok)
}

func (c *LocalClient) check() error {
	if !c.reachable.Load() {
		return rserror.NewRetryable(rserror.RS_CONNECTION_ERROR, "shard %s is unreachable", c.shardID)
	}
	return nil
}

func (c *LocalClient) BeginDonating(ctx context.Context, req *donor.StartDonatingRequest) (*qdb.DonorDoc, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.BeginDonating(ctx, req)
}

func (c *LocalClient) BeginCloning(ctx context.Context, req *recipient.BeginCloningRequest) (*qdb.RecipientDoc, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.BeginCloning(ctx, req)
}

func (c *LocalClient) ReportProgress(ctx context.Context, opID string) (*Progress, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.ReportProgress(ctx, opID)
}

func (c *LocalClient) BlockWrites(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.BlockWrites(ctx, opID)
}

func (c *LocalClient) Commit(ctx context.Context, opID string, role Role) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.svc.Commit(ctx, opID, role)
}

func (c *LocalClient) Abort(ctx context.Context, opID string, role Role, reason *qdb.ErrorInfo) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.svc.Abort(ctx, opID, role, reason)
}

func (c *LocalClient) Forget(ctx context.Context, opID string, role Role) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.svc.Forget(ctx, opID, role)
}

func (c *LocalClient) ReadSnapshot(ctx context.Context, opID string, at uint64) (*datashard.Snapshot, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.ReadSnapshot(ctx, opID, at)
}

func (c *LocalClient) ReadChanges(ctx context.Context, opID string, after uint64, limit int) (*datashard.ChangeBatch, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.svc.ReadChanges(ctx, opID, after, limit)
}

func (c *LocalClient) Close() error {
	return nil
}
