package participant

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

// RetryingClient repeats calls that fail with a retryable error.
type RetryingClient struct {
	Client

	attempts uint64
	base     time.Duration
}

func NewRetryingClient(c Client, attempts uint64, base time.Duration) *RetryingClient {
	if attempts == 0 {
		attempts = 7
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &RetryingClient{Client: c, attempts: attempts, base: base}
}

func (c *RetryingClient) do(ctx context.Context, method string, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.attempts, retry.NewFibonacci(c.base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := f(ctx)
		if rserror.IsRetryable(err) {
			rslog.Zero.Debug().Err(err).Str("method", method).Msg("participant client: retrying call")
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *RetryingClient) BeginDonating(ctx context.Context, req *donor.StartDonatingRequest) (doc *qdb.DonorDoc, err error) {
	err = c.do(ctx, "BeginDonating", func(ctx context.Context) error {
		doc, err = c.Client.BeginDonating(ctx, req)
		return err
	})
	return doc, err
}

func (c *RetryingClient) BeginCloning(ctx context.Context, req *recipient.BeginCloningRequest) (doc *qdb.RecipientDoc, err error) {
	err = c.do(ctx, "BeginCloning", func(ctx context.Context) error {
		doc, err = c.Client.BeginCloning(ctx, req)
		return err
	})
	return doc, err
}

func (c *RetryingClient) ReportProgress(ctx context.Context, opID string) (p *Progress, err error) {
	err = c.do(ctx, "ReportProgress", func(ctx context.Context) error {
		p, err = c.Client.ReportProgress(ctx, opID)
		return err
	})
	return p, err
}

func (c *RetryingClient) BlockWrites(ctx context.Context, opID string) (doc *qdb.DonorDoc, err error) {
	err = c.do(ctx, "BlockWrites", func(ctx context.Context) error {
		doc, err = c.Client.BlockWrites(ctx, opID)
		return err
	})
	return doc, err
}

func (c *RetryingClient) Commit(ctx context.Context, opID string, role Role) error {
	return c.do(ctx, "Commit", func(ctx context.Context) error {
		return c.Client.Commit(ctx, opID, role)
	})
}

func (c *RetryingClient) Abort(ctx context.Context, opID string, role Role, reason *qdb.ErrorInfo) error {
	return c.do(ctx, "Abort", func(ctx context.Context) error {
		return c.Client.Abort(ctx, opID, role, reason)
	})
}

func (c *RetryingClient) Forget(ctx context.Context, opID string, role Role) error {
	return c.do(ctx, "Forget", func(ctx context.Context) error {
		return c.Client.Forget(ctx, opID, role)
	})
}

func (c *RetryingClient) ReadSnapshot(ctx context.Context, opID string, at uint64) (snap *datashard.Snapshot, err error) {
	err = c.do(ctx, "ReadSnapshot", func(ctx context.Context) error {
		snap, err = c.Client.ReadSnapshot(ctx, opID, at)
		return err
	})
	return snap, err
}

func (c *RetryingClient) ReadChanges(ctx context.Context, opID string, after uint64, limit int) (batch *datashard.ChangeBatch, err error) {
	err = c.do(ctx, "ReadChanges", func(ctx context.Context) error {
		batch, err = c.Client.ReadChanges(ctx, opID, after, limit)
		return err
	})
	return batch, err
}
