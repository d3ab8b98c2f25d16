package participant

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

// DialFunc opens a client to the participant listening on addr.
type DialFunc func(addr string) (Client, error)

func DialGRPC(addr string) (Client, error) {
	return Dial(addr)
}

// DialRetrying dials over gRPC and retries retryable failures of every
// call with a Fibonacci backoff.
func DialRetrying(attempts uint64, base time.Duration) DialFunc {
	return func(addr string) (Client, error) {
		c, err := Dial(addr)
		if err != nil {
			return nil, err
		}
		return NewRetryingClient(c, attempts, base), nil
	}
}

// Pool maps shard ids to clients, dialling configured addresses on first
// use.
type Pool struct {
	mu      sync.Mutex
	addrs   map[string]string
	clients map[string]Client
	dial    DialFunc
}

var _ recipient.DonorReader = &Pool{}

func NewPool(addrs map[string]string, dial DialFunc) *Pool {
	if dial == nil {
		dial = DialGRPC
	}
	return &Pool{
		addrs:   maps.Clone(addrs),
		clients: map[string]Client{},
		dial:    dial,
	}
}

// Add registers an already connected client.
func (p *Pool) Add(shardID string, c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[shardID] = c
}

func (p *Pool) Get(shardID string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[shardID]; ok {
		return c, nil
	}
	addr, ok := p.addrs[shardID]
	if !ok {
		return nil, rserror.Newf(rserror.RS_INVALID_REQUEST, "unknown shard %q", shardID)
	}
	c, err := p.dial(addr)
	if err != nil {
		return nil, rserror.NewRetryable(rserror.RS_CONNECTION_ERROR, "dial shard %s at %s: %s", shardID, addr, err)
	}
	rslog.Zero.Debug().Str("shard", shardID).Str("addr", addr).Msg("participant pool: connected")
	p.clients[shardID] = c
	return c, nil
}

// Shards lists every known shard in sorted order.
func (p *Pool) Shards() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := maps.Keys(p.addrs)
	for id := range p.clients {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (p *Pool) ReadSnapshot(ctx context.Context, donorShard, opID string, at uint64) (*datashard.Snapshot, error) {
	c, err := p.Get(donorShard)
	if err != nil {
		return nil, err
	}
	return c.ReadSnapshot(ctx, opID, at)
}

func (p *Pool) ReadChanges(ctx context.Context, donorShard, opID string, after uint64, limit int) (*datashard.ChangeBatch, error) {
	c, err := p.Get(donorShard)
	if err != nil {
		return nil, err
	}
	return c.ReadChanges(ctx, opID, after, limit)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for id, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, id)
	}
	return firstErr
}
