package donor

import (
	"context"

	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

func (d *Donor) installGate(ns, opID string, stale bool) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.installGateLocked(ns, opID, stale)
}

func (d *Donor) installGateLocked(ns, opID string, stale bool) {
	if g, ok := d.gates[ns]; ok {
		if g.opID == opID && g.stale == stale {
			return
		}
		close(g.lifted)
	}
	d.gates[ns] = &gate{opID: opID, lifted: make(chan struct{}), stale: stale}
	rslog.Zero.Debug().
		Str("namespace", ns).
		Str("operation", opID).
		Bool("stale", stale).
		Msg("donor: write gate installed")
}

func (d *Donor) liftGate(ns, opID string) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if g, ok := d.gates[ns]; ok && g.opID == opID {
		close(g.lifted)
		delete(d.gates, ns)
		rslog.Zero.Debug().
			Str("namespace", ns).
			Str("operation", opID).
			Msg("donor: write gate lifted")
	}
}

func (d *Donor) liftStaleGate(ns string) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if g, ok := d.gates[ns]; ok && g.stale {
		close(g.lifted)
		delete(d.gates, ns)
		rslog.Zero.Debug().
			Str("namespace", ns).
			Str("operation", g.opID).
			Msg("donor: namespace reclaimed")
	}
}

// Write is the client write path of the shard. While a gate is installed
// writes are rejected or queued according to the write block mode.
func (d *Donor) Write(ctx context.Context, ns string, ev datashard.ChangeEvent) (uint64, error) {
	for {
		d.writeMu.RLock()
		g, gated := d.gates[ns]
		if !gated {
			ts, err := d.store.Write(ctx, ns, ev)
			d.writeMu.RUnlock()
			return ts, err
		}
		d.writeMu.RUnlock()

		if g.stale {
			d.rejected.Inc()
			return 0, rserror.Newf(rserror.RS_STALE_METADATA, "shard %s no longer owns %s", d.shardID, ns)
		}
		if d.mode != config.WriteBlockQueue {
			d.rejected.Inc()
			return 0, rserror.NewRetryable(rserror.RS_WRITES_BLOCKED,
				"writes to %s are blocked by operation %s", ns, g.opID)
		}

		d.queued.Inc()
		select {
		case <-g.lifted:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
