package recipient

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
	"golang.org/x/exp/maps"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/kr"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}

	copied       atomic.Int64
	total        atomic.Int64
	donorsCloned atomic.Int32
}

func (r *Recipient) startWorker(opID string) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	if _, ok := r.workers[opID]; ok || r.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	r.workers[opID] = w

	go func() {
		defer close(w.done)
		defer r.removeWorker(opID, w)
		r.run(ctx, opID, w)
	}()
}

func (r *Recipient) removeWorker(opID string, w *worker) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.workers[opID] == w {
		delete(r.workers, opID)
	}
}

// stopWorker cancels the worker of opID and waits for it to exit.
func (r *Recipient) stopWorker(opID string) {
	r.wmu.Lock()
	w, ok := r.workers[opID]
	r.wmu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Recipient) run(ctx context.Context, opID string, w *worker) {
	for ctx.Err() == nil {
		doc, err := r.getDoc(ctx, opID)
		if rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
			return
		}

		idle := false
		if err == nil {
			switch doc.MutableState.State {
			case qdb.RecipientCloning:
				err = r.clone(ctx, doc, w)
			case qdb.RecipientCatchingUp:
				idle, err = r.catchUp(ctx, doc)
			default:
				return
			}
		}

		switch {
		case err == nil:
			if idle && !sleep(ctx, r.opts.PollInterval) {
				return
			}
		case ctx.Err() != nil:
			return
		case rserror.HasCode(err, rserror.RS_OPERATION_ABORTED):
			// the donor has left the operation, the coordinator's decision follows
			rslog.Zero.Info().
				Err(err).
				Str("operation", opID).
				Str("shard", r.shardID).
				Msg("recipient: donor stopped serving")
			return
		case rserror.IsTerminal(err):
			if rerr := r.ReportUnrecoverableError(ctx, opID, err); rerr != nil {
				rslog.Zero.Error().Err(rerr).Str("operation", opID).Msg("recipient: failed to record abort")
			}
			return
		default:
			rslog.Zero.Warn().
				Err(err).
				Str("operation", opID).
				Str("shard", r.shardID).
				Msg("recipient: transient failure, will retry")
			if !sleep(ctx, r.opts.PollInterval) {
				return
			}
		}
	}
}

// retrying repeats f with Fibonacci backoff while it fails with a
// retryable error.
func (r *Recipient) retrying(ctx context.Context, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.opts.RetryAttempts, retry.NewFibonacci(r.opts.RetryBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := f(ctx)
		if err != nil && !rserror.IsTerminal(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

type filter struct {
	oldKey reshard.PartitionKey
	newKey reshard.PartitionKey
	target []kr.KeyRange
}

func newFilter(doc *qdb.RecipientDoc) (*filter, error) {
	oldKey, err := reshard.PartitionKeyFromDB(doc.OldPartitionKey)
	if err != nil {
		return nil, err
	}
	newKey, err := reshard.PartitionKeyFromDB(doc.NewPartitionKey)
	if err != nil {
		return nil, err
	}
	return &filter{oldKey: oldKey, newKey: newKey, target: reshard.RangesFromDB(doc.TargetRanges)}, nil
}

func (f *filter) targets(fields map[string]any) (bool, error) {
	key, err := f.newKey.KeyOf(fields)
	if err != nil {
		return false, err
	}
	return reshard.AnyContains(f.target, key), nil
}

// owns reports whether a donor document lies in the donor's source ranges.
// A donor without recorded ranges owns its whole namespace.
func (f *filter) owns(owned []kr.KeyRange, fields map[string]any) (bool, error) {
	if len(owned) == 0 {
		return true, nil
	}
	key, err := f.oldKey.KeyOf(fields)
	if err != nil {
		return false, err
	}
	return reshard.AnyContains(owned, key), nil
}

// clone copies every donor's snapshot at the clone timestamp into the
// temporary namespace.
func (r *Recipient) clone(ctx context.Context, doc *qdb.RecipientDoc, w *worker) error {
	f, err := newFilter(doc)
	if err != nil {
		return err
	}
	temp := tempNamespace(doc)
	w.copied.Store(0)
	w.total.Store(0)
	w.donorsCloned.Store(0)

	owners := map[string]string{}
	for _, src := range doc.Donors {
		var snap *datashard.Snapshot
		if err := r.retrying(ctx, func(ctx context.Context) error {
			var err error
			snap, err = r.donors.ReadSnapshot(ctx, src.ShardID, doc.OperationID, doc.CloneTimestamp)
			return err
		}); err != nil {
			return err
		}

		owned := reshard.RangesFromDB(src.OwnedRanges)
		batch := make([]datashard.Document, 0, r.opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := r.store.Apply(ctx, temp, batch...); err != nil {
				return err
			}
			w.copied.Add(int64(len(batch)))
			batch = make([]datashard.Document, 0, r.opts.BatchSize)
			return nil
		}

		for _, d := range snap.Documents {
			ok, err := f.owns(owned, d.Fields)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if ok, err = f.targets(d.Fields); err != nil {
				return err
			} else if !ok {
				continue
			}
			if prev, seen := owners[d.ID]; seen && prev != src.ShardID {
				return rserror.Newf(rserror.RS_KEY_COLLISION,
					"document %s is served by both %s and %s", d.ID, prev, src.ShardID)
			}
			owners[d.ID] = src.ShardID
			w.total.Inc()

			batch = append(batch, d)
			if len(batch) >= r.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}
		for _, txn := range snap.TxnHistory {
			if err := r.store.RecordTxn(ctx, temp, txn); err != nil {
				return err
			}
		}
		w.donorsCloned.Inc()

		rslog.Zero.Debug().
			Str("operation", doc.OperationID).
			Str("donor", src.ShardID).
			Int("documents", len(snap.Documents)).
			Msg("recipient: cloned donor snapshot")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := r.getDoc(ctx, doc.OperationID)
	if err != nil {
		return err
	}
	if cur.MutableState.State != qdb.RecipientCloning {
		return nil
	}
	cur.CloneProgress = qdb.CloneProgress{
		DocumentsCopied: w.copied.Load(),
		DocumentsTotal:  w.total.Load(),
		DonorsCloned:    int(w.donorsCloned.Load()),
	}
	if cur.AppliedThrough == nil {
		cur.AppliedThrough = map[string]uint64{}
	}
	for _, src := range cur.Donors {
		cur.AppliedThrough[src.ShardID] = cur.CloneTimestamp
	}
	return r.transition(ctx, cur, qdb.RecipientCatchingUp)
}

// catchUp makes one pass over the donors' change streams. It reports idle
// when no donor had anything new.
func (r *Recipient) catchUp(ctx context.Context, doc *qdb.RecipientDoc) (bool, error) {
	f, err := newFilter(doc)
	if err != nil {
		return false, err
	}
	applied := maps.Clone(doc.AppliedThrough)
	if applied == nil {
		applied = map[string]uint64{}
	}
	finished := maps.Clone(doc.DonorsFinished)
	if finished == nil {
		finished = map[string]uint64{}
	}

	progressed := false
	for _, src := range doc.Donors {
		if _, ok := finished[src.ShardID]; ok {
			continue
		}
		after, ok := applied[src.ShardID]
		if !ok {
			after = doc.CloneTimestamp
		}

		var batch *datashard.ChangeBatch
		if err := r.retrying(ctx, func(ctx context.Context) error {
			var err error
			batch, err = r.donors.ReadChanges(ctx, src.ShardID, doc.OperationID, after, r.opts.BatchSize)
			return err
		}); err != nil {
			return false, err
		}

		through := after
		for _, ev := range batch.Events {
			if ev.Op == datashard.OpFinal {
				finished[src.ShardID] = ev.Timestamp
				through = ev.Timestamp
				break
			}
			if err := r.applyEvent(ctx, doc, f, ev); err != nil {
				return false, err
			}
			through = ev.Timestamp
		}
		if _, done := finished[src.ShardID]; !done && batch.HighWater > through {
			through = batch.HighWater
		}
		if through > after || finished[src.ShardID] != 0 {
			progressed = true
		}
		applied[src.ShardID] = through
	}
	if !progressed {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cur, err := r.getDoc(ctx, doc.OperationID)
	if err != nil {
		return false, err
	}
	if cur.MutableState.State != qdb.RecipientCatchingUp {
		return false, nil
	}
	cur.AppliedThrough = applied
	cur.DonorsFinished = finished
	if len(finished) < len(cur.Donors) {
		return false, r.db.PutRecipientDoc(ctx, cur)
	}

	for _, ts := range finished {
		if ts > cur.StrictConsistencyTimestamp {
			cur.StrictConsistencyTimestamp = ts
		}
	}
	return false, r.transition(ctx, cur, qdb.RecipientStrictConsistency)
}

func (r *Recipient) applyEvent(ctx context.Context, doc *qdb.RecipientDoc, f *filter, ev datashard.ChangeEvent) error {
	temp := tempNamespace(doc)
	if ev.TxnID != "" {
		seen, err := r.store.HasTxn(ctx, temp, ev.TxnID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	switch ev.Op {
	case datashard.OpDelete:
		if err := r.store.Remove(ctx, temp, ev.Document.ID); err != nil {
			return err
		}
	case datashard.OpInsert, datashard.OpUpdate:
		in, err := f.targets(ev.Document.Fields)
		if err != nil {
			return err
		}
		if in {
			err = r.store.Apply(ctx, temp, ev.Document)
		} else {
			err = r.store.Remove(ctx, temp, ev.Document.ID)
		}
		if err != nil {
			return err
		}
	}

	if ev.TxnID != "" {
		return r.store.RecordTxn(ctx, temp, ev.TxnID)
	}
	return nil
}
