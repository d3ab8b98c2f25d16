package donor

import (
	"context"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

type StartDonatingRequest struct {
	OperationID string         `json:"operation_id"`
	Namespace   string         `json:"namespace"`
	OwnedRanges []qdb.KeyRange `json:"owned_ranges"`
	Recipients  []string       `json:"recipients"`
}

// gate holds back client writes to a namespace while its ownership is
// being handed over.
type gate struct {
	opID   string
	lifted chan struct{}
	stale  bool
}

type Donor struct {
	shardID string
	db      qdb.ParticipantQDB
	store   datashard.Store
	mode    string

	// mu serializes document mutations
	mu sync.Mutex

	// writers hold writeMu shared, installing a gate takes it exclusively
	// so no write straddles the block point
	writeMu sync.RWMutex
	gates   map[string]*gate

	rejected atomic.Int64
	queued   atomic.Int64
}

func New(shardID string, db qdb.ParticipantQDB, store datashard.Store, writeBlockMode string) *Donor {
	return &Donor{
		shardID: shardID,
		db:      db,
		store:   store,
		mode:    config.ValueOrDefaultString(writeBlockMode, config.WriteBlockReject),
		gates:   map[string]*gate{},
	}
}

func (d *Donor) getDoc(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	return d.db.GetDonorDoc(ctx, opID, d.shardID)
}

func (d *Donor) transition(ctx context.Context, doc *qdb.DonorDoc, to qdb.DonorState) error {
	from := doc.MutableState.State
	if !reshard.CanTransitionDonor(from, to) {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION, "donor %s of operation %s: %s -> %s", d.shardID, doc.OperationID, from, to)
	}
	doc.MutableState.State = to
	if err := d.db.PutDonorDoc(ctx, doc); err != nil {
		doc.MutableState.State = from
		return err
	}
	rslog.Zero.Info().
		Str("operation", doc.OperationID).
		Str("shard", d.shardID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("donor: state transition")
	return nil
}

// StartDonating persists the donor document and starts serving the
// namespace to recipients.
func (d *Donor) StartDonating(ctx context.Context, req *StartDonatingRequest) (*qdb.DonorDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, req.OperationID)
	if err == nil {
		return doc, nil
	}
	if !rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		return nil, err
	}

	doc = &qdb.DonorDoc{
		OperationID:       req.OperationID,
		ShardID:           d.shardID,
		Namespace:         req.Namespace,
		OwnedRanges:       req.OwnedRanges,
		Recipients:        req.Recipients,
		MutableState:      qdb.DonorMutableState{State: qdb.DonorUnused},
		MinFetchTimestamp: d.store.Now(),
	}
	if err := d.transition(ctx, doc, qdb.DonorDonating); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Donor) serving(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	doc, err := d.getDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	switch doc.MutableState.State {
	case qdb.DonorDonating, qdb.DonorBlocking:
		return doc, nil
	default:
		return nil, rserror.Newf(rserror.RS_OPERATION_ABORTED,
			"donor %s no longer serves operation %s: %s", d.shardID, opID, doc.MutableState.State)
	}
}

// Snapshot returns the namespace as of at. The store clock is moved past
// at first, so every later write lands in the change stream.
func (d *Donor) Snapshot(ctx context.Context, opID string, at uint64) (*datashard.Snapshot, error) {
	doc, err := d.serving(ctx, opID)
	if err != nil {
		return nil, err
	}
	if err := d.store.AdvanceClock(ctx, at); err != nil {
		return nil, err
	}
	return d.store.Snapshot(ctx, doc.Namespace, at)
}

func (d *Donor) ReadChanges(ctx context.Context, opID string, after uint64, limit int) (*datashard.ChangeBatch, error) {
	doc, err := d.serving(ctx, opID)
	if err != nil {
		return nil, err
	}
	now := d.store.Now()
	events, err := d.store.ReadChanges(ctx, doc.Namespace, after, limit)
	if err != nil {
		return nil, err
	}
	batch := &datashard.ChangeBatch{Events: events, HighWater: after}
	if n := len(events); n > 0 {
		batch.HighWater = events[n-1].Timestamp
	}
	if (limit <= 0 || len(events) < limit) && now > batch.HighWater {
		batch.HighWater = now
	}
	return batch, nil
}

// BlockWrites gates client writes and appends the final event that marks
// the donor's block point in its change stream.
func (d *Donor) BlockWrites(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	switch doc.MutableState.State {
	case qdb.DonorBlocking:
		d.installGate(doc.Namespace, opID, false)
		return doc, nil
	case qdb.DonorDonating:
	default:
		return doc, nil
	}

	d.writeMu.Lock()
	d.installGateLocked(doc.Namespace, opID, false)
	ts, err := d.store.AppendFinal(ctx, doc.Namespace)
	d.writeMu.Unlock()
	if err != nil {
		d.liftGate(doc.Namespace, opID)
		return nil, err
	}

	doc.BlockTimestamp = ts
	if err := d.transition(ctx, doc, qdb.DonorBlocking); err != nil {
		d.liftGate(doc.Namespace, opID)
		return nil, err
	}
	return doc, nil
}

// ReportUnrecoverableError moves the donor to Aborting with its own reason.
// The coordinator later overrides the reason with the authoritative one.
func (d *Donor) ReportUnrecoverableError(ctx context.Context, opID string, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, opID)
	if err != nil {
		return err
	}
	if !reshard.CanTransitionDonor(doc.MutableState.State, qdb.DonorAborting) {
		return nil
	}

	rslog.Zero.Error().
		Err(cause).
		Str("operation", opID).
		Str("shard", d.shardID).
		Msg("donor: unrecoverable error")

	info := reshard.ToErrorInfo(cause)
	doc.MutableState.AbortReason = info
	doc.LocalAbortReason = info
	if err := d.transition(ctx, doc, qdb.DonorAborting); err != nil {
		return err
	}
	d.liftGate(doc.Namespace, opID)
	return nil
}

// Abort records the coordinator's decision. A donor that never joined the
// operation records it too, so the coordinator can confirm it.
func (d *Donor) Abort(ctx context.Context, opID string, reason *qdb.ErrorInfo) (*qdb.DonorDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, opID)
	if rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		doc = &qdb.DonorDoc{
			OperationID:  opID,
			ShardID:      d.shardID,
			MutableState: qdb.DonorMutableState{State: qdb.DonorUnused},
		}
	} else if err != nil {
		return nil, err
	}

	state := doc.MutableState.State
	if state == qdb.DonorDone {
		if doc.MutableState.AbortReason == nil {
			return nil, rserror.Newf(rserror.RS_COMMIT_DECIDED, "operation %s is committed on donor %s", opID, d.shardID)
		}
		return doc, nil
	}

	if state != qdb.DonorAborting {
		doc.LocalAbortReason = doc.MutableState.AbortReason
	}
	doc.MutableState.AbortReason = reason
	if state != qdb.DonorAborting {
		if err := d.transition(ctx, doc, qdb.DonorAborting); err != nil {
			return nil, err
		}
	}
	d.liftGate(doc.Namespace, opID)
	if err := d.transition(ctx, doc, qdb.DonorDone); err != nil {
		return nil, err
	}
	return doc, nil
}

// Commit ends a blocking donor. The gate stays and turns every later write
// into a stale metadata error unless this shard is itself a recipient.
func (d *Donor) Commit(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	switch doc.MutableState.State {
	case qdb.DonorDone:
		if doc.MutableState.AbortReason != nil {
			return nil, rserror.Newf(rserror.RS_OPERATION_ABORTED, "operation %s is aborted on donor %s", opID, d.shardID)
		}
		return doc, nil
	case qdb.DonorBlocking:
	default:
		return nil, rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"donor %s cannot commit operation %s in state %s", d.shardID, opID, doc.MutableState.State)
	}

	if !slices.Contains(doc.Recipients, d.shardID) {
		if err := d.db.PutTombstone(ctx, &qdb.Tombstone{
			ShardID:     d.shardID,
			Namespace:   doc.Namespace,
			OperationID: opID,
		}); err != nil {
			return nil, err
		}
	}
	if err := d.transition(ctx, doc, qdb.DonorDone); err != nil {
		return nil, err
	}
	d.settleCommitted(doc)
	return doc, nil
}

func (d *Donor) settleCommitted(doc *qdb.DonorDoc) {
	if slices.Contains(doc.Recipients, d.shardID) {
		d.liftGate(doc.Namespace, doc.OperationID)
	} else {
		d.installGate(doc.Namespace, doc.OperationID, true)
	}
}

// Forget removes the document once the operation is decided. Source data
// of a committed operation is dropped unless this shard also received.
func (d *Donor) Forget(ctx context.Context, opID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDoc(ctx, opID)
	if rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.MutableState.State != qdb.DonorDone {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"donor %s cannot forget undecided operation %s in state %s", d.shardID, opID, doc.MutableState.State)
	}
	if doc.MutableState.AbortReason == nil && doc.Namespace != "" && !slices.Contains(doc.Recipients, d.shardID) {
		if err := d.store.Drop(ctx, doc.Namespace); err != nil {
			return err
		}
	}
	return d.db.DeleteDonorDoc(ctx, opID, d.shardID)
}

func (d *Donor) Progress(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	return d.getDoc(ctx, opID)
}

// Reclaim drops the tombstone of ns once this shard owns it again.
func (d *Donor) Reclaim(ctx context.Context, ns string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.db.DeleteTombstone(ctx, d.shardID, ns); err != nil {
		return err
	}
	d.liftStaleGate(ns)
	return nil
}

// Recover reinstalls write gates after a restart. Tombstones outlive the
// documents, so a forgotten handover still refuses writes.
func (d *Donor) Recover(ctx context.Context) error {
	tombstones, err := d.db.ListTombstones(ctx, d.shardID)
	if err != nil {
		return err
	}
	for _, t := range tombstones {
		d.installGate(t.Namespace, t.OperationID, true)
	}

	docs, err := d.db.ListDonorDocs(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ShardID != d.shardID {
			continue
		}
		if doc.MutableState.State == qdb.DonorBlocking {
			d.installGate(doc.Namespace, doc.OperationID, false)
		}
		rslog.Zero.Info().
			Str("operation", doc.OperationID).
			Str("shard", d.shardID).
			Str("state", string(doc.MutableState.State)).
			Msg("donor: recovered document")
	}
	return nil
}

type Stats struct {
	Rejected int64 `json:"rejected"`
	Queued   int64 `json:"queued"`
}

func (d *Donor) Stats() Stats {
	return Stats{Rejected: d.rejected.Load(), Queued: d.queued.Load()}
}
