package recipient

import (
	"context"
	"sync"
	"time"

	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

// DonorReader pulls a donor shard's data on behalf of a recipient.
type DonorReader interface {
	ReadSnapshot(ctx context.Context, donorShard, opID string, at uint64) (*datashard.Snapshot, error)
	ReadChanges(ctx context.Context, donorShard, opID string, after uint64, limit int) (*datashard.ChangeBatch, error)
}

type BeginCloningRequest struct {
	OperationID     string             `json:"operation_id"`
	Namespace       string             `json:"namespace"`
	OldPartitionKey qdb.PartitionKey   `json:"old_partition_key"`
	NewPartitionKey qdb.PartitionKey   `json:"new_partition_key"`
	TargetRanges    []qdb.KeyRange     `json:"target_ranges"`
	Donors          []qdb.DonorSource  `json:"donors"`
	CloneTimestamp  uint64             `json:"clone_timestamp"`
}

type Options struct {
	BatchSize      int
	PollInterval   time.Duration
	RetryAttempts  uint64
	RetryBaseDelay time.Duration
}

func OptionsFromConfig(cfg *config.Participant) Options {
	return Options{
		BatchSize:      config.ValueOrDefaultInt(cfg.BatchSize, defaultBatchSize),
		PollInterval:   config.ValueOrDefaultDuration(cfg.PollInterval, defaultPollInterval),
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
	}
}

const (
	defaultBatchSize     = 500
	defaultPollInterval  = 50 * time.Millisecond
	defaultRetryAttempts = 7
	defaultRetryDelay    = 20 * time.Millisecond
)

type Recipient struct {
	shardID string
	db      qdb.ParticipantQDB
	store   datashard.Store
	donors  DonorReader
	opts    Options

	// mu serializes document mutations
	mu sync.Mutex

	wmu     sync.Mutex
	workers map[string]*worker
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(shardID string, db qdb.ParticipantQDB, store datashard.Store, donors DonorReader, opts Options) *Recipient {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recipient{
		shardID: shardID,
		db:      db,
		store:   store,
		donors:  donors,
		opts:    opts,
		workers: map[string]*worker{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Recipient) getDoc(ctx context.Context, opID string) (*qdb.RecipientDoc, error) {
	return r.db.GetRecipientDoc(ctx, opID, r.shardID)
}

func (r *Recipient) transition(ctx context.Context, doc *qdb.RecipientDoc, to qdb.RecipientState) error {
	from := doc.MutableState.State
	if !reshard.CanTransitionRecipient(from, to) {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION, "recipient %s of operation %s: %s -> %s", r.shardID, doc.OperationID, from, to)
	}
	doc.MutableState.State = to
	if err := r.db.PutRecipientDoc(ctx, doc); err != nil {
		doc.MutableState.State = from
		return err
	}
	rslog.Zero.Info().
		Str("operation", doc.OperationID).
		Str("shard", r.shardID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("recipient: state transition")
	return nil
}

func tempNamespace(doc *qdb.RecipientDoc) string {
	return reshard.TempNamespace(doc.Namespace, doc.OperationID)
}

func commitMarker(opID string) string {
	return "reshard-commit-" + opID
}

// BeginCloning persists the recipient document and starts the worker
// that clones and then tails the donors.
func (r *Recipient) BeginCloning(ctx context.Context, req *BeginCloningRequest) (*qdb.RecipientDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.getDoc(ctx, req.OperationID)
	if err == nil {
		switch doc.MutableState.State {
		case qdb.RecipientCloning, qdb.RecipientCatchingUp:
			r.startWorker(doc.OperationID)
		}
		return doc, nil
	}
	if !rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		return nil, err
	}
	if _, err := reshard.PartitionKeyFromDB(req.NewPartitionKey); err != nil {
		return nil, err
	}

	doc = &qdb.RecipientDoc{
		OperationID:     req.OperationID,
		ShardID:         r.shardID,
		Namespace:       req.Namespace,
		OldPartitionKey: req.OldPartitionKey,
		NewPartitionKey: req.NewPartitionKey,
		TargetRanges:    req.TargetRanges,
		Donors:          req.Donors,
		MutableState:    qdb.RecipientMutableState{State: qdb.RecipientUnused},
		CloneTimestamp:  req.CloneTimestamp,
		AppliedThrough:  map[string]uint64{},
		DonorsFinished:  map[string]uint64{},
	}
	if err := r.store.Drop(ctx, tempNamespace(doc)); err != nil {
		return nil, err
	}
	if err := r.transition(ctx, doc, qdb.RecipientCloning); err != nil {
		return nil, err
	}
	r.startWorker(doc.OperationID)
	return doc, nil
}

// ReportUnrecoverableError moves the recipient to Aborting with its own
// reason. It is safe to call from the worker.
func (r *Recipient) ReportUnrecoverableError(ctx context.Context, opID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.getDoc(ctx, opID)
	if err != nil {
		return err
	}
	if !reshard.CanTransitionRecipient(doc.MutableState.State, qdb.RecipientAborting) {
		return nil
	}

	rslog.Zero.Error().
		Err(cause).
		Str("operation", opID).
		Str("shard", r.shardID).
		Msg("recipient: unrecoverable error")

	info := reshard.ToErrorInfo(cause)
	doc.MutableState.AbortReason = info
	doc.LocalAbortReason = info
	return r.transition(ctx, doc, qdb.RecipientAborting)
}

// Abort records the coordinator's decision, discards the cloned data and
// finishes the document.
func (r *Recipient) Abort(ctx context.Context, opID string, reason *qdb.ErrorInfo) (*qdb.RecipientDoc, error) {
	r.stopWorker(opID)

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.getDoc(ctx, opID)
	if rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		doc = &qdb.RecipientDoc{
			OperationID:  opID,
			ShardID:      r.shardID,
			MutableState: qdb.RecipientMutableState{State: qdb.RecipientUnused},
		}
	} else if err != nil {
		return nil, err
	}

	state := doc.MutableState.State
	switch state {
	case qdb.RecipientApplying:
		return nil, rserror.Newf(rserror.RS_COMMIT_DECIDED, "operation %s is committing on recipient %s", opID, r.shardID)
	case qdb.RecipientDone:
		if doc.MutableState.AbortReason == nil {
			return nil, rserror.Newf(rserror.RS_COMMIT_DECIDED, "operation %s is committed on recipient %s", opID, r.shardID)
		}
		return doc, nil
	case qdb.RecipientAborting:
	default:
		doc.LocalAbortReason = doc.MutableState.AbortReason
	}

	doc.MutableState.AbortReason = reason
	if state != qdb.RecipientAborting {
		if err := r.transition(ctx, doc, qdb.RecipientAborting); err != nil {
			return nil, err
		}
	}
	if doc.Namespace != "" {
		if err := r.store.Drop(ctx, tempNamespace(doc)); err != nil {
			return nil, err
		}
	}
	if err := r.transition(ctx, doc, qdb.RecipientDone); err != nil {
		return nil, err
	}
	return doc, nil
}

// Commit makes the cloned namespace visible in place of the source one.
func (r *Recipient) Commit(ctx context.Context, opID string) (*qdb.RecipientDoc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.getDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	switch doc.MutableState.State {
	case qdb.RecipientDone:
		if doc.MutableState.AbortReason != nil {
			return nil, rserror.Newf(rserror.RS_OPERATION_ABORTED, "operation %s is aborted on recipient %s", opID, r.shardID)
		}
		return doc, nil
	case qdb.RecipientStrictConsistency:
		if err := r.transition(ctx, doc, qdb.RecipientApplying); err != nil {
			return nil, err
		}
	case qdb.RecipientApplying:
	default:
		return nil, rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"recipient %s cannot commit operation %s in state %s", r.shardID, opID, doc.MutableState.State)
	}

	if err := r.finishCommit(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// finishCommit renames the temporary namespace into place at most once.
// The marker travels with the renamed data and tells a retry the rename
// already happened.
func (r *Recipient) finishCommit(ctx context.Context, doc *qdb.RecipientDoc) error {
	marker := commitMarker(doc.OperationID)
	renamed, err := r.store.HasTxn(ctx, doc.Namespace, marker)
	if err != nil {
		return err
	}
	if !renamed {
		temp := tempNamespace(doc)
		if err := r.store.RecordTxn(ctx, temp, marker); err != nil {
			return err
		}
		if err := r.store.Rename(ctx, temp, doc.Namespace); err != nil {
			return err
		}
	}
	return r.transition(ctx, doc, qdb.RecipientDone)
}

// Forget removes the document of a decided operation.
func (r *Recipient) Forget(ctx context.Context, opID string) error {
	r.stopWorker(opID)

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.getDoc(ctx, opID)
	if rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.MutableState.State != qdb.RecipientDone {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"recipient %s cannot forget undecided operation %s in state %s", r.shardID, opID, doc.MutableState.State)
	}
	if doc.MutableState.AbortReason != nil && doc.Namespace != "" {
		if err := r.store.Drop(ctx, tempNamespace(doc)); err != nil {
			return err
		}
	}
	return r.db.DeleteRecipientDoc(ctx, opID, r.shardID)
}

// Progress returns the document with live clone counters.
func (r *Recipient) Progress(ctx context.Context, opID string) (*qdb.RecipientDoc, error) {
	doc, err := r.getDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	if doc.MutableState.State == qdb.RecipientCloning {
		r.wmu.Lock()
		w, ok := r.workers[opID]
		r.wmu.Unlock()
		if ok {
			doc.CloneProgress.DocumentsCopied = w.copied.Load()
			doc.CloneProgress.DocumentsTotal = w.total.Load()
			doc.CloneProgress.DonorsCloned = int(w.donorsCloned.Load())
		}
	}
	return doc, nil
}

// Recover resumes every document of this shard after a restart. An
// interrupted clone starts over from an empty temporary namespace.
func (r *Recipient) Recover(ctx context.Context) error {
	docs, err := r.db.ListRecipientDocs(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if doc.ShardID != r.shardID {
			continue
		}
		rslog.Zero.Info().
			Str("operation", doc.OperationID).
			Str("shard", r.shardID).
			Str("state", string(doc.MutableState.State)).
			Msg("recipient: recovered document")

		switch doc.MutableState.State {
		case qdb.RecipientCloning:
			if err := r.resetClone(ctx, doc); err != nil {
				return err
			}
			r.startWorker(doc.OperationID)
		case qdb.RecipientCatchingUp:
			r.startWorker(doc.OperationID)
		case qdb.RecipientApplying:
			r.mu.Lock()
			err := r.finishCommit(ctx, doc)
			r.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Recipient) resetClone(ctx context.Context, doc *qdb.RecipientDoc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Drop(ctx, tempNamespace(doc)); err != nil {
		return err
	}
	doc.CloneProgress = qdb.CloneProgress{}
	return r.db.PutRecipientDoc(ctx, doc)
}

// Close stops every worker. Documents stay as they are.
func (r *Recipient) Close() {
	r.cancel()
	r.wmu.Lock()
	workers := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.wmu.Unlock()
	for _, w := range workers {
		<-w.done
	}
}
