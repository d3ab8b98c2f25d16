package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

const (
	defaultIterationTimeout       = time.Second
	defaultLockCoordinatorTimeout = time.Second
	defaultCatchUpLag             = 1000
	defaultCriticalSectionTimeout = 5 * time.Second
)

// Clients resolves participant shards to connections.
type Clients interface {
	Get(shardID string) (participant.Client, error)
}

type Options struct {
	// Addr identifies this coordinator in the QDB lock.
	Addr                 string
	CatchUpLag           uint64
	IterationTimeout     time.Duration
	LockIterationTimeout time.Duration

	// CriticalSectionTimeout is how long the operation may stay in
	// BlockingWrites before it is aborted.
	CriticalSectionTimeout time.Duration
}

func OptionsFromConfig(cfg *config.Coordinator, addr string) Options {
	return Options{
		Addr:                 addr,
		CatchUpLag:           cfg.CatchUpLag,
		IterationTimeout:     cfg.IterationTimeout,
		LockIterationTimeout: cfg.LockIterationTimeout,

		CriticalSectionTimeout: cfg.CriticalSectionTimeout,
	}
}

/*
* ReshardCoordinator owns the coordinator documents. All of its decisions
* are persisted before they are acted upon, so any coordinator that takes
* over the QDB lock continues from the stored state.
 */
type ReshardCoordinator struct {
	db      qdb.CoordinatorQDB
	clients Clients
	opts    Options

	acquiredLock atomic.Bool

	mu      sync.Mutex
	runCtx  context.Context
	driving map[string]struct{}
}

var _ coordinator.Coordinator = &ReshardCoordinator{}

func NewReshardCoordinator(db qdb.CoordinatorQDB, clients Clients, opts Options) *ReshardCoordinator {
	opts.IterationTimeout = config.ValueOrDefaultDuration(opts.IterationTimeout, defaultIterationTimeout)
	opts.LockIterationTimeout = config.ValueOrDefaultDuration(opts.LockIterationTimeout, defaultLockCoordinatorTimeout)
	opts.CriticalSectionTimeout = config.ValueOrDefaultDuration(opts.CriticalSectionTimeout, defaultCriticalSectionTimeout)
	if opts.CatchUpLag == 0 {
		opts.CatchUpLag = defaultCatchUpLag
	}
	return &ReshardCoordinator{
		db:      db,
		clients: clients,
		opts:    opts,
		driving: map[string]struct{}{},
	}
}

// IsReadOnly reports whether another coordinator holds the QDB lock.
func (qc *ReshardCoordinator) IsReadOnly() bool {
	return !qc.acquiredLock.Load()
}

func (qc *ReshardCoordinator) ShardCollection(ctx context.Context, req *coordinator.ShardRequest) (*qdb.CollectionMetadata, error) {
	pk, err := reshard.PartitionKeyFromDB(req.PartitionKey)
	if err != nil {
		return nil, err
	}

	var chunks []reshard.Chunk
	shards := slices.Clone(req.Shards)
	if len(req.Chunks) == 0 {
		if len(shards) == 0 {
			return nil, rserror.New(rserror.RS_INVALID_REQUEST, "either chunks or shards must be given")
		}
		slices.Sort(shards)
		shards = slices.Compact(shards)
		chunks = reshard.SplitKeySpace(shards, pk.IsHashed())
	} else {
		chunks = reshard.ChunksFromDB(req.Chunks)
		if len(shards) == 0 {
			shards = reshard.Owners(chunks)
		}
	}
	if err := reshard.ValidateAssignment(chunks, shards); err != nil {
		return nil, err
	}

	md := &qdb.CollectionMetadata{
		Namespace:    req.Namespace,
		PartitionKey: pk.ToDB(),
		Chunks:       reshard.ChunksToDB(chunks),
	}
	if err := qc.db.CreateCollectionMetadata(ctx, md); err != nil {
		return nil, err
	}
	rslog.Zero.Info().
		Str("namespace", md.Namespace).
		Str("key", pk.Field).
		Int("chunks", len(chunks)).
		Msg("coordinator: collection sharded")
	return md, nil
}

// ReshardCollection validates the request, persists the Initializing
// document together with the namespace lock and returns the operation id.
func (qc *ReshardCoordinator) ReshardCollection(ctx context.Context, req *coordinator.ReshardRequest) (string, error) {
	md, err := qc.db.GetCollectionMetadata(ctx, req.Namespace)
	if err != nil {
		return "", err
	}
	oldKey, err := reshard.PartitionKeyFromDB(md.PartitionKey)
	if err != nil {
		return "", rserror.Newf(rserror.RS_METADATA_CORRUPTION, "metadata of %s: %s", md.Namespace, err)
	}
	newKey, err := reshard.PartitionKeyFromDB(req.NewPartitionKey)
	if err != nil {
		return "", err
	}
	if newKey.Field == "" {
		return "", rserror.New(rserror.RS_INVALID_REQUEST, "new partition key field is empty")
	}
	if oldKey.Equal(newKey) {
		return "", rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is already partitioned by %s", md.Namespace, newKey.Field)
	}

	donors := reshard.Owners(reshard.ChunksFromDB(md.Chunks))
	recipients, chunks, err := newPlacement(req, donors, newKey)
	if err != nil {
		return "", err
	}
	for _, id := range append(slices.Clone(donors), recipients...) {
		if _, err := qc.clients.Get(id); err != nil {
			return "", rserror.Newf(rserror.RS_INVALID_REQUEST, "shard %s: %s", id, rserror.Description(err))
		}
	}

	now := time.Now()
	doc := &qdb.CoordinatorDoc{
		OperationID:     uuid.NewString(),
		SourceNamespace: md.Namespace,
		OldPartitionKey: md.PartitionKey,
		NewPartitionKey: newKey.ToDB(),
		State:           qdb.CoordinatorInitializing,
		ParticipantShards: qdb.Participants{
			Donors:     donors,
			Recipients: recipients,
		},
		ChunkAssignment: reshard.ChunksToDB(chunks),
		StartTime:       now,
		LastTransition:  now,
	}
	if err := qc.db.CreateCoordinatorDoc(ctx, doc); err != nil {
		return "", err
	}

	rslog.Zero.Info().
		Str("operation", doc.OperationID).
		Str("namespace", doc.SourceNamespace).
		Strs("donors", doc.ParticipantShards.Donors).
		Strs("recipients", doc.ParticipantShards.Recipients).
		Msg("coordinator: resharding started")

	qc.drive(doc.OperationID)
	return doc.OperationID, nil
}

// newPlacement decides the recipients and the chunk assignment of the new
// key. Requested chunks are taken as given. Otherwise the key space is
// split over the recipients, which only hashed keys allow for more than
// one recipient.
func newPlacement(req *coordinator.ReshardRequest, donors []string, newKey reshard.PartitionKey) ([]string, []reshard.Chunk, error) {
	recipients := slices.Clone(req.Recipients)
	var chunks []reshard.Chunk
	if len(req.Chunks) > 0 {
		chunks = reshard.ChunksFromDB(req.Chunks)
		if len(recipients) == 0 {
			recipients = reshard.Owners(chunks)
		}
	} else if len(recipients) == 0 {
		recipients = slices.Clone(donors)
	}
	slices.Sort(recipients)
	recipients = slices.Compact(recipients)

	if len(chunks) == 0 {
		if !newKey.IsHashed() && len(recipients) > 1 {
			return nil, nil, rserror.Newf(rserror.RS_INVALID_REQUEST,
				"key %s is not hashed, chunks are required to place it on %d recipients", newKey.Field, len(recipients))
		}
		chunks = reshard.SplitKeySpace(recipients, newKey.IsHashed())
	}
	if err := reshard.ValidateAssignment(chunks, recipients); err != nil {
		return nil, nil, err
	}
	for _, id := range recipients {
		if len(reshard.RangesOf(chunks, id)) == 0 {
			return nil, nil, rserror.Newf(rserror.RS_INVALID_REQUEST, "recipient %s is assigned no chunks", id)
		}
	}
	return recipients, chunks, nil
}

// Abort moves the operation to Aborting with reason unless it has already
// been decided. The first persisted reason wins.
func (qc *ReshardCoordinator) Abort(ctx context.Context, opID string, reason *qdb.ErrorInfo) error {
	doc, err := qc.db.GetCoordinatorDoc(ctx, opID)
	if err != nil {
		return err
	}
	if err := qc.abortDoc(ctx, doc, reason); err != nil {
		return err
	}
	qc.drive(opID)
	return nil
}

func (qc *ReshardCoordinator) AbortReshard(ctx context.Context, opID string) error {
	return qc.Abort(ctx, opID, reshard.OperatorAbortReason())
}

// abortDoc persists Aborting with reason. A stale doc is reloaded in place,
// so the caller continues from the stored state.
func (qc *ReshardCoordinator) abortDoc(ctx context.Context, doc *qdb.CoordinatorDoc, reason *qdb.ErrorInfo) error {
	for {
		switch doc.State {
		case qdb.CoordinatorAborting, qdb.CoordinatorAborted:
			return nil
		case qdb.CoordinatorCommitting, qdb.CoordinatorCommitted:
			return rserror.Newf(rserror.RS_COMMIT_DECIDED, "operation %s is already %s", doc.OperationID, doc.State)
		}

		doc.AbortReason = reason
		err := qc.transition(ctx, doc, qdb.CoordinatorAborting)
		if !rserror.HasCode(err, rserror.RS_STALE_METADATA) {
			return err
		}
		fresh, err := qc.db.GetCoordinatorDoc(ctx, doc.OperationID)
		if err != nil {
			return err
		}
		*doc = *fresh
	}
}

func statusOf(doc *qdb.CoordinatorDoc) *coordinator.ReshardStatus {
	st := &coordinator.ReshardStatus{
		OperationID: doc.OperationID,
		Namespace:   doc.SourceNamespace,
		State:       doc.State,
		AbortReason: doc.AbortReason,
	}
	if doc.CloneTimestamp != 0 {
		progress := doc.CloneProgress
		st.CloneProgress = &progress
	}
	return st
}

func (qc *ReshardCoordinator) GetReshardStatus(ctx context.Context, opID string) (*coordinator.ReshardStatus, error) {
	doc, err := qc.db.GetCoordinatorDoc(ctx, opID)
	if err != nil {
		return nil, err
	}
	return statusOf(doc), nil
}

func (qc *ReshardCoordinator) ListOperations(ctx context.Context) ([]*coordinator.ReshardStatus, error) {
	docs, err := qc.db.ListCoordinatorDocs(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]*coordinator.ReshardStatus, 0, len(docs))
	for _, doc := range docs {
		res = append(res, statusOf(doc))
	}
	return res, nil
}

func (qc *ReshardCoordinator) GetStatistics() *statistics.Snapshot {
	return statistics.GetStatistics()
}

func (qc *ReshardCoordinator) transition(ctx context.Context, doc *qdb.CoordinatorDoc, to qdb.CoordinatorState) error {
	from := doc.State
	if !reshard.CanTransitionCoordinator(from, to) {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION, "operation %s: %s -> %s", doc.OperationID, from, to)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "reshard.transition")
	span.SetTag("operation", doc.OperationID)
	span.SetTag("from", string(from))
	span.SetTag("to", string(to))
	defer span.Finish()

	entered := doc.LastTransition
	doc.State = to
	doc.LastTransition = time.Now()
	if err := qc.db.UpdateCoordinatorDoc(ctx, doc, doc.Version); err != nil {
		doc.State = from
		doc.LastTransition = entered
		span.SetTag("error", true)
		return err
	}

	statistics.RecordPhase(string(from), doc.LastTransition.Sub(entered))
	switch to {
	case qdb.CoordinatorCommitted:
		statistics.RecordOutcome(true)
	case qdb.CoordinatorAborted:
		statistics.RecordOutcome(false)
	}

	ev := rslog.Zero.Info().
		Str("operation", doc.OperationID).
		Str("from", string(from)).
		Str("to", string(to))
	if doc.AbortReason != nil {
		ev = ev.Str("reason", doc.AbortReason.Code+": "+doc.AbortReason.Message)
	}
	ev.Msg("coordinator: state transition")
	return nil
}
