package coord

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

// Advance drives the operation as far as the participants currently allow.
// It returns the state the operation rests in. A terminal state with a nil
// error means the operation is finished and its participants are cleaned.
func (qc *ReshardCoordinator) Advance(ctx context.Context, opID string) (qdb.CoordinatorState, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "reshard.advance")
	span.SetTag("operation", opID)
	defer span.Finish()

	doc, err := qc.db.GetCoordinatorDoc(ctx, opID)
	if err != nil {
		return "", err
	}

	for {
		var progressed bool
		switch doc.State {
		case qdb.CoordinatorInitializing:
			err = qc.transition(ctx, doc, qdb.CoordinatorPreparingToDonate)
			progressed = err == nil
		case qdb.CoordinatorPreparingToDonate:
			progressed, err = qc.prepareDonors(ctx, doc)
		case qdb.CoordinatorCloning:
			progressed, err = qc.awaitClone(ctx, doc)
		case qdb.CoordinatorApplying:
			progressed, err = qc.awaitCatchUp(ctx, doc)
		case qdb.CoordinatorBlockingWrites:
			progressed, err = qc.awaitStrictConsistency(ctx, doc)
		case qdb.CoordinatorCommitting:
			progressed, err = qc.commit(ctx, doc)
		case qdb.CoordinatorAborting:
			progressed, err = qc.abortParticipants(ctx, doc)
		case qdb.CoordinatorCommitted, qdb.CoordinatorAborted:
			if doc.ParticipantsCleaned {
				return doc.State, nil
			}
			progressed, err = qc.cleanup(ctx, doc)
		default:
			return doc.State, rserror.Newf(rserror.RS_METADATA_CORRUPTION,
				"operation %s is in unknown state %q", opID, doc.State)
		}

		switch {
		case err == nil:
		case rserror.HasCode(err, rserror.RS_STALE_METADATA):
			// someone else moved the document, start over from its state
			if doc, err = qc.db.GetCoordinatorDoc(ctx, opID); err != nil {
				return "", err
			}
			continue
		case rserror.IsTerminal(err) && abortable(doc.State) && !rserror.HasCode(err, rserror.RS_OPERATION_ABORTED):
			if aerr := qc.abortDoc(ctx, doc, reshard.ToErrorInfo(err)); aerr != nil {
				span.SetTag("error", true)
				return doc.State, err
			}
			continue
		default:
			span.SetTag("error", true)
			rslog.Zero.Debug().
				Err(err).
				Str("operation", opID).
				Str("state", string(doc.State)).
				Msg("coordinator: iteration failed")
			return doc.State, err
		}

		if !progressed {
			return doc.State, nil
		}
	}
}

func (qc *ReshardCoordinator) prepareDonors(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	md, err := qc.db.GetCollectionMetadata(ctx, doc.SourceNamespace)
	if err != nil {
		return false, err
	}
	chunks := reshard.ChunksFromDB(md.Chunks)

	docs := make([]*qdb.DonorDoc, len(doc.ParticipantShards.Donors))
	if err := qc.broadcast(ctx, doc.ParticipantShards.Donors, func(ctx context.Context, i int, shard string, c participant.Client) error {
		d, err := c.BeginDonating(ctx, &donor.StartDonatingRequest{
			OperationID: doc.OperationID,
			Namespace:   doc.SourceNamespace,
			OwnedRanges: reshard.RangesToDB(reshard.RangesOf(chunks, shard)),
			Recipients:  doc.ParticipantShards.Recipients,
		})
		docs[i] = d
		return err
	}); err != nil {
		return false, err
	}

	var cloneTs uint64
	for i, d := range docs {
		switch d.MutableState.State {
		case qdb.DonorDonating, qdb.DonorBlocking:
		case qdb.DonorAborting:
			return true, qc.abortDoc(ctx, doc, reasonOf(d.MutableState.AbortReason, doc.ParticipantShards.Donors[i]))
		default:
			return false, nil
		}
		if d.MinFetchTimestamp > cloneTs {
			cloneTs = d.MinFetchTimestamp
		}
	}
	doc.CloneTimestamp = cloneTs
	return true, qc.transition(ctx, doc, qdb.CoordinatorCloning)
}

func (qc *ReshardCoordinator) awaitClone(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	progress, err := qc.collect(ctx, doc)
	if err != nil {
		return false, err
	}
	if reason := participantAbortReason(doc, progress); reason != nil {
		return true, qc.abortDoc(ctx, doc, reason)
	}

	md, err := qc.db.GetCollectionMetadata(ctx, doc.SourceNamespace)
	if err != nil {
		return false, err
	}
	oldChunks := reshard.ChunksFromDB(md.Chunks)
	sources := make([]qdb.DonorSource, 0, len(doc.ParticipantShards.Donors))
	for _, shard := range doc.ParticipantShards.Donors {
		sources = append(sources, qdb.DonorSource{
			ShardID:     shard,
			OwnedRanges: reshard.RangesToDB(reshard.RangesOf(oldChunks, shard)),
		})
	}
	newChunks := reshard.ChunksFromDB(doc.ChunkAssignment)

	if err := qc.broadcast(ctx, doc.ParticipantShards.Recipients, func(ctx context.Context, _ int, shard string, c participant.Client) error {
		_, err := c.BeginCloning(ctx, &recipient.BeginCloningRequest{
			OperationID:     doc.OperationID,
			Namespace:       doc.SourceNamespace,
			OldPartitionKey: doc.OldPartitionKey,
			NewPartitionKey: doc.NewPartitionKey,
			TargetRanges:    reshard.RangesToDB(reshard.RangesOf(newChunks, shard)),
			Donors:          sources,
			CloneTimestamp:  doc.CloneTimestamp,
		})
		return err
	}); err != nil {
		return false, err
	}

	var total qdb.CloneProgress
	ready := true
	for _, shard := range doc.ParticipantShards.Recipients {
		r := progress[shard].Recipient
		if r == nil {
			ready = false
			continue
		}
		total.DocumentsCopied += r.CloneProgress.DocumentsCopied
		total.DocumentsTotal += r.CloneProgress.DocumentsTotal
		total.DonorsCloned += r.CloneProgress.DonorsCloned
		switch r.MutableState.State {
		case qdb.RecipientCatchingUp, qdb.RecipientStrictConsistency:
		default:
			ready = false
		}
	}

	if ready {
		doc.CloneProgress = total
		return true, qc.transition(ctx, doc, qdb.CoordinatorApplying)
	}
	if total != doc.CloneProgress {
		doc.CloneProgress = total
		if err := qc.db.UpdateCoordinatorDoc(ctx, doc, doc.Version); err != nil {
			return false, err
		}
	}
	return false, nil
}

// awaitCatchUp waits until no recipient trails any donor by more than the
// configured lag, so the write block that follows stays short.
func (qc *ReshardCoordinator) awaitCatchUp(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	progress, err := qc.collect(ctx, doc)
	if err != nil {
		return false, err
	}
	if reason := participantAbortReason(doc, progress); reason != nil {
		return true, qc.abortDoc(ctx, doc, reason)
	}

	for _, rs := range doc.ParticipantShards.Recipients {
		r := progress[rs].Recipient
		if r == nil {
			return false, nil
		}
		if r.MutableState.State == qdb.RecipientStrictConsistency {
			continue
		}
		for _, ds := range doc.ParticipantShards.Donors {
			now := progress[ds].ClusterTime
			if applied := r.AppliedThrough[ds]; now > applied && now-applied > qc.opts.CatchUpLag {
				rslog.Zero.Debug().
					Str("operation", doc.OperationID).
					Str("recipient", rs).
					Str("donor", ds).
					Uint64("lag", now-applied).
					Msg("coordinator: recipient is catching up")
				return false, nil
			}
		}
	}
	return true, qc.transition(ctx, doc, qdb.CoordinatorBlockingWrites)
}

// awaitStrictConsistency blocks writes on every donor and waits until every
// recipient has applied each donor's changes up to its block point. Writes
// stay blocked for at most the critical section timeout.
func (qc *ReshardCoordinator) awaitStrictConsistency(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	if blocked := time.Since(doc.LastTransition); blocked > qc.opts.CriticalSectionTimeout {
		rslog.Zero.Warn().
			Str("operation", doc.OperationID).
			Dur("blocked", blocked).
			Msg("coordinator: critical section timed out")
		return true, qc.abortDoc(ctx, doc, reshard.ToErrorInfo(rserror.Newf(rserror.RS_CRITICAL_SECTION_TIMEOUT,
			"recipients did not reach strict consistency within %s", qc.opts.CriticalSectionTimeout)))
	}

	docs := make([]*qdb.DonorDoc, len(doc.ParticipantShards.Donors))
	if err := qc.broadcast(ctx, doc.ParticipantShards.Donors, func(ctx context.Context, i int, _ string, c participant.Client) error {
		d, err := c.BlockWrites(ctx, doc.OperationID)
		docs[i] = d
		return err
	}); err != nil {
		return false, err
	}

	points := map[string]uint64{}
	for i, d := range docs {
		switch d.MutableState.State {
		case qdb.DonorBlocking:
			points[doc.ParticipantShards.Donors[i]] = d.BlockTimestamp
		case qdb.DonorAborting:
			return true, qc.abortDoc(ctx, doc, reasonOf(d.MutableState.AbortReason, doc.ParticipantShards.Donors[i]))
		default:
			return false, nil
		}
	}
	if !equalPoints(points, doc.DonorBlockPoints) {
		doc.DonorBlockPoints = points
		if err := qc.db.UpdateCoordinatorDoc(ctx, doc, doc.Version); err != nil {
			return false, err
		}
	}

	progress, err := qc.collect(ctx, doc)
	if err != nil {
		return false, err
	}
	if reason := participantAbortReason(doc, progress); reason != nil {
		return true, qc.abortDoc(ctx, doc, reason)
	}

	var cutover uint64
	for _, ts := range points {
		if ts > cutover {
			cutover = ts
		}
	}
	for _, rs := range doc.ParticipantShards.Recipients {
		r := progress[rs].Recipient
		if r == nil || r.MutableState.State != qdb.RecipientStrictConsistency || r.StrictConsistencyTimestamp < cutover {
			return false, nil
		}
		for ds, ts := range points {
			if r.DonorsFinished[ds] != ts {
				return false, nil
			}
		}
	}

	doc.CutoverTimestamp = cutover
	return true, qc.transition(ctx, doc, qdb.CoordinatorCommitting)
}

// commit publishes the new ownership and then tells the participants.
// The decision itself is the Committing state, every step here is
// repeated until it succeeds.
func (qc *ReshardCoordinator) commit(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	if err := qc.swapMetadata(ctx, doc); err != nil {
		return false, err
	}

	if err := qc.broadcast(ctx, doc.ParticipantShards.Recipients, func(ctx context.Context, _ int, _ string, c participant.Client) error {
		return c.Commit(ctx, doc.OperationID, participant.RoleRecipient)
	}); err != nil {
		return false, notDecisive(err)
	}
	if err := qc.broadcast(ctx, doc.ParticipantShards.Donors, func(ctx context.Context, _ int, _ string, c participant.Client) error {
		return c.Commit(ctx, doc.OperationID, participant.RoleDonor)
	}); err != nil {
		return false, notDecisive(err)
	}
	return true, qc.transition(ctx, doc, qdb.CoordinatorCommitted)
}

func (qc *ReshardCoordinator) swapMetadata(ctx context.Context, doc *qdb.CoordinatorDoc) error {
	for {
		md, err := qc.db.GetCollectionMetadata(ctx, doc.SourceNamespace)
		if err != nil {
			return err
		}
		if md.ReshardingOperationID == doc.OperationID {
			return nil
		}

		expected := md.Version
		md.PartitionKey = doc.NewPartitionKey
		md.Chunks = doc.ChunkAssignment
		md.ReshardingOperationID = doc.OperationID
		err = qc.db.CASCollectionMetadata(ctx, md, expected)
		if rserror.HasCode(err, rserror.RS_STALE_METADATA) {
			continue
		}
		if err != nil {
			return err
		}

		rslog.Zero.Info().
			Str("operation", doc.OperationID).
			Str("namespace", md.Namespace).
			Uint64("version", md.Version).
			Msg("coordinator: ownership metadata replaced")
		return nil
	}
}

func (qc *ReshardCoordinator) abortParticipants(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	abort := func(role participant.Role) func(context.Context, int, string, participant.Client) error {
		return func(ctx context.Context, _ int, _ string, c participant.Client) error {
			return c.Abort(ctx, doc.OperationID, role, doc.AbortReason)
		}
	}
	if err := qc.broadcast(ctx, doc.ParticipantShards.Donors, abort(participant.RoleDonor)); err != nil {
		return false, notDecisive(err)
	}
	if err := qc.broadcast(ctx, doc.ParticipantShards.Recipients, abort(participant.RoleRecipient)); err != nil {
		return false, notDecisive(err)
	}

	progress, err := qc.collect(ctx, doc)
	if err != nil {
		return false, err
	}
	for _, shard := range doc.ParticipantShards.Donors {
		d := progress[shard].Donor
		if d == nil || d.MutableState.State != qdb.DonorDone || !reshard.SameReason(d.MutableState.AbortReason, doc.AbortReason) {
			return false, nil
		}
	}
	for _, shard := range doc.ParticipantShards.Recipients {
		r := progress[shard].Recipient
		if r == nil || r.MutableState.State != qdb.RecipientDone || !reshard.SameReason(r.MutableState.AbortReason, doc.AbortReason) {
			return false, nil
		}
	}
	return true, qc.transition(ctx, doc, qdb.CoordinatorAborted)
}

// cleanup drops the participant documents of a decided operation.
func (qc *ReshardCoordinator) cleanup(ctx context.Context, doc *qdb.CoordinatorDoc) (bool, error) {
	forget := func(role participant.Role) func(context.Context, int, string, participant.Client) error {
		return func(ctx context.Context, _ int, _ string, c participant.Client) error {
			return c.Forget(ctx, doc.OperationID, role)
		}
	}
	if err := qc.broadcast(ctx, doc.ParticipantShards.Recipients, forget(participant.RoleRecipient)); err != nil {
		return false, notDecisive(err)
	}
	if err := qc.broadcast(ctx, doc.ParticipantShards.Donors, forget(participant.RoleDonor)); err != nil {
		return false, notDecisive(err)
	}

	doc.ParticipantsCleaned = true
	if err := qc.db.UpdateCoordinatorDoc(ctx, doc, doc.Version); err != nil {
		doc.ParticipantsCleaned = false
		return false, err
	}
	rslog.Zero.Info().
		Str("operation", doc.OperationID).
		Str("state", string(doc.State)).
		Dur("took", time.Since(doc.StartTime)).
		Msg("coordinator: participants cleaned up")
	return false, nil
}

// collect asks every participant of the operation for its documents.
func (qc *ReshardCoordinator) collect(ctx context.Context, doc *qdb.CoordinatorDoc) (map[string]*participant.Progress, error) {
	shards := append(slices.Clone(doc.ParticipantShards.Donors), doc.ParticipantShards.Recipients...)
	slices.Sort(shards)
	shards = slices.Compact(shards)

	res := make([]*participant.Progress, len(shards))
	if err := qc.broadcast(ctx, shards, func(ctx context.Context, i int, _ string, c participant.Client) error {
		p, err := c.ReportProgress(ctx, doc.OperationID)
		res[i] = p
		return err
	}); err != nil {
		return nil, err
	}

	progress := make(map[string]*participant.Progress, len(shards))
	for i, shard := range shards {
		progress[shard] = res[i]
	}
	return progress, nil
}

func (qc *ReshardCoordinator) broadcast(ctx context.Context, shards []string, call func(ctx context.Context, i int, shard string, c participant.Client) error) error {
	clients := make([]participant.Client, len(shards))
	for i, shard := range shards {
		c, err := qc.clients.Get(shard)
		if err != nil {
			return err
		}
		clients[i] = c
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		g.Go(func() error {
			return call(ctx, i, shard, clients[i])
		})
	}
	return g.Wait()
}

// participantAbortReason returns the reason of the first participant that
// gave up on its own, donors first in shard order.
func participantAbortReason(doc *qdb.CoordinatorDoc, progress map[string]*participant.Progress) *qdb.ErrorInfo {
	for _, shard := range doc.ParticipantShards.Donors {
		if d := progress[shard].Donor; d != nil && d.MutableState.State == qdb.DonorAborting {
			return reasonOf(d.MutableState.AbortReason, shard)
		}
	}
	for _, shard := range doc.ParticipantShards.Recipients {
		if r := progress[shard].Recipient; r != nil && r.MutableState.State == qdb.RecipientAborting {
			return reasonOf(r.MutableState.AbortReason, shard)
		}
	}
	return nil
}

func reasonOf(reason *qdb.ErrorInfo, shard string) *qdb.ErrorInfo {
	if reason != nil {
		return reason
	}
	return reshard.ToErrorInfo(rserror.Newf(rserror.RS_UNEXPECTED, "shard %s gave up without a reason", shard))
}

// abortable reports whether a participant failure may still abort the
// operation in state s.
func abortable(s qdb.CoordinatorState) bool {
	switch s {
	case qdb.CoordinatorInitializing, qdb.CoordinatorPreparingToDonate, qdb.CoordinatorCloning,
		qdb.CoordinatorApplying, qdb.CoordinatorBlockingWrites:
		return true
	}
	return false
}

func equalPoints(a, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// notDecisive keeps participant errors from aborting an operation whose
// outcome is already fixed.
func notDecisive(err error) error {
	if rserror.IsTerminal(err) {
		return rserror.NewRetryable(rserror.CodeOf(err), "%s", rserror.Description(err))
	}
	return err
}
