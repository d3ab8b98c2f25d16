package coord

import (
	"context"
	"time"

	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

func (qc *ReshardCoordinator) lockCoordinator(ctx context.Context) error {
	lock := func(ctx context.Context) error {
		currentCoord, _ := qc.db.GetCoordinator(ctx)
		if currentCoord == qc.opts.Addr {
			return nil
		}
		return qc.db.TryCoordinatorLock(ctx, qc.opts.Addr)
	}

	err := lock(ctx)
	qc.acquiredLock.Store(err == nil)
	if err != nil {
		return err
	}
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}

			ctx, cancel := context.WithTimeout(ctx, qc.opts.LockIterationTimeout)
			err := lock(ctx)
			if err != nil {
				rslog.Zero.Debug().Err(err).Msg("failed to retake coordinator lock")
			}
			qc.acquiredLock.Store(err == nil)
			cancel()
		}
	}()
	return nil
}

// RunCoordinator takes the QDB lock and resumes every operation that is
// not finished yet. Operations started later are driven as they come.
func (qc *ReshardCoordinator) RunCoordinator(ctx context.Context) {
	for {
		err := qc.lockCoordinator(ctx)
		if err == nil {
			break
		}
		rslog.Zero.Error().Err(err).Msg("error getting qdb lock, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(qc.opts.LockIterationTimeout):
		}
	}
	rslog.Zero.Info().Str("address", qc.opts.Addr).Msg("coordinator: acquired qdb lock")

	qc.mu.Lock()
	qc.runCtx = ctx
	qc.mu.Unlock()

	docs, err := qc.db.ListCoordinatorDocs(ctx)
	if err != nil {
		rslog.Zero.Error().Err(err).Msg("failed to list resharding operations")
		return
	}
	// Finish any resharding operation in progress
	for _, doc := range docs {
		if doc.State.IsTerminal() && doc.ParticipantsCleaned {
			continue
		}
		rslog.Zero.Info().
			Str("operation", doc.OperationID).
			Str("state", string(doc.State)).
			Msg("coordinator: resuming resharding operation")
		qc.drive(doc.OperationID)
	}
}

// drive advances the operation in the background until it is finished.
// It does nothing before RunCoordinator has taken the lock.
func (qc *ReshardCoordinator) drive(opID string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	if qc.runCtx == nil {
		return
	}
	if _, ok := qc.driving[opID]; ok {
		return
	}
	qc.driving[opID] = struct{}{}
	ctx := qc.runCtx

	go func() {
		defer func() {
			qc.mu.Lock()
			delete(qc.driving, opID)
			qc.mu.Unlock()
		}()

		t := time.NewTicker(qc.opts.IterationTimeout)
		defer t.Stop()
		for {
			if qc.acquiredLock.Load() {
				state, err := qc.Advance(ctx, opID)
				if err == nil && state.IsTerminal() || rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION) {
					return
				}
				if err != nil {
					rslog.Zero.Warn().
						Err(err).
						Str("operation", opID).
						Str("state", string(state)).
						Msg("coordinator: operation stalled, will retry")
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}
