package donor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/datashard/memshard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

const ns = "db.users"

func insert(id string) datashard.ChangeEvent {
	return datashard.ChangeEvent{Op: datashard.OpInsert, Document: datashard.Document{ID: id, Fields: map[string]any{"uid": id}}}
}

func prepare(t *testing.T, mode string, recipients ...string) (*donor.Donor, *memshard.Shard, *qdb.MemQDB) {
	t.Helper()
	db, err := qdb.RestoreQDB("")
	require.NoError(t, err)
	sh := memshard.New(nil)
	d := donor.New("sh1", db, sh, mode)

	_, err = d.StartDonating(context.TODO(), &donor.StartDonatingRequest{
		OperationID: "op1",
		Namespace:   ns,
		Recipients:  recipients,
	})
	require.NoError(t, err)
	return d, sh, db
}

func TestStartDonatingIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, sh, _ := prepare(t, config.WriteBlockReject, "sh2")
	_, err := d.Write(ctx, ns, insert("1"))
	require.NoError(t, err)

	doc, err := d.StartDonating(ctx, &donor.StartDonatingRequest{OperationID: "op1", Namespace: ns})
	assert.NoError(err)
	assert.Equal(qdb.DonorDonating, doc.MutableState.State)
	assert.Less(doc.MinFetchTimestamp, sh.Now())
}

func TestBlockWritesRejectsAndAppendsFinal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, sh, _ := prepare(t, config.WriteBlockReject, "sh2")
	_, err := d.Write(ctx, ns, insert("1"))
	require.NoError(t, err)

	doc, err := d.BlockWrites(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(qdb.DonorBlocking, doc.MutableState.State)
	assert.NotZero(doc.BlockTimestamp)

	again, err := d.BlockWrites(ctx, "op1")
	assert.NoError(err)
	assert.Equal(doc.BlockTimestamp, again.BlockTimestamp)

	_, err = d.Write(ctx, ns, insert("2"))
	assert.True(rserror.HasCode(err, rserror.RS_WRITES_BLOCKED))
	assert.True(rserror.IsRetryable(err))
	assert.Equal(int64(1), d.Stats().Rejected)

	_, err = d.Write(ctx, "db.other", insert("3"))
	assert.NoError(err)

	batch, err := d.ReadChanges(ctx, "op1", 0, 10)
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(datashard.OpFinal, batch.Events[1].Op)
	assert.Equal(doc.BlockTimestamp, batch.Events[1].Timestamp)
	assert.Equal(sh.Now(), batch.HighWater)

	page, err := d.ReadChanges(ctx, "op1", 0, 1)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(page.Events[0].Timestamp, page.HighWater)
}

func TestQueuedWriteProceedsAfterAbort(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, _, _ := prepare(t, config.WriteBlockQueue, "sh2")
	_, err := d.BlockWrites(ctx, "op1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Write(ctx, ns, insert("1"))
		done <- err
	}()

	assert.Eventually(func() bool { return d.Stats().Queued == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("write passed a closed gate")
	default:
	}

	_, err = d.Abort(ctx, "op1", reshard.OperatorAbortReason())
	require.NoError(t, err)
	assert.NoError(<-done)
}

func TestQueuedWriteHonoursContext(t *testing.T) {
	d, _, _ := prepare(t, config.WriteBlockQueue, "sh2")
	_, err := d.BlockWrites(context.TODO(), "op1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = d.Write(ctx, ns, insert("1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommitTurnsGateStale(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, sh, _ := prepare(t, config.WriteBlockQueue, "sh2")
	_, err := d.Write(ctx, ns, insert("1"))
	require.NoError(t, err)

	_, err = d.Commit(ctx, "op1")
	assert.True(rserror.HasCode(err, rserror.RS_ILLEGAL_TRANSITION))

	_, err = d.BlockWrites(ctx, "op1")
	require.NoError(t, err)
	doc, err := d.Commit(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(qdb.DonorDone, doc.MutableState.State)
	assert.Nil(doc.MutableState.AbortReason)

	_, err = d.Write(ctx, ns, insert("2"))
	assert.True(rserror.HasCode(err, rserror.RS_STALE_METADATA))

	_, err = d.Abort(ctx, "op1", reshard.OperatorAbortReason())
	assert.True(rserror.HasCode(err, rserror.RS_COMMIT_DECIDED))

	require.NoError(t, d.Forget(ctx, "op1"))
	cnt, err := sh.Count(ctx, ns)
	assert.NoError(err)
	assert.Zero(cnt)

	_, err = d.Progress(ctx, "op1")
	assert.True(rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION))
	assert.NoError(d.Forget(ctx, "op1"))
}

func TestCommitKeepsDataWhenShardAlsoReceives(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, sh, _ := prepare(t, config.WriteBlockReject, "sh1", "sh2")
	_, err := d.Write(ctx, ns, insert("1"))
	require.NoError(t, err)
	_, err = d.BlockWrites(ctx, "op1")
	require.NoError(t, err)
	_, err = d.Commit(ctx, "op1")
	require.NoError(t, err)

	_, err = d.Write(ctx, ns, insert("2"))
	assert.NoError(err)

	require.NoError(t, d.Forget(ctx, "op1"))
	cnt, err := sh.Count(ctx, ns)
	assert.NoError(err)
	assert.Equal(int64(2), cnt)
}

func TestAbortOverridesLocalReason(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	d, _, _ := prepare(t, config.WriteBlockReject, "sh2")
	require.NoError(t, d.ReportUnrecoverableError(ctx, "op1", rserror.New(rserror.RS_RESOURCE_GONE, "collection dropped")))

	doc, err := d.Progress(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(qdb.DonorAborting, doc.MutableState.State)
	assert.Equal(rserror.RS_RESOURCE_GONE, doc.MutableState.AbortReason.Code)

	_, err = d.Snapshot(ctx, "op1", 1)
	assert.True(rserror.HasCode(err, rserror.RS_OPERATION_ABORTED))

	reason := &qdb.ErrorInfo{Code: rserror.RS_KEY_COLLISION, Message: "duplicate _id"}
	doc, err = d.Abort(ctx, "op1", reason)
	require.NoError(t, err)
	assert.Equal(qdb.DonorDone, doc.MutableState.State)
	assert.Equal(reason, doc.MutableState.AbortReason)
	assert.Equal(rserror.RS_RESOURCE_GONE, doc.LocalAbortReason.Code)

	again, err := d.Abort(ctx, "op1", reason)
	assert.NoError(err)
	assert.Equal(reason, again.MutableState.AbortReason)

	_, err = d.Commit(ctx, "op1")
	assert.True(rserror.HasCode(err, rserror.RS_OPERATION_ABORTED))
}

func TestAbortUnknownOperationRecordsDecision(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	db, err := qdb.RestoreQDB("")
	require.NoError(t, err)
	d := donor.New("sh1", db, memshard.New(nil), "")

	doc, err := d.Abort(ctx, "op9", reshard.OperatorAbortReason())
	require.NoError(t, err)
	assert.Equal(qdb.DonorDone, doc.MutableState.State)

	stored, err := db.GetDonorDoc(ctx, "op9", "sh1")
	require.NoError(t, err)
	assert.Equal(reshard.OperatorAbortReason(), stored.MutableState.AbortReason)
}

func TestForgetRequiresDecision(t *testing.T) {
	d, _, _ := prepare(t, config.WriteBlockReject, "sh2")
	err := d.Forget(context.TODO(), "op1")
	assert.True(t, rserror.HasCode(err, rserror.RS_ILLEGAL_TRANSITION))
}

func TestRecoverReinstallsGate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	path := t.TempDir() + "/qdb.json"
	db, err := qdb.NewMemQDB(path)
	require.NoError(t, err)
	sh := memshard.New(nil)
	d := donor.New("sh1", db, sh, config.WriteBlockReject)
	_, err = d.StartDonating(ctx, &donor.StartDonatingRequest{OperationID: "op1", Namespace: ns, Recipients: []string{"sh2"}})
	require.NoError(t, err)
	_, err = d.BlockWrites(ctx, "op1")
	require.NoError(t, err)

	restored, err := qdb.RestoreQDB(path)
	require.NoError(t, err)
	restarted := donor.New("sh1", restored, sh, config.WriteBlockReject)
	require.NoError(t, restarted.Recover(ctx))

	_, err = restarted.Write(ctx, ns, insert("1"))
	assert.True(rserror.HasCode(err, rserror.RS_WRITES_BLOCKED))
}

func TestForgottenHandoverStaysStaleAcrossRestart(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	path := t.TempDir() + "/qdb.json"
	db, err := qdb.NewMemQDB(path)
	require.NoError(t, err)
	sh := memshard.New(nil)
	d := donor.New("sh1", db, sh, config.WriteBlockReject)
	_, err = d.StartDonating(ctx, &donor.StartDonatingRequest{OperationID: "op1", Namespace: ns, Recipients: []string{"sh2"}})
	require.NoError(t, err)
	_, err = d.BlockWrites(ctx, "op1")
	require.NoError(t, err)
	_, err = d.Commit(ctx, "op1")
	require.NoError(t, err)
	require.NoError(t, d.Forget(ctx, "op1"))

	restored, err := qdb.RestoreQDB(path)
	require.NoError(t, err)
	tombstones, err := restored.ListTombstones(ctx, "sh1")
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal("op1", tombstones[0].OperationID)

	restarted := donor.New("sh1", restored, sh, config.WriteBlockReject)
	require.NoError(t, restarted.Recover(ctx))

	_, err = restarted.Write(ctx, ns, insert("1"))
	assert.True(rserror.HasCode(err, rserror.RS_STALE_METADATA))

	require.NoError(t, restarted.Reclaim(ctx, ns))
	_, err = restarted.Write(ctx, ns, insert("1"))
	assert.NoError(err)

	tombstones, err = restored.ListTombstones(ctx, "sh1")
	assert.NoError(err)
	assert.Empty(tombstones)
}

func TestReceivingShardLeavesNoTombstone(t *testing.T) {
	ctx := context.TODO()

	d, _, db := prepare(t, config.WriteBlockReject, "sh1", "sh2")
	_, err := d.BlockWrites(ctx, "op1")
	require.NoError(t, err)
	_, err = d.Commit(ctx, "op1")
	require.NoError(t, err)

	tombstones, err := db.ListTombstones(ctx, "sh1")
	assert.NoError(t, err)
	assert.Empty(t, tombstones)
}
