package qdb_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

func newDoc(op, ns string) *qdb.CoordinatorDoc {
	return &qdb.CoordinatorDoc{
		OperationID:     op,
		SourceNamespace: ns,
		State:           qdb.CoordinatorInitializing,
		ParticipantShards: qdb.Participants{
			Donors:     []string{"sh1"},
			Recipients: []string{"sh2"},
		},
	}
}

func TestMemQDBCreateCoordinatorDocLocksNamespace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	memqdb, err := qdb.RestoreQDB("")
	require.NoError(t, err)

	doc := newDoc("op1", "db.coll")
	assert.NoError(memqdb.CreateCoordinatorDoc(ctx, doc))
	assert.Equal(uint64(1), doc.Version)

	err = memqdb.CreateCoordinatorDoc(ctx, newDoc("op2", "db.coll"))
	assert.True(rserror.HasCode(err, rserror.RS_CONFLICTING_OPERATION))

	err = memqdb.AcquireNamespaceLock(ctx, &qdb.NamespaceLock{Namespace: "db.coll", OperationID: "mv", Kind: qdb.LockMoveChunk})
	assert.True(rserror.HasCode(err, rserror.RS_CONFLICTING_OPERATION))

	_, err = memqdb.GetCoordinatorDoc(ctx, "op2")
	assert.True(rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION))

	locks, err := memqdb.ListNamespaceLocks(ctx)
	assert.NoError(err)
	assert.Equal([]*qdb.NamespaceLock{{Namespace: "db.coll", OperationID: "op1", Kind: qdb.LockReshard}}, locks)
}

func TestMemQDBUpdateCoordinatorDoc(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	memqdb, err := qdb.RestoreQDB("")
	require.NoError(t, err)

	doc := newDoc("op1", "db.coll")
	require.NoError(t, memqdb.CreateCoordinatorDoc(ctx, doc))

	stale := doc.Copy()

	doc.State = qdb.CoordinatorAborting
	doc.AbortReason = &qdb.ErrorInfo{Code: "ResourceGone", Message: "first"}
	assert.NoError(memqdb.UpdateCoordinatorDoc(ctx, doc, 1))
	assert.Equal(uint64(2), doc.Version)

	stale.State = qdb.CoordinatorAborting
	stale.AbortReason = &qdb.ErrorInfo{Code: "OperationAborted", Message: "second"}
	err = memqdb.UpdateCoordinatorDoc(ctx, stale, stale.Version)
	assert.True(rserror.HasCode(err, rserror.RS_STALE_METADATA))

	other := doc.Copy()
	other.AbortReason = &qdb.ErrorInfo{Code: "OperationAborted", Message: "second"}
	err = memqdb.UpdateCoordinatorDoc(ctx, other, other.Version)
	assert.True(rserror.HasCode(err, rserror.RS_ILLEGAL_TRANSITION))

	stored, err := memqdb.GetCoordinatorDoc(ctx, "op1")
	assert.NoError(err)
	assert.Equal("first", stored.AbortReason.Message)

	doc.State = qdb.CoordinatorAborted
	assert.NoError(memqdb.UpdateCoordinatorDoc(ctx, doc, doc.Version))

	locks, err := memqdb.ListNamespaceLocks(ctx)
	assert.NoError(err)
	assert.Empty(locks)

	doc.State = qdb.CoordinatorCommitted
	err = memqdb.UpdateCoordinatorDoc(ctx, doc, doc.Version)
	assert.True(rserror.HasCode(err, rserror.RS_ILLEGAL_TRANSITION))

	doc.State = qdb.CoordinatorAborted
	doc.ParticipantsCleaned = true
	assert.NoError(memqdb.UpdateCoordinatorDoc(ctx, doc, doc.Version))

	assert.NoError(memqdb.CreateCoordinatorDoc(ctx, newDoc("op2", "db.coll")))
}

func TestMemQDBReturnsCopies(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	memqdb, err := qdb.RestoreQDB("")
	require.NoError(t, err)

	doc := &qdb.RecipientDoc{
		OperationID:    "op1",
		ShardID:        "sh2",
		AppliedThrough: map[string]uint64{"sh1": 10},
	}
	assert.NoError(memqdb.PutRecipientDoc(ctx, doc))
	doc.AppliedThrough["sh1"] = 20

	got, err := memqdb.GetRecipientDoc(ctx, "op1", "sh2")
	assert.NoError(err)
	assert.Equal(uint64(10), got.AppliedThrough["sh1"])

	got.AppliedThrough["sh1"] = 30
	again, err := memqdb.GetRecipientDoc(ctx, "op1", "sh2")
	assert.NoError(err)
	assert.Equal(uint64(10), again.AppliedThrough["sh1"])
}

func TestMemQDBCASCollectionMetadata(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	memqdb, err := qdb.RestoreQDB("")
	require.NoError(t, err)

	md := &qdb.CollectionMetadata{
		Namespace:    "db.coll",
		PartitionKey: qdb.PartitionKey{Field: "a", Hash: "ident"},
		Chunks:       []qdb.Chunk{{ShardID: "sh1"}},
	}
	assert.NoError(memqdb.CreateCollectionMetadata(ctx, md))
	assert.True(rserror.HasCode(memqdb.CreateCollectionMetadata(ctx, md), rserror.RS_INVALID_REQUEST))

	next := md.Copy()
	next.Chunks = []qdb.Chunk{{ShardID: "sh2"}}
	next.ReshardingOperationID = "op1"
	assert.NoError(memqdb.CASCollectionMetadata(ctx, next, 1))
	assert.Equal(uint64(2), next.Version)

	err = memqdb.CASCollectionMetadata(ctx, md, 1)
	assert.True(rserror.HasCode(err, rserror.RS_STALE_METADATA))

	got, err := memqdb.GetCollectionMetadata(ctx, "db.coll")
	assert.NoError(err)
	assert.Equal("sh2", got.Chunks[0].ShardID)
	assert.Equal("op1", got.ReshardingOperationID)
}

func TestMemQDBRestore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	backup := filepath.Join(t.TempDir(), "memqdb.json")

	memqdb, err := qdb.RestoreQDB(backup)
	require.NoError(t, err)

	assert.NoError(memqdb.TryCoordinatorLock(ctx, "coord1"))
	assert.NoError(memqdb.CreateCoordinatorDoc(ctx, newDoc("op1", "db.coll")))
	assert.NoError(memqdb.PutDonorDoc(ctx, &qdb.DonorDoc{
		OperationID:  "op1",
		ShardID:      "sh1",
		MutableState: qdb.DonorMutableState{State: qdb.DonorDonating},
	}))

	restored, err := qdb.RestoreQDB(backup)
	require.NoError(t, err)

	doc, err := restored.GetCoordinatorDoc(ctx, "op1")
	assert.NoError(err)
	assert.Equal(qdb.CoordinatorInitializing, doc.State)
	assert.Equal(uint64(1), doc.Version)

	donors, err := restored.ListDonorDocs(ctx)
	assert.NoError(err)
	assert.Len(donors, 1)
	assert.Equal(qdb.DonorDonating, donors[0].MutableState.State)

	err = restored.CreateCoordinatorDoc(ctx, newDoc("op2", "db.coll"))
	assert.True(rserror.HasCode(err, rserror.RS_CONFLICTING_OPERATION))

	assert.NoError(restored.TryCoordinatorLock(ctx, "coord2"))
	addr, err := restored.GetCoordinator(ctx)
	assert.NoError(err)
	assert.Equal("coord2", addr)
}

func TestMemQDBConcurrentCreate(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()

	memqdb, err := qdb.RestoreQDB("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = memqdb.CreateCoordinatorDoc(ctx, newDoc(string(rune('a'+i)), "db.coll"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(rserror.HasCode(err, rserror.RS_CONFLICTING_OPERATION))
		}
	}
	assert.Equal(1, succeeded)
}
