package coord

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/participant/mock"
	"github.com/pg-sharding/reshard/qdb"
)

func prepareMocked(t *testing.T) (*ReshardCoordinator, map[string]*mock.MockClient, string) {
	t.Helper()
	ctrl := gomock.NewController(t)
	db, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	pool := participant.NewPool(nil, nil)
	mocks := map[string]*mock.MockClient{}
	for _, id := range []string{"sh1", "sh2"} {
		mocks[id] = mock.NewMockClient(ctrl)
		pool.Add(id, mocks[id])
	}
	qc := NewReshardCoordinator(db, pool, Options{Addr: "coordinator:7002"})

	_, err = qc.ShardCollection(context.TODO(), &coordinator.ShardRequest{
		Namespace:    ns,
		PartitionKey: oldKey,
		Chunks: []qdb.Chunk{
			{Range: qdb.KeyRange{UpperBound: []byte("m")}, ShardID: "sh1"},
			{Range: qdb.KeyRange{LowerBound: []byte("m")}, ShardID: "sh2"},
		},
	})
	require.NoError(t, err)

	opID, err := qc.ReshardCollection(context.TODO(), &coordinator.ReshardRequest{Namespace: ns, NewPartitionKey: newKey})
	require.NoError(t, err)
	return qc, mocks, opID
}

func TestAbortReasonReachesEveryParticipant(t *testing.T) {
	assert := assert.New(t)
	qc, mocks, opID := prepareMocked(t)

	reason := reshard.ToErrorInfo(rserror.New(rserror.RS_KEY_COLLISION, "document a1 is served by both sh1 and sh2"))
	require.NoError(t, qc.Abort(context.TODO(), opID, reason))
	// the first reason stays
	require.NoError(t, qc.AbortReshard(context.TODO(), opID))

	st, err := qc.GetReshardStatus(context.TODO(), opID)
	require.NoError(t, err)
	assert.Equal(qdb.CoordinatorAborting, st.State)
	assert.Equal(reason, st.AbortReason)

	for _, m := range mocks {
		m.EXPECT().Abort(gomock.Any(), opID, participant.RoleDonor, reason).Return(nil)
		m.EXPECT().Abort(gomock.Any(), opID, participant.RoleRecipient, reason).Return(nil)
		m.EXPECT().ReportProgress(gomock.Any(), opID).Return(&participant.Progress{
			Donor: &qdb.DonorDoc{
				OperationID:  opID,
				MutableState: qdb.DonorMutableState{State: qdb.DonorDone, AbortReason: reason},
			},
			Recipient: &qdb.RecipientDoc{
				OperationID:  opID,
				MutableState: qdb.RecipientMutableState{State: qdb.RecipientDone, AbortReason: reason},
			},
		}, nil)
		m.EXPECT().Forget(gomock.Any(), opID, participant.RoleRecipient).Return(nil)
		m.EXPECT().Forget(gomock.Any(), opID, participant.RoleDonor).Return(nil)
	}

	state, err := qc.Advance(context.TODO(), opID)
	require.NoError(t, err)
	assert.Equal(qdb.CoordinatorAborted, state)

	md, err := qc.db.GetCollectionMetadata(context.TODO(), ns)
	require.NoError(t, err)
	assert.Equal(uint64(1), md.Version)
}

func TestDecidedCommitIsRetriedNotAborted(t *testing.T) {
	assert := assert.New(t)
	qc, mocks, opID := prepareMocked(t)

	doc, err := qc.db.GetCoordinatorDoc(context.TODO(), opID)
	require.NoError(t, err)
	doc.State = qdb.CoordinatorCommitting
	require.NoError(t, qc.db.UpdateCoordinatorDoc(context.TODO(), doc, doc.Version))

	err = qc.AbortReshard(context.TODO(), opID)
	assert.True(rserror.HasCode(err, rserror.RS_COMMIT_DECIDED))

	for _, m := range mocks {
		m.EXPECT().Commit(gomock.Any(), opID, participant.RoleRecipient).Return(nil).Times(2)
		m.EXPECT().Forget(gomock.Any(), opID, participant.RoleRecipient).Return(nil)
		m.EXPECT().Forget(gomock.Any(), opID, participant.RoleDonor).Return(nil)
	}
	mocks["sh1"].EXPECT().Commit(gomock.Any(), opID, participant.RoleDonor).Return(nil).MinTimes(1).MaxTimes(2)
	mocks["sh2"].EXPECT().Commit(gomock.Any(), opID, participant.RoleDonor).
		Return(rserror.New(rserror.RS_ILLEGAL_TRANSITION, "donor sh2 is not blocking"))
	mocks["sh2"].EXPECT().Commit(gomock.Any(), opID, participant.RoleDonor).Return(nil)

	state, err := qc.Advance(context.TODO(), opID)
	assert.Error(err)
	assert.Equal(qdb.CoordinatorCommitting, state)

	md, err := qc.db.GetCollectionMetadata(context.TODO(), ns)
	require.NoError(t, err)
	assert.Equal(uint64(2), md.Version)
	assert.Equal(newKey, md.PartitionKey)

	state, err = qc.Advance(context.TODO(), opID)
	require.NoError(t, err)
	assert.Equal(qdb.CoordinatorCommitted, state)

	// the swap happens once
	md, err = qc.db.GetCollectionMetadata(context.TODO(), ns)
	require.NoError(t, err)
	assert.Equal(uint64(2), md.Version)

	st, err := qc.GetReshardStatus(context.TODO(), opID)
	require.NoError(t, err)
	assert.Nil(st.AbortReason)
}

func TestIsReadOnlyUntilLocked(t *testing.T) {
	assert := assert.New(t)
	db, err := qdb.NewMemQDB("")
	require.NoError(t, err)

	qc := NewReshardCoordinator(db, participant.NewPool(nil, nil), Options{Addr: "coordinator:7002"})
	assert.True(qc.IsReadOnly())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	qc.RunCoordinator(ctx)
	assert.False(qc.IsReadOnly())

	other := NewReshardCoordinator(db, participant.NewPool(nil, nil), Options{Addr: "coordinator:7003"})
	assert.Error(other.lockCoordinator(ctx))
	assert.True(other.IsReadOnly())
}
