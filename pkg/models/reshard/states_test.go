package reshard_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

func TestCoordinatorTransitions(t *testing.T) {
	assert := assert.New(t)

	path := []qdb.CoordinatorState{
		qdb.CoordinatorInitializing,
		qdb.CoordinatorPreparingToDonate,
		qdb.CoordinatorCloning,
		qdb.CoordinatorApplying,
		qdb.CoordinatorBlockingWrites,
		qdb.CoordinatorCommitting,
		qdb.CoordinatorCommitted,
	}
	for i := 0; i+1 < len(path); i++ {
		assert.True(reshard.CanTransitionCoordinator(path[i], path[i+1]), path[i])
		next, ok := reshard.NextCoordinatorState(path[i])
		assert.True(ok)
		assert.Equal(path[i+1], next)
	}
	for _, s := range path[:5] {
		assert.True(reshard.CanTransitionCoordinator(s, qdb.CoordinatorAborting), s)
	}

	assert.False(reshard.CanTransitionCoordinator(qdb.CoordinatorCommitting, qdb.CoordinatorAborting))
	assert.False(reshard.CanTransitionCoordinator(qdb.CoordinatorCommitted, qdb.CoordinatorAborting))
	assert.False(reshard.CanTransitionCoordinator(qdb.CoordinatorAborted, qdb.CoordinatorAborting))
	assert.False(reshard.CanTransitionCoordinator(qdb.CoordinatorCloning, qdb.CoordinatorCommitting))

	_, ok := reshard.NextCoordinatorState(qdb.CoordinatorCommitted)
	assert.False(ok)
	assert.False(reshard.IsKnownCoordinatorState("bogus"))
}

func TestParticipantTransitions(t *testing.T) {
	assert := assert.New(t)

	assert.True(reshard.CanTransitionDonor(qdb.DonorDonating, qdb.DonorBlocking))
	assert.True(reshard.CanTransitionDonor(qdb.DonorBlocking, qdb.DonorAborting))
	assert.False(reshard.CanTransitionDonor(qdb.DonorDone, qdb.DonorAborting))
	assert.False(reshard.CanTransitionDonor(qdb.DonorUnused, qdb.DonorBlocking))

	assert.True(reshard.CanTransitionRecipient(qdb.RecipientCatchingUp, qdb.RecipientStrictConsistency))
	assert.False(reshard.CanTransitionRecipient(qdb.RecipientApplying, qdb.RecipientAborting))
	assert.False(reshard.CanTransitionRecipient(qdb.RecipientCloning, qdb.RecipientDone))
}

func TestErrorInfo(t *testing.T) {
	assert := assert.New(t)

	info := reshard.ToErrorInfo(rserror.New(rserror.RS_RESOURCE_GONE, "collection dropped"))
	assert.Equal(&qdb.ErrorInfo{Code: "ResourceGone", Message: "collection dropped"}, info)
	assert.True(rserror.HasCode(reshard.ErrorFromInfo(info), rserror.RS_RESOURCE_GONE))

	assert.Equal("RSU", reshard.ToErrorInfo(errors.New("boom")).Code)
	assert.Nil(reshard.ToErrorInfo(nil))

	assert.True(reshard.SameReason(info, &qdb.ErrorInfo{Code: "ResourceGone", Message: "collection dropped"}))
	assert.False(reshard.SameReason(info, nil))
	assert.True(reshard.SameReason(nil, nil))
}
