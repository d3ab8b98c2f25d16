package rserror_test

import (
	"fmt"
	"testing"

	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	assert := assert.New(t)

	terminal := rserror.Newf(rserror.RS_KEY_COLLISION, "duplicate _id %q", "a")
	retryable := rserror.NewRetryable(rserror.RS_TRANSIENT, "timeout talking to %s", "sh1")

	assert.False(rserror.IsRetryable(terminal))
	assert.True(rserror.IsRetryable(retryable))
	assert.True(rserror.IsRetryable(fmt.Errorf("wrapped: %w", retryable)))
	assert.False(rserror.IsRetryable(fmt.Errorf("plain")))
}

func TestCodeOf(t *testing.T) {
	assert := assert.New(t)

	err := rserror.New(rserror.RS_CONFLICTING_OPERATION, "namespace db.coll is busy")
	assert.Equal(rserror.RS_CONFLICTING_OPERATION, rserror.CodeOf(err))
	assert.Equal(rserror.RS_CONFLICTING_OPERATION, rserror.CodeOf(fmt.Errorf("ctx: %w", err)))
	assert.Equal(rserror.RS_UNEXPECTED, rserror.CodeOf(fmt.Errorf("boom")))
	assert.True(rserror.HasCode(err, rserror.RS_CONFLICTING_OPERATION))
	assert.False(rserror.HasCode(nil, rserror.RS_CONFLICTING_OPERATION))

	assert.Equal("ConflictingOperation: namespace db.coll is busy", err.Error())
	assert.Equal("namespace db.coll is busy", rserror.Description(err))
}
