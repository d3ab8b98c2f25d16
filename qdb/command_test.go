package qdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecuteCommandsUndoOnSaveFailure(t *testing.T) {
	assert := assert.New(t)

	m := map[string]int{"a": 1, "b": 2}
	err := ExecuteCommands(func() error { return errors.New("disk full") },
		NewUpdateCommand(m, "a", 10),
		NewUpdateCommand(m, "c", 3),
		NewDeleteCommand(m, "b"),
	)
	assert.EqualError(err, "disk full")
	assert.Equal(map[string]int{"a": 1, "b": 2}, m)
}

func TestExecuteCommands(t *testing.T) {
	assert := assert.New(t)

	m := map[string]int{"a": 1, "b": 2}
	err := ExecuteCommands(func() error { return nil },
		NewUpdateCommand(m, "a", 10),
		NewDeleteCommand(m, "b"),
	)
	assert.NoError(err)
	assert.Equal(map[string]int{"a": 10}, m)
}
