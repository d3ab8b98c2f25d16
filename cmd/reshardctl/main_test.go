package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-sharding/reshard/qdb"
)

func TestParseChunks(t *testing.T) {
	assert := assert.New(t)

	chunks, err := parseChunks([]string{"customer-4:sh2", ":sh1"})
	require.NoError(t, err)
	assert.Equal([]qdb.Chunk{
		{Range: qdb.KeyRange{UpperBound: []byte("customer-4")}, ShardID: "sh1"},
		{Range: qdb.KeyRange{LowerBound: []byte("customer-4")}, ShardID: "sh2"},
	}, chunks)

	chunks, err = parseChunks(nil)
	require.NoError(t, err)
	assert.Empty(chunks)

	_, err = parseChunks([]string{"customer-4"})
	assert.Error(err)
}
