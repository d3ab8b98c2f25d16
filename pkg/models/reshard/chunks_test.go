package reshard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pg-sharding/reshard/pkg/models/hashfunction"
	"github.com/pg-sharding/reshard/pkg/models/kr"
	"github.com/pg-sharding/reshard/pkg/models/reshard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
)

func TestSplitKeySpace(t *testing.T) {
	assert := assert.New(t)

	chunks := reshard.SplitKeySpace([]string{"sh1", "sh2", "sh3", "sh4"}, true)
	assert.Len(chunks, 4)
	assert.Nil(chunks[0].Range.LowerBound)
	assert.Equal(kr.KeyRangeBound{0x40, 0, 0, 0}, chunks[0].Range.UpperBound)
	assert.Equal(kr.KeyRangeBound{0x40, 0, 0, 0}, chunks[1].Range.LowerBound)
	assert.Equal(kr.KeyRangeBound{0xc0, 0, 0, 0}, chunks[3].Range.LowerBound)
	assert.Nil(chunks[3].Range.UpperBound)
	assert.NoError(reshard.ValidateAssignment(chunks, []string{"sh1", "sh2", "sh3", "sh4"}))

	single := reshard.SplitKeySpace([]string{"sh1", "sh2"}, false)
	assert.Equal([]reshard.Chunk{{Range: kr.Full(), ShardID: "sh1"}}, single)

	assert.Nil(reshard.SplitKeySpace(nil, true))
}

func TestSplitKeySpaceRoutesEveryKey(t *testing.T) {
	assert := assert.New(t)

	chunks := reshard.SplitKeySpace([]string{"a", "b", "c"}, true)
	pk := reshard.PartitionKey{Field: "uid", Hash: hashfunction.HashFunctionMurmur}
	for i := 0; i < 300; i++ {
		key, err := pk.KeyOf(map[string]any{"uid": int64(i)})
		assert.NoError(err)

		owners := 0
		for _, c := range chunks {
			if c.Range.Contains(key) {
				owners++
			}
		}
		assert.Equal(1, owners)
	}
}

func TestValidateAssignment(t *testing.T) {
	assert := assert.New(t)

	for _, tt := range []struct {
		name   string
		chunks []reshard.Chunk
		ok     bool
	}{
		{
			name:   "full",
			chunks: []reshard.Chunk{{Range: kr.Full(), ShardID: "sh1"}},
			ok:     true,
		},
		{
			name: "unordered",
			chunks: []reshard.Chunk{
				{Range: kr.KeyRange{LowerBound: []byte{5}}, ShardID: "sh2"},
				{Range: kr.KeyRange{UpperBound: []byte{5}}, ShardID: "sh1"},
			},
			ok: true,
		},
		{
			name: "gap",
			chunks: []reshard.Chunk{
				{Range: kr.KeyRange{UpperBound: []byte{5}}, ShardID: "sh1"},
				{Range: kr.KeyRange{LowerBound: []byte{6}}, ShardID: "sh2"},
			},
		},
		{
			name:   "unknown shard",
			chunks: []reshard.Chunk{{Range: kr.Full(), ShardID: "sh9"}},
		},
		{
			name: "empty",
		},
	} {
		err := reshard.ValidateAssignment(tt.chunks, []string{"sh1", "sh2"})
		if tt.ok {
			assert.NoError(err, tt.name)
		} else {
			assert.True(rserror.HasCode(err, rserror.RS_INVALID_REQUEST), tt.name)
		}
	}
}

func TestOwnersAndRanges(t *testing.T) {
	assert := assert.New(t)

	chunks := []reshard.Chunk{
		{Range: kr.KeyRange{UpperBound: []byte{5}}, ShardID: "sh2"},
		{Range: kr.KeyRange{LowerBound: []byte{5}, UpperBound: []byte{9}}, ShardID: "sh1"},
		{Range: kr.KeyRange{LowerBound: []byte{9}}, ShardID: "sh2"},
	}
	assert.Equal([]string{"sh1", "sh2"}, reshard.Owners(chunks))
	assert.Len(reshard.RangesOf(chunks, "sh2"), 2)
	assert.True(reshard.AnyContains(reshard.RangesOf(chunks, "sh2"), []byte{10}))
	assert.False(reshard.AnyContains(reshard.RangesOf(chunks, "sh2"), []byte{6}))

	assert.Equal(chunks, reshard.ChunksFromDB(reshard.ChunksToDB(chunks)))
}

func TestTempNamespace(t *testing.T) {
	assert.Equal(t, "db.coll.reshard_op1", reshard.TempNamespace("db.coll", "op1"))
}
