package reshard

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/pg-sharding/reshard/pkg/models/hashfunction"
	"github.com/pg-sharding/reshard/pkg/models/kr"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

type Chunk struct {
	Range   kr.KeyRange
	ShardID string
}

func ChunksFromDB(chunks []qdb.Chunk) []Chunk {
	res := make([]Chunk, len(chunks))
	for i, c := range chunks {
		res[i] = Chunk{Range: kr.KeyRangeFromDB(c.Range), ShardID: c.ShardID}
	}
	return res
}

func ChunksToDB(chunks []Chunk) []qdb.Chunk {
	res := make([]qdb.Chunk, len(chunks))
	for i, c := range chunks {
		res[i] = qdb.Chunk{Range: c.Range.ToDB(), ShardID: c.ShardID}
	}
	return res
}

func RangesFromDB(rs []qdb.KeyRange) []kr.KeyRange {
	res := make([]kr.KeyRange, len(rs))
	for i, r := range rs {
		res[i] = kr.KeyRangeFromDB(r)
	}
	return res
}

func RangesToDB(rs []kr.KeyRange) []qdb.KeyRange {
	res := make([]qdb.KeyRange, len(rs))
	for i, r := range rs {
		res[i] = r.ToDB()
	}
	return res
}

// SplitKeySpace assigns the new key space to shards in equal contiguous
// parts. Hashed keys split the hash space, other keys cannot be split
// without data statistics and go to the first shard whole.
func SplitKeySpace(shards []string, hashed bool) []Chunk {
	if len(shards) == 0 {
		return nil
	}
	if !hashed || len(shards) == 1 {
		return []Chunk{{Range: kr.Full(), ShardID: shards[0]}}
	}

	n := uint64(len(shards))
	step := hashfunction.HashSpaceSize / n
	res := make([]Chunk, 0, n)
	for i := uint64(0); i < n; i++ {
		var r kr.KeyRange
		if i > 0 {
			r.LowerBound = hashfunction.EncodeHash(uint32(i * step))
		}
		if i < n-1 {
			r.UpperBound = hashfunction.EncodeHash(uint32((i + 1) * step))
		}
		res = append(res, Chunk{Range: r, ShardID: shards[i]})
	}
	return res
}

// ValidateAssignment checks that the chunks cover the key space exactly
// once and only name the given shards.
func ValidateAssignment(chunks []Chunk, shards []string) error {
	ranges := make([]kr.KeyRange, len(chunks))
	for i, c := range chunks {
		if !slices.Contains(shards, c.ShardID) {
			return rserror.Newf(rserror.RS_INVALID_REQUEST, "chunk %s is assigned to unknown shard %s", c.Range, c.ShardID)
		}
		ranges[i] = c.Range
	}
	slices.SortFunc(ranges, func(a, b kr.KeyRange) int {
		switch {
		case a.LowerBound == nil && b.LowerBound == nil:
			return 0
		case a.LowerBound == nil:
			return -1
		case b.LowerBound == nil:
			return 1
		case kr.CmpRangesLess(a.LowerBound, b.LowerBound):
			return -1
		case kr.CmpRangesEqual(a.LowerBound, b.LowerBound):
			return 0
		default:
			return 1
		}
	})
	if !kr.Covers(ranges) {
		return rserror.New(rserror.RS_INVALID_REQUEST, "chunks do not cover the key space exactly once")
	}
	return nil
}

// RangesOf returns the ranges assigned to shard.
func RangesOf(chunks []Chunk, shard string) []kr.KeyRange {
	var res []kr.KeyRange
	for _, c := range chunks {
		if c.ShardID == shard {
			res = append(res, c.Range)
		}
	}
	return res
}

// Owners lists the distinct shards named by chunks in sorted order.
func Owners(chunks []Chunk) []string {
	var res []string
	for _, c := range chunks {
		if !slices.Contains(res, c.ShardID) {
			res = append(res, c.ShardID)
		}
	}
	slices.Sort(res)
	return res
}

func AnyContains(ranges []kr.KeyRange, key []byte) bool {
	for _, r := range ranges {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// TempNamespace is the hidden namespace a recipient clones into.
func TempNamespace(ns, opID string) string {
	return fmt.Sprintf("%s.reshard_%s", ns, opID)
}
