package qdb

import (
	"bytes"
	"maps"

	"github.com/pg-sharding/reshard/pkg/models/rserror"
)

// checkCoordinatorUpdate enforces the optimistic version check and the
// immutability of terminal states and attached abort reasons.
func checkCoordinatorUpdate(current, next *CoordinatorDoc, expectedVersion uint64) error {
	if current.Version != expectedVersion {
		return rserror.Newf(rserror.RS_STALE_METADATA,
			"coordinator document %s has version %d, expected %d", current.OperationID, current.Version, expectedVersion)
	}
	if current.State.IsTerminal() && next.State != current.State {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"operation %s is already %s", current.OperationID, current.State)
	}
	if current.AbortReason != nil && (next.AbortReason == nil || *next.AbortReason != *current.AbortReason) {
		return rserror.Newf(rserror.RS_ILLEGAL_TRANSITION,
			"abort reason of operation %s is already set", current.OperationID)
	}
	return nil
}

func copyRanges(rs []KeyRange) []KeyRange {
	if rs == nil {
		return nil
	}
	res := make([]KeyRange, len(rs))
	for i, r := range rs {
		res[i] = KeyRange{LowerBound: bytes.Clone(r.LowerBound), UpperBound: bytes.Clone(r.UpperBound)}
	}
	return res
}

func copyChunks(cs []Chunk) []Chunk {
	if cs == nil {
		return nil
	}
	res := make([]Chunk, len(cs))
	for i, c := range cs {
		res[i] = Chunk{Range: copyRanges([]KeyRange{c.Range})[0], ShardID: c.ShardID}
	}
	return res
}

func copyErrorInfo(e *ErrorInfo) *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func copyTimestamps(m map[string]uint64) map[string]uint64 {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func (d *CoordinatorDoc) Copy() *CoordinatorDoc {
	if d == nil {
		return nil
	}
	c := *d
	c.ParticipantShards = Participants{
		Donors:     append([]string(nil), d.ParticipantShards.Donors...),
		Recipients: append([]string(nil), d.ParticipantShards.Recipients...),
	}
	c.ChunkAssignment = copyChunks(d.ChunkAssignment)
	c.AbortReason = copyErrorInfo(d.AbortReason)
	c.DonorBlockPoints = copyTimestamps(d.DonorBlockPoints)
	return &c
}

func (d *DonorDoc) Copy() *DonorDoc {
	if d == nil {
		return nil
	}
	c := *d
	c.OwnedRanges = copyRanges(d.OwnedRanges)
	c.Recipients = append([]string(nil), d.Recipients...)
	c.MutableState.AbortReason = copyErrorInfo(d.MutableState.AbortReason)
	c.LocalAbortReason = copyErrorInfo(d.LocalAbortReason)
	return &c
}

func (d *RecipientDoc) Copy() *RecipientDoc {
	if d == nil {
		return nil
	}
	c := *d
	c.TargetRanges = copyRanges(d.TargetRanges)
	c.Donors = make([]DonorSource, len(d.Donors))
	for i, s := range d.Donors {
		c.Donors[i] = DonorSource{ShardID: s.ShardID, OwnedRanges: copyRanges(s.OwnedRanges)}
	}
	c.MutableState.AbortReason = copyErrorInfo(d.MutableState.AbortReason)
	c.LocalAbortReason = copyErrorInfo(d.LocalAbortReason)
	c.AppliedThrough = copyTimestamps(d.AppliedThrough)
	c.DonorsFinished = copyTimestamps(d.DonorsFinished)
	return &c
}

func (md *CollectionMetadata) Copy() *CollectionMetadata {
	if md == nil {
		return nil
	}
	c := *md
	c.Chunks = copyChunks(md.Chunks)
	return &c
}
