package kr

import (
	"bytes"
	"fmt"

	"github.com/pg-sharding/reshard/qdb"
)

type KeyRangeBound []byte

// KeyRange is a half-open interval [LowerBound, UpperBound) of encoded
// partition key values. A nil UpperBound is +inf, a nil LowerBound is -inf.
type KeyRange struct {
	LowerBound KeyRangeBound
	UpperBound KeyRangeBound
}

// Full returns the range covering the whole key space.
func Full() KeyRange {
	return KeyRange{}
}

func CmpRangesLess(kr []byte, other []byte) bool {
	return bytes.Compare(kr, other) < 0
}

func CmpRangesLessEqual(kr []byte, other []byte) bool {
	return bytes.Compare(kr, other) <= 0
}

func CmpRangesEqual(kr []byte, other []byte) bool {
	return bytes.Equal(kr, other)
}

// Contains reports whether key falls into the range.
func (kr KeyRange) Contains(key []byte) bool {
	if kr.LowerBound != nil && CmpRangesLess(key, kr.LowerBound) {
		return false
	}
	if kr.UpperBound != nil && !CmpRangesLess(key, kr.UpperBound) {
		return false
	}
	return true
}

// Intersects reports whether two ranges share at least one key.
func (kr KeyRange) Intersects(other KeyRange) bool {
	_, ok := kr.Intersection(other)
	return ok
}

// Intersection returns the common part of two ranges.
func (kr KeyRange) Intersection(other KeyRange) (KeyRange, bool) {
	res := KeyRange{LowerBound: kr.LowerBound, UpperBound: kr.UpperBound}

	if other.LowerBound != nil && (res.LowerBound == nil || CmpRangesLess(res.LowerBound, other.LowerBound)) {
		res.LowerBound = other.LowerBound
	}
	if other.UpperBound != nil && (res.UpperBound == nil || CmpRangesLess(other.UpperBound, res.UpperBound)) {
		res.UpperBound = other.UpperBound
	}
	if res.LowerBound != nil && res.UpperBound != nil && CmpRangesLessEqual(res.UpperBound, res.LowerBound) {
		return KeyRange{}, false
	}
	return res, true
}

func (kr KeyRange) Equal(other KeyRange) bool {
	return CmpRangesEqual(kr.LowerBound, other.LowerBound) &&
		CmpRangesEqual(kr.UpperBound, other.UpperBound) &&
		(kr.LowerBound == nil) == (other.LowerBound == nil) &&
		(kr.UpperBound == nil) == (other.UpperBound == nil)
}

func (kr KeyRange) String() string {
	lower, upper := "-inf", "+inf"
	if kr.LowerBound != nil {
		lower = fmt.Sprintf("%x", []byte(kr.LowerBound))
	}
	if kr.UpperBound != nil {
		upper = fmt.Sprintf("%x", []byte(kr.UpperBound))
	}
	return fmt.Sprintf("[%s, %s)", lower, upper)
}

// Covers reports whether the ranges, taken together, cover the whole key
// space without gaps or overlaps once sorted by lower bound.
func Covers(ranges []KeyRange) bool {
	if len(ranges) == 0 {
		return false
	}
	if ranges[0].LowerBound != nil {
		return false
	}
	for i := 1; i < len(ranges); i++ {
		prev := ranges[i-1]
		if prev.UpperBound == nil || !CmpRangesEqual(prev.UpperBound, ranges[i].LowerBound) {
			return false
		}
	}
	return ranges[len(ranges)-1].UpperBound == nil
}

func KeyRangeFromDB(kr qdb.KeyRange) KeyRange {
	return KeyRange{
		LowerBound: kr.LowerBound,
		UpperBound: kr.UpperBound,
	}
}

func (kr KeyRange) ToDB() qdb.KeyRange {
	return qdb.KeyRange{
		LowerBound: kr.LowerBound,
		UpperBound: kr.UpperBound,
	}
}
