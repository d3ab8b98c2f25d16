package kr_test

import (
	"testing"

	"github.com/pg-sharding/reshard/pkg/models/kr"
	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	assert := assert.New(t)

	for i, c := range []struct {
		krg      kr.KeyRange
		key      []byte
		expected bool
	}{
		{krg: kr.Full(), key: []byte{0}, expected: true},
		{krg: kr.KeyRange{LowerBound: []byte{0x10}}, key: []byte{0x10}, expected: true},
		{krg: kr.KeyRange{LowerBound: []byte{0x10}}, key: []byte{0x0f}, expected: false},
		{krg: kr.KeyRange{UpperBound: []byte{0x10}}, key: []byte{0x10}, expected: false},
		{krg: kr.KeyRange{LowerBound: []byte{0x01}, UpperBound: []byte{0x10}}, key: []byte{0x05, 0xff}, expected: true},
	} {
		assert.Equal(c.expected, c.krg.Contains(c.key), "case %d", i)
	}
}

func TestIntersection(t *testing.T) {
	assert := assert.New(t)

	a := kr.KeyRange{LowerBound: []byte{0x00}, UpperBound: []byte{0x80}}
	b := kr.KeyRange{LowerBound: []byte{0x40}}

	res, ok := a.Intersection(b)
	assert.True(ok)
	assert.Equal(kr.KeyRangeBound{0x40}, res.LowerBound)
	assert.Equal(kr.KeyRangeBound{0x80}, res.UpperBound)

	_, ok = a.Intersection(kr.KeyRange{LowerBound: []byte{0x80}})
	assert.False(ok)

	assert.True(kr.Full().Intersects(a))
}

func TestCovers(t *testing.T) {
	assert := assert.New(t)

	assert.True(kr.Covers([]kr.KeyRange{kr.Full()}))
	assert.True(kr.Covers([]kr.KeyRange{
		{UpperBound: []byte{0x40}},
		{LowerBound: []byte{0x40}, UpperBound: []byte{0x80}},
		{LowerBound: []byte{0x80}},
	}))
	assert.False(kr.Covers([]kr.KeyRange{
		{UpperBound: []byte{0x40}},
		{LowerBound: []byte{0x50}},
	}))
	assert.False(kr.Covers(nil))
}
