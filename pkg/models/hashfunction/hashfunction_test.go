package hashfunction_test

import (
	"bytes"
	"testing"

	"github.com/pg-sharding/reshard/pkg/models/hashfunction"
	"github.com/stretchr/testify/assert"
)

func TestEncodeUInt64(t *testing.T) {
	tests := []struct {
		name     string
		inp      uint64
		expected []byte
	}{
		{"Zero value", 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}},
		{"Power of two: 2^7", 128, []byte{128, 1, 0, 0, 0, 0, 0, 0}},
		{"Arbitrary number: 12345", 12345, []byte{185, 96, 0, 0, 0, 0, 0, 0}},
		{"Maximum 56-bit - 1 value", 1<<56 - 1, []byte{255, 255, 255, 255, 255, 255, 255, 127}},
		{"Large number: 2^63", 1 << 63, []byte{128, 128, 128, 128, 128, 128, 128, 128, 128, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := hashfunction.EncodeUInt64(tt.inp)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestKeyBytesIdentityPreservesOrder(t *testing.T) {
	assert := assert.New(t)

	a, err := hashfunction.KeyBytes(int64(-5), hashfunction.HashFunctionIdent)
	assert.NoError(err)
	b, err := hashfunction.KeyBytes(int64(3), hashfunction.HashFunctionIdent)
	assert.NoError(err)
	c, err := hashfunction.KeyBytes(float64(3), hashfunction.HashFunctionIdent)
	assert.NoError(err)

	assert.Equal(-1, bytes.Compare(a, b))
	assert.Equal(b, c)
}

func TestKeyBytesHashed(t *testing.T) {
	assert := assert.New(t)

	for _, hf := range []hashfunction.HashFunctionType{hashfunction.HashFunctionMurmur, hashfunction.HashFunctionCity} {
		k1, err := hashfunction.KeyBytes("user-1", hf)
		assert.NoError(err)
		k2, err := hashfunction.KeyBytes([]byte("user-1"), hf)
		assert.NoError(err)

		assert.Len(k1, 4)
		assert.Equal(k1, k2)
	}

	_, err := hashfunction.KeyBytes(struct{}{}, hashfunction.HashFunctionMurmur)
	assert.Error(err)
}

func TestHashFunctionByName(t *testing.T) {
	assert := assert.New(t)

	for _, name := range []string{"identity", "murmur", "city"} {
		hf, err := hashfunction.HashFunctionByName(name)
		assert.NoError(err)
		assert.Equal(name, hashfunction.ToString(hf))
	}

	_, err := hashfunction.HashFunctionByName("sha1")
	assert.Error(err)
}
