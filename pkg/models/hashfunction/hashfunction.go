package hashfunction

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-faster/city"
	"github.com/spaolacci/murmur3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionIdent  = HashFunctionType(0)
	HashFunctionMurmur = HashFunctionType(1)
	HashFunctionCity   = HashFunctionType(2)
)

var (
	errUnknownValueType = func(v interface{}, hf HashFunctionType) error {
		return fmt.Errorf("unknown type of value that the hash will be calculated from: %T for %s hash type", v, ToString(hf))
	}
)

// HashSpaceSize is the number of distinct values a hashed partition key can take.
const HashSpaceSize = uint64(1) << 32

func EncodeUInt64(input uint64) []byte {
	const ENCODING_BYTES_BIG = binary.MaxVarintLen64
	const ENCODING_BYTES = 8
	const BOUND = 1 << 56 /* 72057594037927936 */

	sz := ENCODING_BYTES
	if input >= BOUND {
		sz = ENCODING_BYTES_BIG
	}

	buf := make([]byte, sz)
	binary.PutUvarint(buf, input)
	return buf
}

// EncodeHash encodes a hash value so that byte order matches numeric order.
func EncodeHash(h uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, h)
	return buf
}

// canonicalBytes turns a document field value into the bytes a hash is taken from.
func canonicalBytes(input any, hf HashFunctionType) ([]byte, error) {
	switch v := input.(type) {
	case int64:
		return EncodeUInt64(uint64(v)), nil
	case int:
		return EncodeUInt64(uint64(v)), nil
	case uint64:
		return EncodeUInt64(v), nil
	case float64:
		// documents decoded from JSON carry integers as float64
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return EncodeUInt64(uint64(int64(v))), nil
		}
		return EncodeUInt64(math.Float64bits(v)), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, errUnknownValueType(input, hf)
	}
}

// identityBytes encodes a value so that the byte order follows the value order.
func identityBytes(input any) ([]byte, error) {
	switch v := input.(type) {
	case int64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v)^(1<<63))
		return buf, nil
	case int:
		return identityBytes(int64(v))
	case uint64:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, v)
		return buf, nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return identityBytes(int64(v))
		}
		return nil, errUnknownValueType(input, HashFunctionIdent)
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, errUnknownValueType(input, HashFunctionIdent)
	}
}

func ApplyMurmurHashFunction(input any) (uint32, error) {
	buf, err := canonicalBytes(input, HashFunctionMurmur)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum32(buf), nil
}

func ApplyCityHashFunction(input any) (uint32, error) {
	buf, err := canonicalBytes(input, HashFunctionCity)
	if err != nil {
		return 0, err
	}
	return city.Hash32(buf), nil
}

// KeyBytes maps a partition key value to the encoded key that key ranges
// are defined over.
func KeyBytes(input any, hf HashFunctionType) ([]byte, error) {
	switch hf {
	case HashFunctionIdent:
		return identityBytes(input)
	case HashFunctionMurmur:
		h, err := ApplyMurmurHashFunction(input)
		if err != nil {
			return nil, err
		}
		return EncodeHash(h), nil
	case HashFunctionCity:
		h, err := ApplyCityHashFunction(input)
		if err != nil {
			return nil, err
		}
		return EncodeHash(h), nil
	default:
		return nil, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

// HashFunctionByName returns the corresponding HashFunctionType based on the given hash function name.
func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "identity", "ident", "":
		return HashFunctionIdent, nil
	case "murmur":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

// ToString converts a HashFunctionType to its corresponding string representation.
func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionIdent:
		return "identity"
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	}
	return ""
}
