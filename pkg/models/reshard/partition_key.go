package reshard

import (
	"github.com/pg-sharding/reshard/pkg/models/hashfunction"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/qdb"
)

type PartitionKey struct {
	Field string
	Hash  hashfunction.HashFunctionType
}

func PartitionKeyFromDB(pk qdb.PartitionKey) (PartitionKey, error) {
	hf, err := hashfunction.HashFunctionByName(pk.Hash)
	if err != nil {
		return PartitionKey{}, rserror.Newf(rserror.RS_INVALID_REQUEST, "partition key %s: %s", pk.Field, err)
	}
	return PartitionKey{Field: pk.Field, Hash: hf}, nil
}

func (pk PartitionKey) ToDB() qdb.PartitionKey {
	return qdb.PartitionKey{Field: pk.Field, Hash: hashfunction.ToString(pk.Hash)}
}

func (pk PartitionKey) IsHashed() bool {
	return pk.Hash != hashfunction.HashFunctionIdent
}

func (pk PartitionKey) Equal(other PartitionKey) bool {
	return pk.Field == other.Field && pk.Hash == other.Hash
}

// KeyOf computes the encoded key of a document. A missing field sorts
// below every present value.
func (pk PartitionKey) KeyOf(fields map[string]any) ([]byte, error) {
	v, ok := fields[pk.Field]
	if !ok || v == nil {
		v = []byte{}
	}
	key, err := hashfunction.KeyBytes(v, pk.Hash)
	if err != nil {
		return nil, rserror.Newf(rserror.RS_INVALID_REQUEST, "field %s: %s", pk.Field, err)
	}
	return key, nil
}
