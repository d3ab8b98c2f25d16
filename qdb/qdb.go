package qdb

import (
	"context"
	"fmt"
)

// CoordinatorQDB keeps the coordinator's documents and the ownership metadata.
type CoordinatorQDB interface {
	CreateCoordinatorDoc(ctx context.Context, doc *CoordinatorDoc) error
	GetCoordinatorDoc(ctx context.Context, id string) (*CoordinatorDoc, error)
	ListCoordinatorDocs(ctx context.Context) ([]*CoordinatorDoc, error)
	UpdateCoordinatorDoc(ctx context.Context, doc *CoordinatorDoc, expectedVersion uint64) error

	AcquireNamespaceLock(ctx context.Context, lock *NamespaceLock) error
	ReleaseNamespaceLock(ctx context.Context, namespace string, opID string) error
	ListNamespaceLocks(ctx context.Context) ([]*NamespaceLock, error)

	CreateCollectionMetadata(ctx context.Context, md *CollectionMetadata) error
	GetCollectionMetadata(ctx context.Context, namespace string) (*CollectionMetadata, error)
	CASCollectionMetadata(ctx context.Context, md *CollectionMetadata, expectedVersion uint64) error

	TryCoordinatorLock(ctx context.Context, addr string) error
	GetCoordinator(ctx context.Context) (string, error)
}

// ParticipantQDB keeps the local documents of a donor or recipient node.
type ParticipantQDB interface {
	PutDonorDoc(ctx context.Context, doc *DonorDoc) error
	GetDonorDoc(ctx context.Context, opID, shardID string) (*DonorDoc, error)
	ListDonorDocs(ctx context.Context) ([]*DonorDoc, error)
	DeleteDonorDoc(ctx context.Context, opID, shardID string) error

	PutRecipientDoc(ctx context.Context, doc *RecipientDoc) error
	GetRecipientDoc(ctx context.Context, opID, shardID string) (*RecipientDoc, error)
	ListRecipientDocs(ctx context.Context) ([]*RecipientDoc, error)
	DeleteRecipientDoc(ctx context.Context, opID, shardID string) error

	PutTombstone(ctx context.Context, t *Tombstone) error
	ListTombstones(ctx context.Context, shardID string) ([]*Tombstone, error)
	DeleteTombstone(ctx context.Context, shardID, ns string) error
}

type QDB interface {
	CoordinatorQDB
	ParticipantQDB
}

func NewQDB(qdbType string, addr string, backupPath string) (QDB, error) {
	switch qdbType {
	case "etcd":
		return NewEtcdQDB(addr)
	case "mem", "":
		return RestoreQDB(backupPath)
	default:
		return nil, fmt.Errorf("qdb implementation %s is invalid", qdbType)
	}
}
