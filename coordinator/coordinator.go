package coordinator

import (
	"context"

	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/qdb"
)

type ReshardRequest struct {
	Namespace       string           `json:"namespace"`
	NewPartitionKey qdb.PartitionKey `json:"new_partition_key"`
	// Recipients defaults to the owners named by Chunks, or to the current
	// owners of the namespace.
	Recipients []string `json:"recipients,omitempty"`
	// Chunks places the new key space. Keys that are not hashed need it
	// for more than one recipient.
	Chunks []qdb.Chunk `json:"chunks,omitempty"`
}

type ShardRequest struct {
	Namespace    string           `json:"namespace"`
	PartitionKey qdb.PartitionKey `json:"partition_key"`
	// Chunks defaults to an even split of the key space over Shards.
	Chunks []qdb.Chunk `json:"chunks,omitempty"`
	Shards []string    `json:"shards,omitempty"`
}

type ReshardStatus struct {
	OperationID   string               `json:"operation_id"`
	Namespace     string               `json:"namespace"`
	State         qdb.CoordinatorState `json:"state"`
	AbortReason   *qdb.ErrorInfo       `json:"abort_reason,omitempty"`
	CloneProgress *qdb.CloneProgress   `json:"clone_progress,omitempty"`
}

type Coordinator interface {
	ShardCollection(ctx context.Context, req *ShardRequest) (*qdb.CollectionMetadata, error)
	ReshardCollection(ctx context.Context, req *ReshardRequest) (string, error)
	AbortReshard(ctx context.Context, opID string) error
	GetReshardStatus(ctx context.Context, opID string) (*ReshardStatus, error)
	ListOperations(ctx context.Context) ([]*ReshardStatus, error)
	GetStatistics() *statistics.Snapshot

	// IsReadOnly is true while another coordinator holds the QDB lock.
	IsReadOnly() bool
	RunCoordinator(ctx context.Context)
}
