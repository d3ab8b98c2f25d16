package qdb

import "time"

type KeyRange struct {
	LowerBound []byte `json:"from,omitempty"`
	UpperBound []byte `json:"to,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PartitionKey struct {
	Field string `json:"field"`
	Hash  string `json:"hash"`
}

type Chunk struct {
	Range   KeyRange `json:"range"`
	ShardID string   `json:"shard_id"`
}

// CollectionMetadata is the ownership record of one namespace. It is only
// ever replaced as a whole through a compare-and-swap on Version.
type CollectionMetadata struct {
	Namespace             string       `json:"namespace"`
	PartitionKey          PartitionKey `json:"partition_key"`
	Chunks                []Chunk      `json:"chunks"`
	Version               uint64       `json:"version"`
	ReshardingOperationID string       `json:"resharding_operation_id,omitempty"`
}

type CoordinatorState string

const (
	CoordinatorInitializing      = CoordinatorState("initializing")
	CoordinatorPreparingToDonate = CoordinatorState("preparing-to-donate")
	CoordinatorCloning           = CoordinatorState("cloning")
	CoordinatorApplying          = CoordinatorState("applying")
	CoordinatorBlockingWrites    = CoordinatorState("blocking-writes")
	CoordinatorCommitting        = CoordinatorState("committing")
	CoordinatorCommitted         = CoordinatorState("committed")
	CoordinatorAborting          = CoordinatorState("aborting")
	CoordinatorAborted           = CoordinatorState("aborted")
)

func (s CoordinatorState) IsTerminal() bool {
	return s == CoordinatorCommitted || s == CoordinatorAborted
}

type DonorState string

const (
	DonorUnused   = DonorState("unused")
	DonorDonating = DonorState("donating")
	DonorBlocking = DonorState("blocking")
	DonorAborting = DonorState("aborting")
	DonorDone     = DonorState("done")
)

type RecipientState string

const (
	RecipientUnused            = RecipientState("unused")
	RecipientCloning           = RecipientState("cloning")
	RecipientCatchingUp        = RecipientState("catching-up")
	RecipientStrictConsistency = RecipientState("strict-consistency")
	RecipientApplying          = RecipientState("applying")
	RecipientAborting          = RecipientState("aborting")
	RecipientDone              = RecipientState("done")
)

type Participants struct {
	Donors     []string `json:"donors"`
	Recipients []string `json:"recipients"`
}

type CloneProgress struct {
	DocumentsCopied int64 `json:"documents_copied"`
	DocumentsTotal  int64 `json:"documents_total"`
	DonorsCloned    int   `json:"donors_cloned"`
}

type CoordinatorDoc struct {
	OperationID         string            `json:"operation_id"`
	SourceNamespace     string            `json:"source_namespace"`
	OldPartitionKey     PartitionKey      `json:"old_partition_key"`
	NewPartitionKey     PartitionKey      `json:"new_partition_key"`
	State               CoordinatorState  `json:"state"`
	ParticipantShards   Participants      `json:"participant_shards"`
	ChunkAssignment     []Chunk           `json:"chunk_assignment"`
	AbortReason         *ErrorInfo        `json:"abort_reason,omitempty"`
	StartTime           time.Time         `json:"start_time"`
	LastTransition      time.Time         `json:"last_transition"`
	CutoverTimestamp    uint64            `json:"cutover_timestamp,omitempty"`
	CloneTimestamp      uint64            `json:"clone_timestamp,omitempty"`
	DonorBlockPoints    map[string]uint64 `json:"donor_block_points,omitempty"`
	CloneProgress       CloneProgress     `json:"clone_progress"`
	ParticipantsCleaned bool              `json:"participants_cleaned"`
	Version             uint64            `json:"version"`
}

type DonorMutableState struct {
	State       DonorState `json:"state"`
	AbortReason *ErrorInfo `json:"abort_reason,omitempty"`
}

type DonorDoc struct {
	OperationID       string            `json:"operation_id"`
	ShardID           string            `json:"shard_id"`
	Namespace         string            `json:"namespace"`
	OwnedRanges       []KeyRange        `json:"owned_ranges"`
	Recipients        []string          `json:"recipients"`
	MutableState      DonorMutableState `json:"mutable_state"`
	MinFetchTimestamp uint64            `json:"min_fetch_timestamp"`
	BlockTimestamp    uint64            `json:"block_timestamp,omitempty"`
	LocalAbortReason  *ErrorInfo        `json:"local_abort_reason,omitempty"`
}

type DonorSource struct {
	ShardID     string     `json:"shard_id"`
	OwnedRanges []KeyRange `json:"owned_ranges"`
}

type RecipientMutableState struct {
	State       RecipientState `json:"state"`
	AbortReason *ErrorInfo     `json:"abort_reason,omitempty"`
}

type RecipientDoc struct {
	OperationID                string                `json:"operation_id"`
	ShardID                    string                `json:"shard_id"`
	Namespace                  string                `json:"namespace"`
	OldPartitionKey            PartitionKey          `json:"old_partition_key"`
	NewPartitionKey            PartitionKey          `json:"new_partition_key"`
	TargetRanges               []KeyRange            `json:"target_ranges"`
	Donors                     []DonorSource         `json:"donors"`
	MutableState               RecipientMutableState `json:"mutable_state"`
	CloneTimestamp             uint64                `json:"clone_timestamp"`
	CloneProgress              CloneProgress         `json:"clone_progress"`
	AppliedThrough             map[string]uint64     `json:"applied_through,omitempty"`
	DonorsFinished             map[string]uint64     `json:"donors_finished,omitempty"`
	StrictConsistencyTimestamp uint64                `json:"strict_consistency_timestamp,omitempty"`
	LocalAbortReason           *ErrorInfo            `json:"local_abort_reason,omitempty"`
}

type LockKind string

const (
	LockReshard         = LockKind("reshard")
	LockMoveChunk       = LockKind("move_chunk")
	LockTenantMigration = LockKind("tenant_migration")
)

// NamespaceLock marks a namespace as the target of an in-flight
// migration-class operation.
type NamespaceLock struct {
	Namespace   string   `json:"namespace"`
	OperationID string   `json:"operation_id"`
	Kind        LockKind `json:"kind"`
}

// Tombstone marks a namespace a shard handed over to other shards. Writes
// to it are refused until the shard receives the namespace again.
type Tombstone struct {
	ShardID     string `json:"shard_id"`
	Namespace   string `json:"namespace"`
	OperationID string `json:"operation_id"`
}

func participantKey(opID, shardID string) string {
	return opID + "/" + shardID
}
