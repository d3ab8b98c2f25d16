// Package datashard describes the storage a participant shard exposes to
// the resharding protocol: point-in-time snapshots, an append-only change
// log resumable by timestamp and local apply into hidden namespaces.
package datashard

import "context"

type OpType string

const (
	OpInsert = OpType("insert")
	OpUpdate = OpType("update")
	OpDelete = OpType("delete")
	// OpFinal marks the point after which a donor accepts no more writes
	// for the namespace.
	OpFinal = OpType("final")
)

type Document struct {
	ID     string         `json:"_id"`
	Fields map[string]any `json:"fields,omitempty"`
}

type ChangeEvent struct {
	Timestamp uint64   `json:"ts"`
	Op        OpType   `json:"op"`
	Namespace string   `json:"ns"`
	Document  Document `json:"doc"`
	TxnID     string   `json:"txn_id,omitempty"`
}

// ChangeBatch is a page of a change log. A reader that received a short
// page has seen every change up to HighWater.
type ChangeBatch struct {
	Events    []ChangeEvent `json:"events"`
	HighWater uint64        `json:"high_water"`
}

type Snapshot struct {
	Documents []Document `json:"documents"`
	// TxnHistory holds ids of retryable writes applied at or before the
	// snapshot timestamp.
	TxnHistory []string `json:"txn_history"`
}

type Store interface {
	// Now returns the latest cluster time the store has seen.
	Now() uint64
	// AdvanceClock makes every later write stamp a timestamp above ts.
	AdvanceClock(ctx context.Context, ts uint64) error

	// Write stamps ev with a fresh timestamp, applies it and appends it to
	// the change log. A write whose TxnID is already recorded is not
	// applied again.
	Write(ctx context.Context, ns string, ev ChangeEvent) (uint64, error)
	AppendFinal(ctx context.Context, ns string) (uint64, error)

	Snapshot(ctx context.Context, ns string, at uint64) (*Snapshot, error)
	ReadChanges(ctx context.Context, ns string, after uint64, limit int) ([]ChangeEvent, error)

	Apply(ctx context.Context, ns string, docs ...Document) error
	Remove(ctx context.Context, ns string, ids ...string) error
	RecordTxn(ctx context.Context, ns string, txnID string) error
	HasTxn(ctx context.Context, ns string, txnID string) (bool, error)

	Get(ctx context.Context, ns string, id string) (*Document, error)
	Count(ctx context.Context, ns string) (int64, error)
	Rename(ctx context.Context, from, to string) error
	Drop(ctx context.Context, ns string) error

	Close() error
}

func (d Document) Copy() Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return Document{ID: d.ID, Fields: fields}
}
