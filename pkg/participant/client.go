// Package participant exposes a shard's donor and recipient roles to the
// coordinator and to other shards.
package participant

import (
	"context"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/qdb"
)

// Role selects which of a shard's two documents a call addresses.
type Role string

const (
	RoleDonor     = Role("donor")
	RoleRecipient = Role("recipient")
)

// Progress is the answer to reportProgress. A nil document means the
// shard holds none for the operation in that role.
type Progress struct {
	Donor       *qdb.DonorDoc     `json:"donor,omitempty"`
	Recipient   *qdb.RecipientDoc `json:"recipient,omitempty"`
	ClusterTime uint64            `json:"cluster_time"`
}

// Service is implemented by a participant node. Every call is idempotent.
type Service interface {
	BeginDonating(ctx context.Context, req *donor.StartDonatingRequest) (*qdb.DonorDoc, error)
	BeginCloning(ctx context.Context, req *recipient.BeginCloningRequest) (*qdb.RecipientDoc, error)
	ReportProgress(ctx context.Context, opID string) (*Progress, error)
	BlockWrites(ctx context.Context, opID string) (*qdb.DonorDoc, error)
	Commit(ctx context.Context, opID string, role Role) error
	Abort(ctx context.Context, opID string, role Role, reason *qdb.ErrorInfo) error
	Forget(ctx context.Context, opID string, role Role) error

	ReadSnapshot(ctx context.Context, opID string, at uint64) (*datashard.Snapshot, error)
	ReadChanges(ctx context.Context, opID string, after uint64, limit int) (*datashard.ChangeBatch, error)
}

//go:generate mockgen -destination=mock/client_mock.go -package=mock github.com/pg-sharding/reshard/pkg/participant Client

// Client is a connection to one participant shard.
type Client interface {
	Service
	Close() error
}
