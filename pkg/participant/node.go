package participant

import (
	"context"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/donor"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/recipient"
	"github.com/pg-sharding/reshard/pkg/rslog"
	"github.com/pg-sharding/reshard/qdb"
)

// Node is one shard playing both participant roles over a single store.
type Node struct {
	ShardID   string
	Donor     *donor.Donor
	Recipient *recipient.Recipient

	store datashard.Store
}

var _ Service = &Node{}

func NewNode(shardID string, db qdb.ParticipantQDB, store datashard.Store, donors recipient.DonorReader, writeBlockMode string, opts recipient.Options) *Node {
	return &Node{
		ShardID:   shardID,
		Donor:     donor.New(shardID, db, store, writeBlockMode),
		Recipient: recipient.New(shardID, db, store, donors, opts),
		store:     store,
	}
}

// Recover resumes both roles after a restart.
func (n *Node) Recover(ctx context.Context) error {
	rslog.Zero.Info().Str("shard", n.ShardID).Msg("participant: recovering documents")
	if err := n.Donor.Recover(ctx); err != nil {
		return err
	}
	return n.Recipient.Recover(ctx)
}

func (n *Node) Close() error {
	n.Recipient.Close()
	return n.store.Close()
}

// Write is the client write path of the shard.
func (n *Node) Write(ctx context.Context, ns string, ev datashard.ChangeEvent) (uint64, error) {
	return n.Donor.Write(ctx, ns, ev)
}

func (n *Node) BeginDonating(ctx context.Context, req *donor.StartDonatingRequest) (*qdb.DonorDoc, error) {
	return n.Donor.StartDonating(ctx, req)
}

func (n *Node) BeginCloning(ctx context.Context, req *recipient.BeginCloningRequest) (*qdb.RecipientDoc, error) {
	return n.Recipient.BeginCloning(ctx, req)
}

func (n *Node) ReportProgress(ctx context.Context, opID string) (*Progress, error) {
	p := &Progress{ClusterTime: n.store.Now()}

	d, err := n.Donor.Progress(ctx, opID)
	switch {
	case err == nil:
		p.Donor = d
	case !rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION):
		return nil, err
	}

	r, err := n.Recipient.Progress(ctx, opID)
	switch {
	case err == nil:
		p.Recipient = r
	case !rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION):
		return nil, err
	}
	return p, nil
}

func (n *Node) BlockWrites(ctx context.Context, opID string) (*qdb.DonorDoc, error) {
	return n.Donor.BlockWrites(ctx, opID)
}

// Commit finalizes the role. A recipient commit also clears any tombstone
// the shard's donor side kept for the namespace.
func (n *Node) Commit(ctx context.Context, opID string, role Role) error {
	var err error
	switch role {
	case RoleDonor:
		_, err = n.Donor.Commit(ctx, opID)
	case RoleRecipient:
		var doc *qdb.RecipientDoc
		if doc, err = n.Recipient.Commit(ctx, opID); err == nil {
			err = n.Donor.Reclaim(ctx, doc.Namespace)
		}
	default:
		err = unknownRole(role)
	}
	return err
}

func (n *Node) Abort(ctx context.Context, opID string, role Role, reason *qdb.ErrorInfo) error {
	var err error
	switch role {
	case RoleDonor:
		_, err = n.Donor.Abort(ctx, opID, reason)
	case RoleRecipient:
		_, err = n.Recipient.Abort(ctx, opID, reason)
	default:
		err = unknownRole(role)
	}
	return err
}

func (n *Node) Forget(ctx context.Context, opID string, role Role) error {
	switch role {
	case RoleDonor:
		return n.Donor.Forget(ctx, opID)
	case RoleRecipient:
		return n.Recipient.Forget(ctx, opID)
	default:
		return unknownRole(role)
	}
}

func (n *Node) ReadSnapshot(ctx context.Context, opID string, at uint64) (*datashard.Snapshot, error) {
	return n.Donor.Snapshot(ctx, opID, at)
}

func (n *Node) ReadChanges(ctx context.Context, opID string, after uint64, limit int) (*datashard.ChangeBatch, error) {
	return n.Donor.ReadChanges(ctx, opID, after, limit)
}

func unknownRole(role Role) error {
	return rserror.Newf(rserror.RS_INVALID_REQUEST, "unknown participant role %q", role)
}
