package qdb

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/clientv3util"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

type EtcdQDB struct {
	cli *clientv3.Client
}

var _ QDB = &EtcdQDB{}

func NewEtcdQDB(addr string) (*EtcdQDB, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{addr},
		DialTimeout: 5 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		return nil, err
	}

	rslog.Zero.Debug().
		Str("address", addr).
		Uint("client", rslog.GetPointer(cli)).
		Msg("etcdqdb: NewEtcdQDB")

	return &EtcdQDB{
		cli: cli,
	}, nil
}

const (
	coordinatorNamespace = "/reshard/coordinator/"
	donorsNamespace      = "/reshard/donors/"
	recipientsNamespace  = "/reshard/recipients/"
	nsLocksNamespace     = "/reshard/nslocks/"
	metadataNamespace    = "/reshard/metadata/"
	tombstonesNamespace  = "/reshard/tombstones/"
	coordLockKey         = "/reshard/coordinator_lock"

	CoordKeepAliveTtl = 3
)

func coordinatorNodePath(id string) string {
	return path.Join(coordinatorNamespace, id)
}

func donorNodePath(opID, shardID string) string {
	return path.Join(donorsNamespace, opID, shardID)
}

func recipientNodePath(opID, shardID string) string {
	return path.Join(recipientsNamespace, opID, shardID)
}

func tombstoneNodePath(shardID, ns string) string {
	return path.Join(tombstonesNamespace, shardID, ns)
}

func nsLockNodePath(ns string) string {
	return path.Join(nsLocksNamespace, ns)
}

func metadataNodePath(ns string) string {
	return path.Join(metadataNamespace, ns)
}

func etcdBackoff() retry.Backoff {
	return retry.WithMaxRetries(7, retry.NewFibonacci(100*time.Millisecond))
}

// getJSON fetches one key. It returns the key's mod revision, 0 when the
// key is missing.
func (q *EtcdQDB) getJSON(ctx context.Context, key string, v any) (int64, error) {
	var rev int64
	err := retry.Do(ctx, etcdBackoff(), func(ctx context.Context) error {
		resp, err := q.cli.Get(ctx, key)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch len(resp.Kvs) {
		case 0:
			rev = 0
			return nil
		case 1:
			rev = resp.Kvs[0].ModRevision
			return json.Unmarshal(resp.Kvs[0].Value, v)
		default:
			return rserror.Newf(rserror.RS_METADATA_CORRUPTION, "too many values matched key %s: %d", key, len(resp.Kvs))
		}
	})
	return rev, err
}

func (q *EtcdQDB) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return retry.Do(ctx, etcdBackoff(), func(ctx context.Context) error {
		if _, err := q.cli.Put(ctx, key, string(data)); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (q *EtcdQDB) deleteKey(ctx context.Context, key string) error {
	return retry.Do(ctx, etcdBackoff(), func(ctx context.Context) error {
		if _, err := q.cli.Delete(ctx, key); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func listJSON[T any](ctx context.Context, cli *clientv3.Client, prefix string) ([]*T, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	ret := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, err
		}
		ret = append(ret, &v)
	}
	return ret, nil
}

// ==============================================================================
//                              COORDINATOR DOCUMENTS
// ==============================================================================

func (q *EtcdQDB) CreateCoordinatorDoc(ctx context.Context, doc *CoordinatorDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("namespace", doc.SourceNamespace).
		Msg("etcdqdb: create coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CreateCoordinatorDoc", time.Since(t)) }()

	stored := doc.Copy()
	stored.Version = 1
	docData, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	lockData, err := json.Marshal(&NamespaceLock{Namespace: doc.SourceNamespace, OperationID: doc.OperationID, Kind: LockReshard})
	if err != nil {
		return err
	}

	lockKey := nsLockNodePath(doc.SourceNamespace)
	docKey := coordinatorNodePath(doc.OperationID)
	resp, err := q.cli.Txn(ctx).
		If(clientv3util.KeyMissing(lockKey), clientv3util.KeyMissing(docKey)).
		Then(clientv3.OpPut(docKey, string(docData)), clientv3.OpPut(lockKey, string(lockData))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		var held NamespaceLock
		if _, err := q.getJSON(ctx, lockKey, &held); err != nil {
			return err
		}
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
			"namespace %s is locked by %s operation %s", doc.SourceNamespace, held.Kind, held.OperationID)
	}
	doc.Version = stored.Version
	return nil
}

func (q *EtcdQDB) GetCoordinatorDoc(ctx context.Context, id string) (*CoordinatorDoc, error) {
	rslog.Zero.Debug().Str("operation", id).Msg("etcdqdb: get coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("GetCoordinatorDoc", time.Since(t)) }()

	var doc CoordinatorDoc
	rev, err := q.getJSON(ctx, coordinatorNodePath(id), &doc)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "resharding operation %s not found", id)
	}
	return &doc, nil
}

func (q *EtcdQDB) ListCoordinatorDocs(ctx context.Context) ([]*CoordinatorDoc, error) {
	rslog.Zero.Debug().Msg("etcdqdb: list coordinator documents")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("ListCoordinatorDocs", time.Since(t)) }()

	ret, err := listJSON[CoordinatorDoc](ctx, q.cli, coordinatorNamespace)
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].StartTime.Before(ret[j].StartTime) ||
			ret[i].StartTime.Equal(ret[j].StartTime) && ret[i].OperationID < ret[j].OperationID
	})
	return ret, nil
}

func (q *EtcdQDB) UpdateCoordinatorDoc(ctx context.Context, doc *CoordinatorDoc, expectedVersion uint64) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("state", string(doc.State)).
		Uint64("expected version", expectedVersion).
		Msg("etcdqdb: update coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("UpdateCoordinatorDoc", time.Since(t)) }()

	docKey := coordinatorNodePath(doc.OperationID)
	var current CoordinatorDoc
	rev, err := q.getJSON(ctx, docKey, &current)
	if err != nil {
		return err
	}
	if rev == 0 {
		return rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "resharding operation %s not found", doc.OperationID)
	}
	if err := checkCoordinatorUpdate(&current, doc, expectedVersion); err != nil {
		return err
	}

	stored := doc.Copy()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(docKey), "=", rev)}
	ops := []clientv3.Op{clientv3.OpPut(docKey, string(data))}
	if stored.State.IsTerminal() {
		lockKey := nsLockNodePath(doc.SourceNamespace)
		var held NamespaceLock
		lockRev, err := q.getJSON(ctx, lockKey, &held)
		if err != nil {
			return err
		}
		if lockRev != 0 && held.OperationID == doc.OperationID {
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(lockKey), "=", lockRev))
			ops = append(ops, clientv3.OpDelete(lockKey))
		}
	}

	resp, err := q.cli.Txn(ctx).If(cmps...).Then(ops...).Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return rserror.Newf(rserror.RS_STALE_METADATA, "coordinator document %s changed concurrently", doc.OperationID)
	}
	doc.Version = stored.Version
	return nil
}

// ==============================================================================
//                                NAMESPACE LOCKS
// ==============================================================================

func (q *EtcdQDB) AcquireNamespaceLock(ctx context.Context, lock *NamespaceLock) error {
	rslog.Zero.Debug().
		Str("namespace", lock.Namespace).
		Str("operation", lock.OperationID).
		Str("kind", string(lock.Kind)).
		Msg("etcdqdb: acquire namespace lock")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("AcquireNamespaceLock", time.Since(t)) }()

	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	lockKey := nsLockNodePath(lock.Namespace)
	resp, err := q.cli.Txn(ctx).
		If(clientv3util.KeyMissing(lockKey)).
		Then(clientv3.OpPut(lockKey, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if resp.Succeeded {
		return nil
	}

	var held NamespaceLock
	if _, err := q.getJSON(ctx, lockKey, &held); err != nil {
		return err
	}
	if held.OperationID == lock.OperationID {
		return nil
	}
	return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
		"namespace %s is locked by %s operation %s", lock.Namespace, held.Kind, held.OperationID)
}

func (q *EtcdQDB) ReleaseNamespaceLock(ctx context.Context, namespace string, opID string) error {
	rslog.Zero.Debug().
		Str("namespace", namespace).
		Str("operation", opID).
		Msg("etcdqdb: release namespace lock")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("ReleaseNamespaceLock", time.Since(t)) }()

	lockKey := nsLockNodePath(namespace)
	var held NamespaceLock
	rev, err := q.getJSON(ctx, lockKey, &held)
	if err != nil || rev == 0 {
		return err
	}
	if held.OperationID != opID {
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
			"namespace %s is locked by operation %s", namespace, held.OperationID)
	}
	_, err = q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(lockKey), "=", rev)).
		Then(clientv3.OpDelete(lockKey)).
		Commit()
	return err
}

func (q *EtcdQDB) ListNamespaceLocks(ctx context.Context) ([]*NamespaceLock, error) {
	rslog.Zero.Debug().Msg("etcdqdb: list namespace locks")
	ret, err := listJSON[NamespaceLock](ctx, q.cli, nsLocksNamespace)
	if err != nil {
		return nil, err
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Namespace < ret[j].Namespace
	})
	return ret, nil
}

// ==============================================================================
//                              COLLECTION METADATA
// ==============================================================================

func (q *EtcdQDB) CreateCollectionMetadata(ctx context.Context, md *CollectionMetadata) error {
	rslog.Zero.Debug().Str("namespace", md.Namespace).Msg("etcdqdb: create collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CreateCollectionMetadata", time.Since(t)) }()

	stored := md.Copy()
	stored.Version = 1
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	key := metadataNodePath(md.Namespace)
	resp, err := q.cli.Txn(ctx).
		If(clientv3util.KeyMissing(key)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is already sharded", md.Namespace)
	}
	md.Version = stored.Version
	return nil
}

func (q *EtcdQDB) GetCollectionMetadata(ctx context.Context, namespace string) (*CollectionMetadata, error) {
	rslog.Zero.Debug().Str("namespace", namespace).Msg("etcdqdb: get collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("GetCollectionMetadata", time.Since(t)) }()

	var md CollectionMetadata
	rev, err := q.getJSON(ctx, metadataNodePath(namespace), &md)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is not sharded", namespace)
	}
	return &md, nil
}

func (q *EtcdQDB) CASCollectionMetadata(ctx context.Context, md *CollectionMetadata, expectedVersion uint64) error {
	rslog.Zero.Debug().
		Str("namespace", md.Namespace).
		Uint64("expected version", expectedVersion).
		Msg("etcdqdb: compare and swap collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CASCollectionMetadata", time.Since(t)) }()

	key := metadataNodePath(md.Namespace)
	var current CollectionMetadata
	rev, err := q.getJSON(ctx, key, &current)
	if err != nil {
		return err
	}
	if rev == 0 {
		return rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is not sharded", md.Namespace)
	}
	if current.Version != expectedVersion {
		return rserror.Newf(rserror.RS_STALE_METADATA,
			"metadata of %s has version %d, expected %d", md.Namespace, current.Version, expectedVersion)
	}

	stored := md.Copy()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	resp, err := q.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return rserror.Newf(rserror.RS_STALE_METADATA, "metadata of %s changed concurrently", md.Namespace)
	}
	md.Version = stored.Version
	return nil
}

// ==============================================================================
//                                 COORDINATOR LOCK
// ==============================================================================

func (q *EtcdQDB) TryCoordinatorLock(ctx context.Context, addr string) error {
	rslog.Zero.Debug().
		Str("address", addr).
		Msg("etcdqdb: try coordinator lock")

	leaseGrantResp, err := q.cli.Grant(ctx, CoordKeepAliveTtl)
	if err != nil {
		rslog.Zero.Error().Err(err).Msg("etcdqdb: lease grant failed")
		return err
	}

	// Responses must be drained or the channel fills up and keep alive
	// responses get dropped.
	keepAliveCh, err := q.cli.KeepAlive(context.Background(), leaseGrantResp.ID)
	if err != nil {
		rslog.Zero.Error().Err(err).Msg("etcdqdb: lease keep alive failed")
		return err
	}

	op := clientv3.OpPut(coordLockKey, addr, clientv3.WithLease(leaseGrantResp.ID))
	stat, err := q.cli.Txn(ctx).If(clientv3util.KeyMissing(coordLockKey)).Then(op).Commit()
	if err != nil {
		rslog.Zero.Error().Err(err).Msg("etcdqdb: failed to commit coordinator lock")
		return err
	}

	if !stat.Succeeded {
		if _, err := q.cli.Revoke(ctx, leaseGrantResp.ID); err != nil {
			return err
		}
		return rserror.New(rserror.RS_UNEXPECTED, "qdb is already in use")
	}

	go func() {
		for resp := range keepAliveCh {
			rslog.Zero.Debug().
				Uint64("raft-term", resp.RaftTerm).
				Int64("lease-id", int64(resp.ID)).
				Msg("etcd keep alive channel")
		}
	}()

	return nil
}

func (q *EtcdQDB) GetCoordinator(ctx context.Context) (string, error) {
	rslog.Zero.Debug().Msg("etcdqdb: get coordinator addr")

	resp, err := q.cli.Get(ctx, coordLockKey)
	if err != nil {
		return "", err
	}

	switch len(resp.Kvs) {
	case 0:
		return "", rserror.New(rserror.RS_CONNECTION_ERROR, "coordinator address was not found")
	case 1:
		return string(resp.Kvs[0].Value), nil
	default:
		return "", rserror.New(rserror.RS_CONNECTION_ERROR, "multiple addresses were found")
	}
}

// ==============================================================================
//                              PARTICIPANT DOCUMENTS
// ==============================================================================

func (q *EtcdQDB) PutDonorDoc(ctx context.Context, doc *DonorDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("shard", doc.ShardID).
		Str("state", string(doc.MutableState.State)).
		Msg("etcdqdb: put donor document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("PutDonorDoc", time.Since(t)) }()

	return q.putJSON(ctx, donorNodePath(doc.OperationID, doc.ShardID), doc)
}

func (q *EtcdQDB) GetDonorDoc(ctx context.Context, opID, shardID string) (*DonorDoc, error) {
	var doc DonorDoc
	rev, err := q.getJSON(ctx, donorNodePath(opID, shardID), &doc)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "no donor document for operation %s on shard %s", opID, shardID)
	}
	return &doc, nil
}

func (q *EtcdQDB) ListDonorDocs(ctx context.Context) ([]*DonorDoc, error) {
	return listJSON[DonorDoc](ctx, q.cli, donorsNamespace)
}

func (q *EtcdQDB) DeleteDonorDoc(ctx context.Context, opID, shardID string) error {
	rslog.Zero.Debug().
		Str("operation", opID).
		Str("shard", shardID).
		Msg("etcdqdb: delete donor document")
	return q.deleteKey(ctx, donorNodePath(opID, shardID))
}

func (q *EtcdQDB) PutRecipientDoc(ctx context.Context, doc *RecipientDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("shard", doc.ShardID).
		Str("state", string(doc.MutableState.State)).
		Msg("etcdqdb: put recipient document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("PutRecipientDoc", time.Since(t)) }()

	return q.putJSON(ctx, recipientNodePath(doc.OperationID, doc.ShardID), doc)
}

func (q *EtcdQDB) GetRecipientDoc(ctx context.Context, opID, shardID string) (*RecipientDoc, error) {
	var doc RecipientDoc
	rev, err := q.getJSON(ctx, recipientNodePath(opID, shardID), &doc)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "no recipient document for operation %s on shard %s", opID, shardID)
	}
	return &doc, nil
}

func (q *EtcdQDB) ListRecipientDocs(ctx context.Context) ([]*RecipientDoc, error) {
	return listJSON[RecipientDoc](ctx, q.cli, recipientsNamespace)
}

func (q *EtcdQDB) DeleteRecipientDoc(ctx context.Context, opID, shardID string) error {
	rslog.Zero.Debug().
		Str("operation", opID).
		Str("shard", shardID).
		Msg("etcdqdb: delete recipient document")
	return q.deleteKey(ctx, recipientNodePath(opID, shardID))
}

func (q *EtcdQDB) PutTombstone(ctx context.Context, t *Tombstone) error {
	rslog.Zero.Debug().
		Str("shard", t.ShardID).
		Str("namespace", t.Namespace).
		Str("operation", t.OperationID).
		Msg("etcdqdb: put tombstone")
	t0 := time.Now()
	defer func() { statistics.RecordQDBOperation("PutTombstone", time.Since(t0)) }()

	return q.putJSON(ctx, tombstoneNodePath(t.ShardID, t.Namespace), t)
}

func (q *EtcdQDB) ListTombstones(ctx context.Context, shardID string) ([]*Tombstone, error) {
	return listJSON[Tombstone](ctx, q.cli, path.Join(tombstonesNamespace, shardID)+"/")
}

func (q *EtcdQDB) DeleteTombstone(ctx context.Context, shardID, ns string) error {
	rslog.Zero.Debug().
		Str("shard", shardID).
		Str("namespace", ns).
		Msg("etcdqdb: delete tombstone")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("DeleteTombstone", time.Since(t)) }()

	return q.deleteKey(ctx, tombstoneNodePath(shardID, ns))
}
