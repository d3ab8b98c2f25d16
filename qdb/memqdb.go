package qdb

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pg-sharding/reshard/coordinator/statistics"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

type MemQDB struct {
	mu sync.RWMutex

	Coordinators   map[string]*CoordinatorDoc     `json:"coordinators"`
	NamespaceLocks map[string]*NamespaceLock      `json:"namespace_locks"`
	Metadata       map[string]*CollectionMetadata `json:"metadata"`
	Donors         map[string]*DonorDoc           `json:"donors"`
	Recipients     map[string]*RecipientDoc       `json:"recipients"`
	Tombstones     map[string]*Tombstone          `json:"tombstones"`

	// coordinator lock lives as long as the process, like an etcd lease
	coordinator string
	backupPath  string
}

var _ QDB = &MemQDB{}

func NewMemQDB(backupPath string) (*MemQDB, error) {
	return &MemQDB{
		Coordinators:   map[string]*CoordinatorDoc{},
		NamespaceLocks: map[string]*NamespaceLock{},
		Metadata:       map[string]*CollectionMetadata{},
		Donors:         map[string]*DonorDoc{},
		Recipients:     map[string]*RecipientDoc{},
		Tombstones:     map[string]*Tombstone{},

		backupPath: backupPath,
	}, nil
}

// RestoreQDB loads the state dumped by a previous MemQDB with the same
// backup path. A missing backup file yields an empty store.
func RestoreQDB(backupPath string) (*MemQDB, error) {
	qdb, err := NewMemQDB(backupPath)
	if err != nil {
		return nil, err
	}
	if backupPath == "" {
		return qdb, nil
	}
	if _, err := os.Stat(backupPath); err != nil {
		rslog.Zero.Info().Err(err).Msg("memqdb backup file not exists. Creating new one.")
		f, err := os.Create(backupPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return qdb, nil
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return qdb, nil
	}
	if err := json.Unmarshal(data, qdb); err != nil {
		return nil, err
	}
	qdb.ensureMaps()
	return qdb, nil
}

func (q *MemQDB) ensureMaps() {
	if q.Coordinators == nil {
		q.Coordinators = map[string]*CoordinatorDoc{}
	}
	if q.NamespaceLocks == nil {
		q.NamespaceLocks = map[string]*NamespaceLock{}
	}
	if q.Metadata == nil {
		q.Metadata = map[string]*CollectionMetadata{}
	}
	if q.Donors == nil {
		q.Donors = map[string]*DonorDoc{}
	}
	if q.Recipients == nil {
		q.Recipients = map[string]*RecipientDoc{}
	}
	if q.Tombstones == nil {
		q.Tombstones = map[string]*Tombstone{}
	}
}

// DumpState writes the whole store to the backup file. A write is
// acknowledged only after the dump succeeds.
func (q *MemQDB) DumpState() error {
	if q.backupPath == "" {
		return nil
	}
	tmpPath := q.backupPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	state, err := json.MarshalIndent(q, "", "	")
	if err != nil {
		return err
	}
	if _, err = f.Write(state); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	f.Close()

	return os.Rename(tmpPath, q.backupPath)
}

// ==============================================================================
//                              COORDINATOR DOCUMENTS
// ==============================================================================

func (q *MemQDB) CreateCoordinatorDoc(_ context.Context, doc *CoordinatorDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("namespace", doc.SourceNamespace).
		Msg("memqdb: create coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CreateCoordinatorDoc", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if lock, ok := q.NamespaceLocks[doc.SourceNamespace]; ok {
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
			"namespace %s is locked by %s operation %s", doc.SourceNamespace, lock.Kind, lock.OperationID)
	}
	if _, ok := q.Coordinators[doc.OperationID]; ok {
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION, "operation %s already exists", doc.OperationID)
	}

	stored := doc.Copy()
	stored.Version = 1
	lock := &NamespaceLock{Namespace: doc.SourceNamespace, OperationID: doc.OperationID, Kind: LockReshard}

	if err := ExecuteCommands(q.DumpState,
		NewUpdateCommand(q.Coordinators, doc.OperationID, stored),
		NewUpdateCommand(q.NamespaceLocks, doc.SourceNamespace, lock),
	); err != nil {
		return err
	}
	doc.Version = stored.Version
	return nil
}

func (q *MemQDB) GetCoordinatorDoc(_ context.Context, id string) (*CoordinatorDoc, error) {
	rslog.Zero.Debug().Str("operation", id).Msg("memqdb: get coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("GetCoordinatorDoc", time.Since(t)) }()

	q.mu.RLock()
	defer q.mu.RUnlock()

	doc, ok := q.Coordinators[id]
	if !ok {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "resharding operation %s not found", id)
	}
	return doc.Copy(), nil
}

func (q *MemQDB) ListCoordinatorDocs(_ context.Context) ([]*CoordinatorDoc, error) {
	rslog.Zero.Debug().Msg("memqdb: list coordinator documents")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("ListCoordinatorDocs", time.Since(t)) }()

	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*CoordinatorDoc, 0, len(q.Coordinators))
	for _, doc := range q.Coordinators {
		ret = append(ret, doc.Copy())
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].StartTime.Before(ret[j].StartTime) ||
			ret[i].StartTime.Equal(ret[j].StartTime) && ret[i].OperationID < ret[j].OperationID
	})
	return ret, nil
}

func (q *MemQDB) UpdateCoordinatorDoc(_ context.Context, doc *CoordinatorDoc, expectedVersion uint64) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("state", string(doc.State)).
		Uint64("expected version", expectedVersion).
		Msg("memqdb: update coordinator document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("UpdateCoordinatorDoc", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.Coordinators[doc.OperationID]
	if !ok {
		return rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "resharding operation %s not found", doc.OperationID)
	}
	if err := checkCoordinatorUpdate(current, doc, expectedVersion); err != nil {
		return err
	}

	stored := doc.Copy()
	stored.Version = expectedVersion + 1
	commands := []Command{NewUpdateCommand(q.Coordinators, doc.OperationID, stored)}
	if lock, ok := q.NamespaceLocks[doc.SourceNamespace]; ok && stored.State.IsTerminal() && lock.OperationID == doc.OperationID {
		commands = append(commands, NewDeleteCommand(q.NamespaceLocks, doc.SourceNamespace))
	}
	if err := ExecuteCommands(q.DumpState, commands...); err != nil {
		return err
	}
	doc.Version = stored.Version
	return nil
}

// ==============================================================================
//                                NAMESPACE LOCKS
// ==============================================================================

func (q *MemQDB) AcquireNamespaceLock(_ context.Context, lock *NamespaceLock) error {
	rslog.Zero.Debug().
		Str("namespace", lock.Namespace).
		Str("operation", lock.OperationID).
		Str("kind", string(lock.Kind)).
		Msg("memqdb: acquire namespace lock")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("AcquireNamespaceLock", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if held, ok := q.NamespaceLocks[lock.Namespace]; ok {
		if held.OperationID == lock.OperationID {
			return nil
		}
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
			"namespace %s is locked by %s operation %s", lock.Namespace, held.Kind, held.OperationID)
	}
	stored := *lock
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.NamespaceLocks, lock.Namespace, &stored))
}

func (q *MemQDB) ReleaseNamespaceLock(_ context.Context, namespace string, opID string) error {
	rslog.Zero.Debug().
		Str("namespace", namespace).
		Str("operation", opID).
		Msg("memqdb: release namespace lock")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("ReleaseNamespaceLock", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	held, ok := q.NamespaceLocks[namespace]
	if !ok {
		return nil
	}
	if held.OperationID != opID {
		return rserror.Newf(rserror.RS_CONFLICTING_OPERATION,
			"namespace %s is locked by operation %s", namespace, held.OperationID)
	}
	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.NamespaceLocks, namespace))
}

func (q *MemQDB) ListNamespaceLocks(_ context.Context) ([]*NamespaceLock, error) {
	rslog.Zero.Debug().Msg("memqdb: list namespace locks")
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*NamespaceLock, 0, len(q.NamespaceLocks))
	for _, l := range q.NamespaceLocks {
		c := *l
		ret = append(ret, &c)
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Namespace < ret[j].Namespace
	})
	return ret, nil
}

// ==============================================================================
//                              COLLECTION METADATA
// ==============================================================================

func (q *MemQDB) CreateCollectionMetadata(_ context.Context, md *CollectionMetadata) error {
	rslog.Zero.Debug().Str("namespace", md.Namespace).Msg("memqdb: create collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CreateCollectionMetadata", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.Metadata[md.Namespace]; ok {
		return rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is already sharded", md.Namespace)
	}
	stored := md.Copy()
	stored.Version = 1
	if err := ExecuteCommands(q.DumpState, NewUpdateCommand(q.Metadata, md.Namespace, stored)); err != nil {
		return err
	}
	md.Version = stored.Version
	return nil
}

func (q *MemQDB) GetCollectionMetadata(_ context.Context, namespace string) (*CollectionMetadata, error) {
	rslog.Zero.Debug().Str("namespace", namespace).Msg("memqdb: get collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("GetCollectionMetadata", time.Since(t)) }()

	q.mu.RLock()
	defer q.mu.RUnlock()

	md, ok := q.Metadata[namespace]
	if !ok {
		return nil, rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is not sharded", namespace)
	}
	return md.Copy(), nil
}

func (q *MemQDB) CASCollectionMetadata(_ context.Context, md *CollectionMetadata, expectedVersion uint64) error {
	rslog.Zero.Debug().
		Str("namespace", md.Namespace).
		Uint64("expected version", expectedVersion).
		Msg("memqdb: compare and swap collection metadata")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("CASCollectionMetadata", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	current, ok := q.Metadata[md.Namespace]
	if !ok {
		return rserror.Newf(rserror.RS_INVALID_REQUEST, "namespace %s is not sharded", md.Namespace)
	}
	if current.Version != expectedVersion {
		return rserror.Newf(rserror.RS_STALE_METADATA,
			"metadata of %s has version %d, expected %d", md.Namespace, current.Version, expectedVersion)
	}
	stored := md.Copy()
	stored.Version = expectedVersion + 1
	if err := ExecuteCommands(q.DumpState, NewUpdateCommand(q.Metadata, md.Namespace, stored)); err != nil {
		return err
	}
	md.Version = stored.Version
	return nil
}

// ==============================================================================
//                                 COORDINATOR LOCK
// ==============================================================================

func (q *MemQDB) TryCoordinatorLock(_ context.Context, addr string) error {
	rslog.Zero.Debug().Str("address", addr).Msg("memqdb: try coordinator lock")
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.coordinator != "" && q.coordinator != addr {
		return rserror.New(rserror.RS_UNEXPECTED, "qdb is already in use")
	}
	q.coordinator = addr
	return nil
}

func (q *MemQDB) GetCoordinator(_ context.Context) (string, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.coordinator == "" {
		return "", rserror.New(rserror.RS_CONNECTION_ERROR, "coordinator address was not found")
	}
	return q.coordinator, nil
}

// ==============================================================================
//                              PARTICIPANT DOCUMENTS
// ==============================================================================

func (q *MemQDB) PutDonorDoc(_ context.Context, doc *DonorDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("shard", doc.ShardID).
		Str("state", string(doc.MutableState.State)).
		Msg("memqdb: put donor document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("PutDonorDoc", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Donors, participantKey(doc.OperationID, doc.ShardID), doc.Copy()))
}

func (q *MemQDB) GetDonorDoc(_ context.Context, opID, shardID string) (*DonorDoc, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	doc, ok := q.Donors[participantKey(opID, shardID)]
	if !ok {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "no donor document for operation %s on shard %s", opID, shardID)
	}
	return doc.Copy(), nil
}

func (q *MemQDB) ListDonorDocs(_ context.Context) ([]*DonorDoc, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*DonorDoc, 0, len(q.Donors))
	for _, doc := range q.Donors {
		ret = append(ret, doc.Copy())
	}
	sort.Slice(ret, func(i, j int) bool {
		return participantKey(ret[i].OperationID, ret[i].ShardID) < participantKey(ret[j].OperationID, ret[j].ShardID)
	})
	return ret, nil
}

func (q *MemQDB) DeleteDonorDoc(_ context.Context, opID, shardID string) error {
	rslog.Zero.Debug().
		Str("operation", opID).
		Str("shard", shardID).
		Msg("memqdb: delete donor document")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Donors, participantKey(opID, shardID)))
}

func (q *MemQDB) PutRecipientDoc(_ context.Context, doc *RecipientDoc) error {
	rslog.Zero.Debug().
		Str("operation", doc.OperationID).
		Str("shard", doc.ShardID).
		Str("state", string(doc.MutableState.State)).
		Msg("memqdb: put recipient document")
	t := time.Now()
	defer func() { statistics.RecordQDBOperation("PutRecipientDoc", time.Since(t)) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Recipients, participantKey(doc.OperationID, doc.ShardID), doc.Copy()))
}

func (q *MemQDB) GetRecipientDoc(_ context.Context, opID, shardID string) (*RecipientDoc, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	doc, ok := q.Recipients[participantKey(opID, shardID)]
	if !ok {
		return nil, rserror.Newf(rserror.RS_NO_SUCH_OPERATION, "no recipient document for operation %s on shard %s", opID, shardID)
	}
	return doc.Copy(), nil
}

func (q *MemQDB) ListRecipientDocs(_ context.Context) ([]*RecipientDoc, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*RecipientDoc, 0, len(q.Recipients))
	for _, doc := range q.Recipients {
		ret = append(ret, doc.Copy())
	}
	sort.Slice(ret, func(i, j int) bool {
		return participantKey(ret[i].OperationID, ret[i].ShardID) < participantKey(ret[j].OperationID, ret[j].ShardID)
	})
	return ret, nil
}

func (q *MemQDB) DeleteRecipientDoc(_ context.Context, opID, shardID string) error {
	rslog.Zero.Debug().
		Str("operation", opID).
		Str("shard", shardID).
		Msg("memqdb: delete recipient document")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Recipients, participantKey(opID, shardID)))
}

func (q *MemQDB) PutTombstone(_ context.Context, t *Tombstone) error {
	rslog.Zero.Debug().
		Str("shard", t.ShardID).
		Str("namespace", t.Namespace).
		Str("operation", t.OperationID).
		Msg("memqdb: put tombstone")
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := *t
	return ExecuteCommands(q.DumpState, NewUpdateCommand(q.Tombstones, participantKey(t.ShardID, t.Namespace), &ts))
}

func (q *MemQDB) ListTombstones(_ context.Context, shardID string) ([]*Tombstone, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var ret []*Tombstone
	for _, t := range q.Tombstones {
		if t.ShardID == shardID {
			ts := *t
			ret = append(ret, &ts)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Namespace < ret[j].Namespace })
	return ret, nil
}

func (q *MemQDB) DeleteTombstone(_ context.Context, shardID, ns string) error {
	rslog.Zero.Debug().
		Str("shard", shardID).
		Str("namespace", ns).
		Msg("memqdb: delete tombstone")
	q.mu.Lock()
	defer q.mu.Unlock()

	return ExecuteCommands(q.DumpState, NewDeleteCommand(q.Tombstones, participantKey(shardID, ns)))
}
