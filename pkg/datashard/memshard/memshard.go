package memshard

import (
	"context"
	"sort"
	"sync"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

type namespace struct {
	// base holds documents placed without logging, the log is replayed
	// on top of it.
	base map[string]datashard.Document
	log  []datashard.ChangeEvent
	txns map[string]uint64
}

func newNamespace() *namespace {
	return &namespace{
		base: map[string]datashard.Document{},
		txns: map[string]uint64{},
	}
}

// state folds the log up to at over the base documents.
func (n *namespace) state(at uint64) map[string]datashard.Document {
	docs := make(map[string]datashard.Document, len(n.base))
	for id, d := range n.base {
		docs[id] = d
	}
	for _, ev := range n.log {
		if ev.Timestamp > at {
			break
		}
		switch ev.Op {
		case datashard.OpInsert, datashard.OpUpdate:
			docs[ev.Document.ID] = ev.Document
		case datashard.OpDelete:
			delete(docs, ev.Document.ID)
		}
	}
	return docs
}

type Shard struct {
	mu    sync.RWMutex
	clock *Clock
	nss   map[string]*namespace

	// reads of a gone namespace fail with ResourceGone
	gone map[string]bool
}

var _ datashard.Store = &Shard{}

func New(clock *Clock) *Shard {
	if clock == nil {
		clock = NewClock()
	}
	return &Shard{
		clock: clock,
		nss:   map[string]*namespace{},
		gone:  map[string]bool{},
	}
}

func (s *Shard) ns(name string) *namespace {
	n, ok := s.nss[name]
	if !ok {
		n = newNamespace()
		s.nss[name] = n
	}
	return n
}

func (s *Shard) checkGone(ns string) error {
	if s.gone[ns] {
		return rserror.Newf(rserror.RS_RESOURCE_GONE, "namespace %s disappeared", ns)
	}
	return nil
}

// MarkGone simulates the loss of a namespace.
func (s *Shard) MarkGone(ns string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone[ns] = true
}

func (s *Shard) Now() uint64 {
	return s.clock.Now()
}

func (s *Shard) AdvanceClock(_ context.Context, ts uint64) error {
	s.clock.Advance(ts)
	return nil
}

func (s *Shard) Write(ctx context.Context, ns string, ev datashard.ChangeEvent) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkGone(ns); err != nil {
		return 0, err
	}
	n := s.ns(ns)
	if ev.TxnID != "" {
		if ts, ok := n.txns[ev.TxnID]; ok {
			return ts, nil
		}
	}

	ev.Timestamp = s.clock.Next()
	ev.Namespace = ns
	ev.Document = ev.Document.Copy()
	n.log = append(n.log, ev)
	if ev.TxnID != "" {
		n.txns[ev.TxnID] = ev.Timestamp
	}

	rslog.Zero.Debug().
		Str("namespace", ns).
		Str("op", string(ev.Op)).
		Str("id", ev.Document.ID).
		Uint64("ts", ev.Timestamp).
		Msg("memshard: write")
	return ev.Timestamp, nil
}

func (s *Shard) AppendFinal(_ context.Context, ns string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ns(ns)
	ts := s.clock.Next()
	n.log = append(n.log, datashard.ChangeEvent{Timestamp: ts, Op: datashard.OpFinal, Namespace: ns})
	return ts, nil
}

func (s *Shard) Snapshot(_ context.Context, ns string, at uint64) (*datashard.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkGone(ns); err != nil {
		return nil, err
	}
	n, ok := s.nss[ns]
	if !ok {
		return &datashard.Snapshot{}, nil
	}

	docs := n.state(at)
	snap := &datashard.Snapshot{Documents: make([]datashard.Document, 0, len(docs))}
	for _, d := range docs {
		snap.Documents = append(snap.Documents, d.Copy())
	}
	sort.Slice(snap.Documents, func(i, j int) bool {
		return snap.Documents[i].ID < snap.Documents[j].ID
	})
	for txn, ts := range n.txns {
		if ts <= at {
			snap.TxnHistory = append(snap.TxnHistory, txn)
		}
	}
	sort.Strings(snap.TxnHistory)
	return snap, nil
}

func (s *Shard) ReadChanges(_ context.Context, ns string, after uint64, limit int) ([]datashard.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkGone(ns); err != nil {
		return nil, err
	}
	n, ok := s.nss[ns]
	if !ok {
		return nil, nil
	}
	i := sort.Search(len(n.log), func(i int) bool { return n.log[i].Timestamp > after })
	var res []datashard.ChangeEvent
	for ; i < len(n.log) && (limit <= 0 || len(res) < limit); i++ {
		ev := n.log[i]
		ev.Document = ev.Document.Copy()
		res = append(res, ev)
	}
	return res, nil
}

func (s *Shard) Apply(_ context.Context, ns string, docs ...datashard.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ns(ns)
	for _, d := range docs {
		n.base[d.ID] = d.Copy()
	}
	return nil
}

func (s *Shard) Remove(_ context.Context, ns string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ns(ns)
	for _, id := range ids {
		delete(n.base, id)
	}
	return nil
}

func (s *Shard) RecordTxn(_ context.Context, ns string, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.ns(ns)
	if _, ok := n.txns[txnID]; !ok {
		n.txns[txnID] = s.clock.Now()
	}
	return nil
}

func (s *Shard) HasTxn(_ context.Context, ns string, txnID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nss[ns]
	if !ok {
		return false, nil
	}
	_, ok = n.txns[txnID]
	return ok, nil
}

func (s *Shard) Get(_ context.Context, ns string, id string) (*datashard.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nss[ns]
	if !ok {
		return nil, nil
	}
	d, ok := n.state(s.clock.Now())[id]
	if !ok {
		return nil, nil
	}
	c := d.Copy()
	return &c, nil
}

func (s *Shard) Count(_ context.Context, ns string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nss[ns]
	if !ok {
		return 0, nil
	}
	return int64(len(n.state(s.clock.Now()))), nil
}

// Rename replaces the contents of to with the contents of from. The
// result is a namespace of base documents with an empty log.
func (s *Shard) Rename(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nss[from]
	if !ok {
		n = newNamespace()
	}
	renamed := newNamespace()
	renamed.base = n.state(s.clock.Now())
	renamed.txns = n.txns

	s.nss[to] = renamed
	delete(s.nss, from)
	delete(s.gone, to)
	rslog.Zero.Debug().Str("from", from).Str("to", to).Msg("memshard: rename namespace")
	return nil
}

func (s *Shard) Drop(_ context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nss, ns)
	return nil
}

func (s *Shard) Close() error {
	return nil
}
