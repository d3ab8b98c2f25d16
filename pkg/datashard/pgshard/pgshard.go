// Package pgshard keeps shard documents in Postgres. Documents placed
// without logging live in reshard_base, client writes go to
// reshard_changelog, and the visible state is the log replayed over the
// base.
package pgshard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/atomic"

	"github.com/pg-sharding/reshard/pkg/datashard"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

const schema = `
CREATE SEQUENCE IF NOT EXISTS reshard_clock;
CREATE TABLE IF NOT EXISTS reshard_base (
	ns     TEXT NOT NULL,
	id     TEXT NOT NULL,
	fields JSONB NOT NULL,
	PRIMARY KEY (ns, id)
);
CREATE TABLE IF NOT EXISTS reshard_changelog (
	ts     BIGINT PRIMARY KEY,
	ns     TEXT NOT NULL,
	op     TEXT NOT NULL,
	id     TEXT NOT NULL,
	fields JSONB,
	txn_id TEXT
);
CREATE INDEX IF NOT EXISTS reshard_changelog_ns_ts ON reshard_changelog (ns, ts);
CREATE TABLE IF NOT EXISTS reshard_txn_history (
	ns     TEXT NOT NULL,
	txn_id TEXT NOT NULL,
	ts     BIGINT NOT NULL,
	PRIMARY KEY (ns, txn_id)
);
`

// stateQuery selects the documents of a namespace visible at a timestamp.
const stateQuery = `
WITH latest AS (
	SELECT DISTINCT ON (id) id, op, fields
	FROM reshard_changelog
	WHERE ns = $1 AND ts <= $2 AND op <> 'final'
	ORDER BY id, ts DESC
)
SELECT id, fields FROM latest WHERE op <> 'delete'
UNION ALL
SELECT b.id, b.fields FROM reshard_base b
WHERE b.ns = $1 AND NOT EXISTS (SELECT 1 FROM latest l WHERE l.id = b.id)
`

type Shard struct {
	pool *pgxpool.Pool
	now  atomic.Uint64
}

var _ datashard.Store = &Shard{}

func New(ctx context.Context, connString string) (*Shard, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Shard{pool: pool}
	var last uint64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(ts), 0) FROM reshard_changelog`).Scan(&last); err != nil {
		pool.Close()
		return nil, err
	}
	s.now.Store(last)
	rslog.Zero.Debug().Uint64("ts", last).Msg("pgshard: connected")
	return s, nil
}

func (s *Shard) Now() uint64 {
	return s.now.Load()
}

func (s *Shard) observe(ts uint64) {
	for {
		cur := s.now.Load()
		if ts <= cur || s.now.CompareAndSwap(cur, ts) {
			return
		}
	}
}

func (s *Shard) AdvanceClock(ctx context.Context, ts uint64) error {
	if ts <= s.Now() {
		return nil
	}
	var last uint64
	if err := s.pool.QueryRow(ctx,
		`SELECT setval('reshard_clock', GREATEST($1::bigint, (SELECT last_value FROM reshard_clock)))`, ts).Scan(&last); err != nil {
		return err
	}
	s.observe(last)
	return nil
}

func (s *Shard) Write(ctx context.Context, ns string, ev datashard.ChangeEvent) (uint64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if ev.TxnID != "" {
		var ts uint64
		err := tx.QueryRow(ctx, `SELECT ts FROM reshard_txn_history WHERE ns = $1 AND txn_id = $2`, ns, ev.TxnID).Scan(&ts)
		if err == nil {
			return ts, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
	}

	fields, err := json.Marshal(ev.Document.Fields)
	if err != nil {
		return 0, err
	}
	var ts uint64
	// table lock keeps the log ordered by ts in commit order
	if _, err := tx.Exec(ctx, `LOCK TABLE reshard_changelog IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return 0, err
	}
	if err := tx.QueryRow(ctx, `
INSERT INTO reshard_changelog (ts, ns, op, id, fields, txn_id)
VALUES (nextval('reshard_clock'), $1, $2, $3, $4, NULLIF($5, ''))
RETURNING ts`, ns, string(ev.Op), ev.Document.ID, fields, ev.TxnID).Scan(&ts); err != nil {
		return 0, err
	}
	if ev.TxnID != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO reshard_txn_history (ns, txn_id, ts) VALUES ($1, $2, $3)`, ns, ev.TxnID, ts); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	s.observe(ts)
	return ts, nil
}

func (s *Shard) AppendFinal(ctx context.Context, ns string) (uint64, error) {
	return s.Write(ctx, ns, datashard.ChangeEvent{Op: datashard.OpFinal})
}

func scanDocuments(rows pgx.Rows) ([]datashard.Document, error) {
	defer rows.Close()
	var docs []datashard.Document
	for rows.Next() {
		var (
			d      datashard.Document
			fields []byte
		)
		if err := rows.Scan(&d.ID, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(fields, &d.Fields); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Snapshot reads in one REPEATABLE READ transaction so documents and
// retryable-write history agree.
func (s *Shard) Snapshot(ctx context.Context, ns string, at uint64) (*datashard.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// waits out writers that drew a timestamp but have not committed yet
	if _, err := tx.Exec(ctx, `LOCK TABLE reshard_changelog IN SHARE MODE`); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, stateQuery+` ORDER BY 1`, ns, at)
	if err != nil {
		return nil, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}

	txnRows, err := tx.Query(ctx, `SELECT txn_id FROM reshard_txn_history WHERE ns = $1 AND ts <= $2 ORDER BY txn_id`, ns, at)
	if err != nil {
		return nil, err
	}
	history, err := pgx.CollectRows(txnRows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return &datashard.Snapshot{Documents: docs, TxnHistory: history}, nil
}

func (s *Shard) ReadChanges(ctx context.Context, ns string, after uint64, limit int) ([]datashard.ChangeEvent, error) {
	query := `SELECT ts, op, id, fields, COALESCE(txn_id, '') FROM reshard_changelog WHERE ns = $1 AND ts > $2 ORDER BY ts`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query, ns, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []datashard.ChangeEvent
	for rows.Next() {
		var (
			ev     datashard.ChangeEvent
			op     string
			fields []byte
		)
		if err := rows.Scan(&ev.Timestamp, &op, &ev.Document.ID, &fields, &ev.TxnID); err != nil {
			return nil, err
		}
		ev.Op = datashard.OpType(op)
		ev.Namespace = ns
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &ev.Document.Fields); err != nil {
				return nil, err
			}
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Apply bulk loads documents into the base table through COPY into a
// staging table.
func (s *Shard) Apply(ctx context.Context, ns string, docs ...datashard.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE reshard_stage (id TEXT, fields JSONB) ON COMMIT DROP`); err != nil {
		return err
	}
	rows := make([][]any, 0, len(docs))
	for _, d := range docs {
		fields, err := json.Marshal(d.Fields)
		if err != nil {
			return err
		}
		rows = append(rows, []any{d.ID, string(fields)})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"reshard_stage"}, []string{"id", "fields"}, pgx.CopyFromRows(rows)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO reshard_base (ns, id, fields)
SELECT $1, id, fields FROM reshard_stage
ON CONFLICT (ns, id) DO UPDATE SET fields = EXCLUDED.fields`, ns); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Shard) Remove(ctx context.Context, ns string, ids ...string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM reshard_base WHERE ns = $1 AND id = ANY($2)`, ns, ids)
	return err
}

func (s *Shard) RecordTxn(ctx context.Context, ns string, txnID string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reshard_txn_history (ns, txn_id, ts) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING`, ns, txnID, s.Now())
	return err
}

func (s *Shard) HasTxn(ctx context.Context, ns string, txnID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reshard_txn_history WHERE ns = $1 AND txn_id = $2)`, ns, txnID).Scan(&exists)
	return exists, err
}

func (s *Shard) Get(ctx context.Context, ns string, id string) (*datashard.Document, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, fields FROM (`+stateQuery+`) st WHERE id = $3`, ns, s.Now(), id)
	if err != nil {
		return nil, err
	}
	docs, err := scanDocuments(rows)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return &docs[0], nil
}

func (s *Shard) Count(ctx context.Context, ns string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM (`+stateQuery+`) st`, ns, s.Now()).Scan(&n)
	return n, err
}

// Rename materializes the visible state of from as the base of to.
func (s *Shard) Rename(ctx context.Context, from, to string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE reshard_rename ON COMMIT DROP AS SELECT id, fields FROM (`+stateQuery+`) st`, from, s.Now()); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM reshard_base WHERE ns = $1`,
		`DELETE FROM reshard_changelog WHERE ns = $1`,
	} {
		if _, err := tx.Exec(ctx, q, to); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO reshard_base (ns, id, fields) SELECT $1, id, fields FROM reshard_rename`, to); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reshard_txn_history WHERE ns = $1`, to); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE reshard_txn_history SET ns = $2 WHERE ns = $1`, from, to); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM reshard_base WHERE ns = $1`,
		`DELETE FROM reshard_changelog WHERE ns = $1`,
	} {
		if _, err := tx.Exec(ctx, q, from); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Shard) Drop(ctx context.Context, ns string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	for _, q := range []string{
		`DELETE FROM reshard_base WHERE ns = $1`,
		`DELETE FROM reshard_changelog WHERE ns = $1`,
		`DELETE FROM reshard_txn_history WHERE ns = $1`,
	} {
		if _, err := tx.Exec(ctx, q, ns); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Shard) Close() error {
	s.pool.Close()
	return nil
}
