// Package pgkv implements the kv substrate on PostgreSQL.
//
// Transactions run at SERIALIZABLE isolation with lock_timeout=0 on the
// session, so conflict detection is delegated to the database's SSI
// machinery. Explicit conflict ranges are recorded as rows in the
// conflict_ranges table; overlapping writers observe each other's rows
// inside the serializable snapshot, which turns an overlap into a
// serialization failure at commit.
//
// Error classes map onto the substrate contract: serialization_failure,
// deadlock_detected, exclusion_violation and "current transaction is
// aborted" all become code 1020 (retry); everything else is 1510 (fatal).
package pgkv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gantryio/gantry/internal/kv"
)

// Store is a kv.DB backed by a PostgreSQL pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ kv.DB = (*Store)(nil)

// Open initializes the schema and returns the store.
func Open(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			k BYTEA PRIMARY KEY,
			v BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS conflict_ranges (
			txid BIGINT NOT NULL,
			begin_k BYTEA NOT NULL,
			end_k BYTEA NOT NULL,
			write BOOLEAN NOT NULL
		);
		CREATE INDEX IF NOT EXISTS conflict_ranges_begin ON conflict_ranges (begin_k);
		CREATE SEQUENCE IF NOT EXISTS kv_commit_version;
	`)
	return err
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, kv.NewFatal("cannot open transaction", err)
	}
	if _, err := pgtx.Exec(ctx, `SET LOCAL lock_timeout = 0`); err != nil {
		_ = pgtx.Rollback(ctx)
		return nil, mapError("set lock_timeout", err)
	}
	return &tx{pgtx: pgtx}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type tx struct {
	pgtx        pgx.Tx
	done        bool
	stamp       *[kv.VersionstampLength]byte
	vsOrder     uint16
	deferredErr error
}

var _ kv.Tx = (*tx)(nil)

// mapError translates PostgreSQL errors into substrate error classes.
func mapError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"23P01", // exclusion_violation
			"25P02": // in_failed_sql_transaction
			return &kv.Error{Code: kv.CodeConflict, Msg: msg, Err: err}
		}
	}
	return &kv.Error{Code: kv.CodeFatal, Msg: msg, Err: err}
}

func (t *tx) Get(ctx context.Context, key kv.Key) (kv.Value, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	var v []byte
	err := t.pgtx.QueryRow(ctx, `SELECT v FROM kv WHERE k = $1`, []byte(key)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get", err)
	}
	return v, nil
}

func (t *tx) GetKey(ctx context.Context, sel kv.Selector) (kv.Key, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	var (
		query string
		skip  int
	)
	if sel.Offset >= 1 {
		op := ">="
		if sel.OrEqual {
			op = ">"
		}
		query = fmt.Sprintf(`SELECT k FROM kv WHERE k %s $1 ORDER BY k LIMIT 1 OFFSET $2`, op)
		skip = sel.Offset - 1
	} else {
		op := "<"
		if sel.OrEqual {
			op = "<="
		}
		query = fmt.Sprintf(`SELECT k FROM kv WHERE k %s $1 ORDER BY k DESC LIMIT 1 OFFSET $2`, op)
		skip = -sel.Offset
	}
	var k []byte
	err := t.pgtx.QueryRow(ctx, query, []byte(sel.Key), skip).Scan(&k)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_key", err)
	}
	return k, nil
}

func (t *tx) GetRange(ctx context.Context, begin, end kv.Selector, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	beginKey, err := t.GetKey(ctx, begin)
	if err != nil {
		return nil, err
	}
	if beginKey == nil {
		return nil, nil
	}
	endKey, err := t.GetKey(ctx, end)
	if err != nil {
		return nil, err
	}

	query := `SELECT k, v FROM kv WHERE k >= $1`
	args := []any{beginKey}
	if endKey != nil {
		query += ` AND k < $2`
		args = append(args, endKey)
	}
	if opts.Reverse {
		query += ` ORDER BY k DESC`
	} else {
		query += ` ORDER BY k`
	}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := t.pgtx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("get_range", err)
	}
	defer rows.Close()

	var out []kv.KeyValue
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, mapError("get_range scan", err)
		}
		out = append(out, kv.KeyValue{Key: k, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get_range rows", err)
	}
	return out, nil
}

func (t *tx) GetEstimatedRangeSize(ctx context.Context, begin, end kv.Key) (int64, error) {
	if t.done {
		return 0, kv.ErrTxUsedAfterCommit
	}
	var size *int64
	err := t.pgtx.QueryRow(ctx,
		`SELECT SUM(LENGTH(k) + LENGTH(v)) FROM kv WHERE k >= $1 AND k < $2`,
		[]byte(begin), []byte(end),
	).Scan(&size)
	if err != nil {
		return 0, mapError("estimated_range_size", err)
	}
	if size == nil {
		return 0, nil
	}
	return *size, nil
}

func (t *tx) Set(key kv.Key, value kv.Value) {
	t.exec(`INSERT INTO kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`,
		[]byte(key), []byte(value))
}

func (t *tx) Clear(key kv.Key) {
	t.exec(`DELETE FROM kv WHERE k = $1`, []byte(key))
}

func (t *tx) ClearRange(begin, end kv.Key) {
	t.exec(`DELETE FROM kv WHERE k >= $1 AND k < $2`, []byte(begin), []byte(end))
}

// exec runs a buffered-style write. Errors surface at commit; PostgreSQL
// aborts the transaction on failure so subsequent statements fail with
// 25P02, which maps to a retry.
func (t *tx) exec(query string, args ...any) {
	if t.done {
		return
	}
	_, err := t.pgtx.Exec(context.Background(), query, args...)
	if err != nil {
		t.deferredErr = mapError("write", err)
	}
}

func (t *tx) Atomic(key kv.Key, param kv.Value, op kv.MutationType) {
	if t.done {
		return
	}
	ctx := context.Background()
	switch op {
	case kv.MutationSetVersionstampedKey:
		stamp, err := t.versionstamp(ctx)
		if err != nil {
			t.deferredErr = err
			return
		}
		resolved, err := kv.SubstituteVersionstamp(key, stamp)
		if err != nil {
			t.deferredErr = kv.NewFatal("bad versionstamped key", err)
			return
		}
		t.Set(resolved, param)
	case kv.MutationSetVersionstampedValue:
		stamp, err := t.versionstamp(ctx)
		if err != nil {
			t.deferredErr = err
			return
		}
		resolved, err := kv.SubstituteVersionstamp(param, stamp)
		if err != nil {
			t.deferredErr = kv.NewFatal("bad versionstamped value", err)
			return
		}
		t.Set(key, resolved)
	default:
		cur, err := t.Get(ctx, key)
		if err != nil {
			t.deferredErr = err
			return
		}
		next, err := kv.ApplyMutation(op, cur, param)
		if err != nil {
			t.deferredErr = kv.NewFatal("bad atomic op", err)
			return
		}
		if next == nil {
			t.Clear(key)
		} else {
			t.Set(key, next)
		}
	}
}

// versionstamp lazily allocates the transaction's commit stamp from the
// kv_commit_version sequence.
func (t *tx) versionstamp(ctx context.Context) ([kv.VersionstampLength]byte, error) {
	var stamp [kv.VersionstampLength]byte
	if t.stamp == nil {
		var version int64
		if err := t.pgtx.QueryRow(ctx, `SELECT nextval('kv_commit_version')`).Scan(&version); err != nil {
			return stamp, mapError("versionstamp", err)
		}
		binary.BigEndian.PutUint64(stamp[:8], uint64(version))
		t.stamp = &stamp
	}
	stamp = *t.stamp
	binary.BigEndian.PutUint16(stamp[8:], t.vsOrder)
	t.vsOrder++
	return stamp, nil
}

func (t *tx) AddConflictRange(begin, end kv.Key, typ kv.ConflictType) {
	if t.done {
		return
	}
	ctx := context.Background()
	// Reading overlapping rows takes SIREAD locks on them; a concurrent
	// writer inserting an overlapping row then forms a dangerous structure
	// and one side fails with 40001.
	var overlaps bool
	err := t.pgtx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conflict_ranges WHERE begin_k < $2 AND end_k > $1 AND write)`,
		[]byte(begin), []byte(end),
	).Scan(&overlaps)
	if err != nil {
		t.deferredErr = mapError("conflict_range read", err)
		return
	}
	if typ == kv.ConflictWrite {
		_, err = t.pgtx.Exec(ctx,
			`INSERT INTO conflict_ranges (txid, begin_k, end_k, write)
			 VALUES (txid_current(), $1, $2, TRUE)`,
			[]byte(begin), []byte(end),
		)
		if err != nil {
			t.deferredErr = mapError("conflict_range write", err)
		}
	}
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return kv.ErrTxUsedAfterCommit
	}
	t.done = true
	if t.deferredErr != nil {
		_ = t.pgtx.Rollback(ctx)
		return t.deferredErr
	}
	// Conflict range rows only need to exist for the lifetime of the
	// transaction's snapshot.
	if _, err := t.pgtx.Exec(ctx, `DELETE FROM conflict_ranges WHERE txid = txid_current()`); err != nil {
		_ = t.pgtx.Rollback(ctx)
		return mapError("conflict_range cleanup", err)
	}
	if err := t.pgtx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

func (t *tx) Cancel() {
	if t.done {
		return
	}
	t.done = true
	_ = t.pgtx.Rollback(context.Background())
}
