// Package sqlitekv is a durable kv backend embedded in SQLite.
//
// It expects an *sql.DB opened with a SQLite driver (for example
// "modernc.org/sqlite"); the caller imports the driver:
//
//	import _ "modernc.org/sqlite"
//
// The working set is held in a memkv store for snapshot reads and conflict
// validation; every commit is written through to the kv table inside one
// SQLite transaction before it becomes visible, so crash recovery restores
// exactly the committed state.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/kv/memkv"
)

// Store is a durable kv.DB backed by SQLite.
type Store struct {
	db  *sql.DB
	mem *memkv.Store
}

var _ kv.DB = (*Store)(nil)

// Open initializes the schema, loads existing pairs and returns the store.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db, mem: memkv.New()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.mem.SetCommitHook(s.writeThrough)
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			k BLOB PRIMARY KEY,
			v BLOB NOT NULL
		);`,
	)
	return err
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT k, v FROM kv ORDER BY k`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var pairs []kv.KeyValue
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		pairs = append(pairs, kv.KeyValue{Key: k, Value: v})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mem.Seed(pairs)
	return nil
}

// writeThrough persists a commit's final key states in one SQLite
// transaction. Called under the memkv store lock, so commits reach SQLite
// in the same order they become visible.
func (s *Store) writeThrough(puts []kv.KeyValue, deletes []kv.Key) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, p := range puts {
		if _, err := tx.Exec(
			`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			[]byte(p.Key), []byte(p.Value),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put: %w", err)
		}
	}
	for _, k := range deletes {
		if _, err := tx.Exec(`DELETE FROM kv WHERE k = ?`, []byte(k)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	return s.mem.Begin(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
