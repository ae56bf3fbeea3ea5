package gantry

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"

	"github.com/google/uuid"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/kv/memkv"
	"github.com/gantryio/gantry/internal/kv/pgkv"
	"github.com/gantryio/gantry/internal/kv/sqlitekv"
	"github.com/gantryio/gantry/internal/metrics"
	"github.com/gantryio/gantry/internal/worker"
	"github.com/gantryio/gantry/pkg/api"
)

// Re-export the embedding surface so applications never import internal
// packages directly.

type (
	Client          = api.Client
	DispatchOptions = api.DispatchOptions

	DB    = kv.DB
	Store = history.Store

	Workflow            = history.Workflow
	History             = history.History
	Event               = history.Event
	SignalEvent         = history.SignalEvent
	WakeConditions      = history.WakeConditions
	ListWorkflowsFilter = history.ListWorkflowsFilter

	Engine      = engine.Engine
	Registry    = engine.Registry
	WorkflowCtx = engine.WorkflowCtx
	WorkflowFn  = engine.WorkflowFn
	ActivityFn  = engine.ActivityFn
	RetryPolicy = engine.RetryPolicy
	LoopResult  = engine.LoopResult

	Worker       = worker.Worker
	WorkerConfig = worker.Config
)

var (
	NewClient          = api.NewClient
	NewRegistry        = engine.NewRegistry
	NewEngine          = engine.New
	NewStore           = history.NewStore
	NewValidationError = engine.NewValidationError
	Continue           = engine.Continue
	Break              = engine.Break
)

// Input decodes the workflow input into T.
func Input[T any](c *WorkflowCtx) (T, error) { return engine.Input[T](c) }

// As decodes a raw operation result into T, passing errors through.
func As[T any](raw json.RawMessage, err error) (T, error) { return engine.As[T](raw, err) }

// WaitInto waits for a workflow's output and decodes it into T.
func WaitInto[T any](ctx context.Context, c *Client, id uuid.UUID) (T, error) {
	return api.WaitInto[T](ctx, c, id)
}

// NewMemoryDB returns the in-memory substrate. Non-durable; state is lost
// when the process exits. Best for tests and local development.
func NewMemoryDB() DB { return memkv.New() }

// NewSQLiteDB returns a substrate persisted in a SQLite database.
func NewSQLiteDB(db *sql.DB) (DB, error) { return sqlitekv.Open(db) }

// NewPostgresDB returns a substrate persisted in PostgreSQL under
// serializable isolation.
func NewPostgresDB(ctx context.Context, pool *pgxpool.Pool) (DB, error) { return pgkv.Open(ctx, pool) }

// NewWorker builds a worker with a throwaway metrics registry. Embedders who
// scrape prometheus should wire internal wiring through cmd/gantryd instead.
func NewWorker(cfg WorkerConfig, store *Store, eng *Engine, log zerolog.Logger) *Worker {
	return worker.New(cfg, store, eng, metrics.New(nil), log)
}

// DefaultLogger is a convenience console logger for examples and tools.
func DefaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
