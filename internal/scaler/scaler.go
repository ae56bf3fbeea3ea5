// Package scaler is the datacenter pool controller: a periodic closed loop
// that diffs each pool's active server set against its configured counts and
// emits ordered provision/drain/undrain/destroy actions.
package scaler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/history"
	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
	"github.com/gantryio/gantry/internal/metrics"
)

// PoolKind names a server pool.
type PoolKind string

const (
	PoolJob PoolKind = "job"
	PoolGg  PoolKind = "gg"
	PoolAts PoolKind = "ats"
)

// PoolConfig is a pool's desired shape.
type PoolConfig struct {
	Datacenter string   `json:"datacenter" yaml:"datacenter" validate:"required"`
	Kind       PoolKind `json:"kind" yaml:"kind" validate:"required,oneof=job gg ats"`
	Desired    int      `json:"desired" yaml:"desired" validate:"min=0"`
	Min        int      `json:"min" yaml:"min" validate:"min=0"`
	Max        int      `json:"max" yaml:"max" validate:"min=0"`
}

func (c PoolConfig) clampDesired() int {
	d := c.Desired
	if d < c.Min {
		d = c.Min
	}
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}
	return d
}

// Server is one pool member's durable row.
type Server struct {
	ServerID   uuid.UUID  `json:"server_id"`
	Datacenter string     `json:"datacenter"`
	Pool       PoolKind   `json:"pool"`
	WorkflowID *uuid.UUID `json:"workflow_id,omitempty"`
	CreateTs   int64      `json:"create_ts"`
	Installed  bool       `json:"installed"`
	HasNode    bool       `json:"has_node"`
	Draining   bool       `json:"draining"`
	Drained    bool       `json:"drained"`
	Tainted    bool       `json:"tainted"`
}

// ActionKind orders the scaler's decisions.
type ActionKind string

const (
	ActionUndrain   ActionKind = "undrain"
	ActionProvision ActionKind = "provision"
	ActionDrain     ActionKind = "drain"
	ActionDestroy   ActionKind = "destroy"
)

// Action is one decision emitted by a scale pass, signaled to the server's
// workflow after the diff transaction commits.
type Action struct {
	Kind     ActionKind `json:"kind"`
	ServerID uuid.UUID  `json:"server_id"`
}

func poolConfigKey(dc string, kind PoolKind) []byte {
	return keyspace.Sub("scaler", dc).Pack("pool", string(kind))
}

func serverSub(dc string, kind PoolKind) keyspace.Subspace {
	return keyspace.Sub("server", dc, string(kind))
}

func serverKey(dc string, kind PoolKind, id uuid.UUID) []byte {
	return serverSub(dc, kind).Pack(id)
}

// Scaler diffs pools and emits actions. All diff computation for one pool
// runs in a single transaction whose reads cover every server row, so two
// concurrent passes cannot both provision.
type Scaler struct {
	db      kv.DB
	store   *history.Store
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(db kv.DB, store *history.Store, m *metrics.Metrics, log zerolog.Logger) *Scaler {
	return &Scaler{
		db:      db,
		store:   store,
		metrics: m,
		log:     log.With().Str("component", "scaler").Logger(),
	}
}

// PutPoolConfig stores a pool's shape.
func (s *Scaler) PutPoolConfig(ctx context.Context, cfg PoolConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(poolConfigKey(cfg.Datacenter, cfg.Kind), raw)
		return nil
	})
}

// PutServer upserts a server row, used by provisioning callbacks and tests.
func (s *Scaler) PutServer(ctx context.Context, srv Server) error {
	raw, err := json.Marshal(srv)
	if err != nil {
		return err
	}
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(serverKey(srv.Datacenter, srv.Pool, srv.ServerID), raw)
		return nil
	})
}

// Servers lists a pool's rows ordered by id.
func (s *Scaler) Servers(ctx context.Context, dc string, kind PoolKind) ([]Server, error) {
	var out []Server
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		var err error
		out, err = readServers(ctx, tx, dc, kind)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readServers(ctx context.Context, tx kv.Tx, dc string, kind PoolKind) ([]Server, error) {
	r := serverSub(dc, kind).Range()
	entries, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	servers := make([]Server, 0, len(entries))
	for _, entry := range entries {
		var srv Server
		if err := json.Unmarshal(entry.Value, &srv); err != nil {
			return nil, fmt.Errorf("scaler: decode server row: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// ScalePool runs one diff pass for a pool and returns the actions taken, in
// the order undrain, provision, drain, taint cleanup, destroy drained.
func (s *Scaler) ScalePool(ctx context.Context, cfg PoolConfig) ([]Action, error) {
	desired := cfg.clampDesired()
	var actions []Action
	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		actions = actions[:0]
		servers, err := readServers(ctx, tx, cfg.Datacenter, cfg.Kind)
		if err != nil {
			return err
		}
		sort.Slice(servers, func(i, j int) bool {
			return servers[i].CreateTs < servers[j].CreateTs
		})

		write := func(srv Server) error {
			raw, err := json.Marshal(srv)
			if err != nil {
				return err
			}
			tx.Set(serverKey(cfg.Datacenter, cfg.Kind, srv.ServerID), raw)
			return nil
		}

		active := 0
		for _, srv := range servers {
			if !srv.Drained && !srv.Draining {
				active++
			}
		}

		// 1. Undrain draining servers back into service before paying for
		// new ones.
		if active < desired {
			for i := range servers {
				if active >= desired {
					break
				}
				srv := &servers[i]
				if srv.Draining && !srv.Drained && !srv.Tainted {
					srv.Draining = false
					if err := write(*srv); err != nil {
						return err
					}
					actions = append(actions, Action{Kind: ActionUndrain, ServerID: srv.ServerID})
					active++
				}
			}
		}

		// 2. Provision the remaining deficit. The pending row is written in
		// this transaction, so a concurrent pass conflicts instead of
		// double-provisioning.
		for active < desired {
			srv := Server{
				ServerID:   uuid.New(),
				Datacenter: cfg.Datacenter,
				Pool:       cfg.Kind,
				CreateTs:   time.Now().UnixMilli(),
			}
			if err := write(srv); err != nil {
				return err
			}
			servers = append(servers, srv)
			actions = append(actions, Action{Kind: ActionProvision, ServerID: srv.ServerID})
			active++
		}

		// 3. Shed surplus, tainted servers first. Job pool servers that
		// never joined the scheduler are destroyed outright instead of
		// drained.
		destroyed := map[uuid.UUID]bool{}
		victimPrefs := []func(srv *Server) bool{
			func(srv *Server) bool { return srv.Tainted },
			func(srv *Server) bool { return !srv.HasNode },
			func(srv *Server) bool { return true },
		}
		for _, prefer := range victimPrefs {
			for i := range servers {
				if active <= desired {
					break
				}
				srv := &servers[i]
				if srv.Drained || srv.Draining || !prefer(srv) {
					continue
				}
				if cfg.Kind == PoolJob && !srv.HasNode {
					tx.Clear(serverKey(cfg.Datacenter, cfg.Kind, srv.ServerID))
					destroyed[srv.ServerID] = true
					srv.Drained = true
					actions = append(actions, Action{Kind: ActionDestroy, ServerID: srv.ServerID})
				} else {
					srv.Draining = true
					if err := write(*srv); err != nil {
						return err
					}
					actions = append(actions, Action{Kind: ActionDrain, ServerID: srv.ServerID})
				}
				active--
			}
		}

		// 4. Rotate tainted servers, as long as desired stays satisfied by
		// the remaining untainted actives.
		untainted := 0
		for _, srv := range servers {
			if !srv.Drained && !srv.Draining && !srv.Tainted {
				untainted++
			}
		}
		for i := range servers {
			srv := &servers[i]
			if !srv.Tainted || srv.Draining || srv.Drained {
				continue
			}
			if untainted < desired {
				break
			}
			srv.Draining = true
			if err := write(*srv); err != nil {
				return err
			}
			actions = append(actions, Action{Kind: ActionDrain, ServerID: srv.ServerID})
		}

		// 5. Destroy fully drained servers.
		for i := range servers {
			srv := &servers[i]
			if srv.Drained && !destroyed[srv.ServerID] {
				tx.Clear(serverKey(cfg.Datacenter, cfg.Kind, srv.ServerID))
				actions = append(actions, Action{Kind: ActionDestroy, ServerID: srv.ServerID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, cfg, actions)
	return actions, nil
}

// notify signals per-server workflows after the diff committed and bumps the
// action metrics.
func (s *Scaler) notify(ctx context.Context, cfg PoolConfig, actions []Action) {
	servers, err := s.Servers(ctx, cfg.Datacenter, cfg.Kind)
	if err != nil {
		s.log.Warn().Err(err).Msg("load servers for notification failed")
		servers = nil
	}
	wfByServer := map[uuid.UUID]uuid.UUID{}
	for _, srv := range servers {
		if srv.WorkflowID != nil {
			wfByServer[srv.ServerID] = *srv.WorkflowID
		}
	}
	for _, action := range actions {
		if s.metrics != nil {
			s.metrics.ScalerActions.WithLabelValues(string(action.Kind)).Inc()
		}
		s.log.Info().
			Str("pool", string(cfg.Kind)).
			Str("datacenter", cfg.Datacenter).
			Str("action", string(action.Kind)).
			Stringer("server_id", action.ServerID).
			Msg("scaler action")

		wfID, ok := wfByServer[action.ServerID]
		if !ok || s.store == nil {
			continue
		}
		body, err := json.Marshal(action)
		if err != nil {
			continue
		}
		if err := s.store.PublishSignal(ctx, history.PublishSignalInput{
			Name:             "server_" + string(action.Kind),
			Body:             body,
			TargetWorkflowID: &wfID,
		}); err != nil {
			s.log.Warn().Err(err).Stringer("server_id", action.ServerID).Msg("server signal failed")
		}
	}
}

// Run scales every configured pool on a fixed interval until ctx ends.
func (s *Scaler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.scaleAll(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("scale pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scaler) scaleAll(ctx context.Context) error {
	var configs []PoolConfig
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		configs = configs[:0]
		r := keyspace.Sub("scaler").Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			var cfg PoolConfig
			if err := json.Unmarshal(entry.Value, &cfg); err != nil {
				return fmt.Errorf("scaler: decode pool config: %w", err)
			}
			configs = append(configs, cfg)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if _, err := s.ScalePool(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}
