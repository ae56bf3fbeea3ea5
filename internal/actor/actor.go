// Package actor drives a user container's lifecycle as a durable workflow:
// input validation, port allocation, runner placement, runtime state
// tracking, rescheduling on runner loss, and teardown.
package actor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/kv"
)

// CreateActorInput is the actor lifecycle workflow's input. Validation
// failures end the workflow immediately with a validation payload.
type CreateActorInput struct {
	ActorID     uuid.UUID         `json:"actor_id" validate:"required"`
	Name        string            `json:"name" validate:"required,max=64"`
	Env         string            `json:"env" validate:"required,max=64"`
	Datacenter  string            `json:"datacenter" validate:"required"`
	Flavor      string            `json:"flavor" validate:"required"`
	ArtifactURL string            `json:"artifact_url" validate:"required,url"`
	Args        []string          `json:"args,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty" validate:"max=64,dive,keys,max=256,endkeys,max=4096"`
	Tags        map[string]string `json:"tags,omitempty" validate:"max=8"`
	MemoryMB    int64             `json:"memory_mb" validate:"required,min=1,max=65536"`
	Ports       []PortRequest     `json:"ports,omitempty" validate:"max=16,dive"`
}

// Durable state timestamp fields, written by activities as the actor moves
// through its lifecycle.
const (
	fieldCreateTs        = "create_ts"
	fieldReadyTs         = "ready_ts"
	fieldStopTs          = "stop_ts"
	fieldDrainCompleteTs = "drain_complete_ts"
	fieldDestroyTs       = "destroy_ts"
)

// State is a read-model of the actor's durable rows, used by tests and
// operator tooling.
type State struct {
	ActorID         uuid.UUID  `json:"actor_id"`
	RunnerID        *uuid.UUID `json:"runner_id,omitempty"`
	CreateTs        int64      `json:"create_ts,omitempty"`
	ReadyTs         int64      `json:"ready_ts,omitempty"`
	StopTs          int64      `json:"stop_ts,omitempty"`
	DrainCompleteTs int64      `json:"drain_complete_ts,omitempty"`
	DestroyTs       int64      `json:"destroy_ts,omitempty"`
}

// GetState loads the actor's durable rows.
func GetState(ctx context.Context, db kv.DB, actorID uuid.UUID) (*State, error) {
	s := &State{ActorID: actorID}
	err := kv.ReadTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		for _, f := range []struct {
			field string
			dst   *int64
		}{
			{fieldCreateTs, &s.CreateTs},
			{fieldReadyTs, &s.ReadyTs},
			{fieldStopTs, &s.StopTs},
			{fieldDrainCompleteTs, &s.DrainCompleteTs},
			{fieldDestroyTs, &s.DestroyTs},
		} {
			raw, err := tx.Get(ctx, actorTsKey(actorID, f.field))
			if err != nil {
				return err
			}
			if raw != nil {
				*f.dst = decodeInt64(raw)
			}
		}
		raw, err := tx.Get(ctx, actorRunnerIDKey(actorID))
		if err != nil {
			return err
		}
		if len(raw) == 16 {
			id, err := uuid.FromBytes(raw)
			if err != nil {
				return err
			}
			s.RunnerID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByEnv returns actor ids registered under an environment.
func ListByEnv(ctx context.Context, db kv.DB, env string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := kv.ReadTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		ids = ids[:0]
		r := envIndexRange(env)
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			id, err := envIndexActorID(env, entry.Key)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func recordCreate(ctx context.Context, db kv.DB, workflowID uuid.UUID, in *CreateActorInput) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return kv.RunTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		existing, err := tx.Get(ctx, actorTsKey(in.ActorID, fieldCreateTs))
		if err != nil {
			return err
		}
		if existing == nil {
			tx.Set(actorTsKey(in.ActorID, fieldCreateTs), encodeInt64(time.Now().UnixMilli()))
		}
		tx.Set(actorInputKey(in.ActorID), raw)
		tx.Set(actorWorkflowIDKey(in.ActorID), workflowID[:])
		tx.Set(envIndexKey(in.Env, in.ActorID), presenceValue)
		return nil
	})
}

func setTimestamp(ctx context.Context, db kv.DB, actorID uuid.UUID, field string) error {
	return kv.RunTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(actorTsKey(actorID, field), encodeInt64(time.Now().UnixMilli()))
		return nil
	})
}

func setRunner(ctx context.Context, db kv.DB, actorID, runnerID uuid.UUID) error {
	return kv.RunTx(ctx, db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(actorRunnerIDKey(actorID), runnerID[:])
		return nil
	})
}

var presenceValue = []byte{1}

// NewValidator builds the shared input validator.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (56 - 8*i))
	}
	return buf[:]
}

func decodeInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
