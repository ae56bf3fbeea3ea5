package actor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// Key layout:
//
//	("actor", id, "create_ts" | "ready_ts" | "stop_ts" | "drain_complete_ts" | "destroy_ts")
//	("actor", id, "input" | "runner_id" | "workflow_id" | "ports")
//	("actor_by_env", env, id)
//	("port", range, proto, port)
const (
	domainActor    = "actor"
	domainActorEnv = "actor_by_env"
	domainPort     = "port"
)

func actorSub(id uuid.UUID) keyspace.Subspace {
	return keyspace.Sub(domainActor, id)
}

func actorTsKey(id uuid.UUID, field string) []byte { return actorSub(id).Pack(field) }

func actorInputKey(id uuid.UUID) []byte      { return actorSub(id).Pack("input") }
func actorRunnerIDKey(id uuid.UUID) []byte   { return actorSub(id).Pack("runner_id") }
func actorWorkflowIDKey(id uuid.UUID) []byte { return actorSub(id).Pack("workflow_id") }

// actorPortsKey holds the actor's allocated port set, which release walks to
// tombstone the claims.
func actorPortsKey(id uuid.UUID) []byte { return actorSub(id).Pack("ports") }

func envSub(env string) keyspace.Subspace {
	return keyspace.Sub(domainActorEnv, env)
}

func envIndexKey(env string, id uuid.UUID) []byte {
	return envSub(env).Pack(id)
}

func envIndexRange(env string) kv.KeyRange {
	return envSub(env).Range()
}

func envIndexActorID(env string, key kv.Key) (uuid.UUID, error) {
	tup, err := envSub(env).Unpack(key)
	if err != nil {
		return uuid.Nil, err
	}
	if len(tup) != 1 {
		return uuid.Nil, fmt.Errorf("actor: bad env index key shape")
	}
	id, ok := tup[0].(uuid.UUID)
	if !ok {
		return uuid.Nil, fmt.Errorf("actor: bad env index actor id")
	}
	return id, nil
}

func portKey(rng PortRange, proto Protocol, port uint16) []byte {
	return keyspace.Sub(domainPort).Pack(string(rng), string(proto), int64(port))
}
