package runner

import (
	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
)

// Key layout:
//
//	("runner", id, "create_ts" | "workflow_id" | "config" | "system_info" | "alloc_key")
//	("runner", id, "command", idx)
//	("runner", id, "prewarm", image)
//	("datacenter", dc, "clients_by_remaining_mem", flavor, remaining_mem, last_ping_ts, id)
const (
	domainRunner     = "runner"
	domainDatacenter = "datacenter"
)

func runnerSub(id uuid.UUID) keyspace.Subspace {
	return keyspace.Sub(domainRunner, id)
}

func runnerCreateTsKey(id uuid.UUID) []byte   { return runnerSub(id).Pack("create_ts") }
func runnerWorkflowIDKey(id uuid.UUID) []byte { return runnerSub(id).Pack("workflow_id") }
func runnerConfigKey(id uuid.UUID) []byte     { return runnerSub(id).Pack("config") }
func runnerSystemInfoKey(id uuid.UUID) []byte { return runnerSub(id).Pack("system_info") }

// runnerAllocKeyKey points at the runner's current allocation index entry so
// removal and republish need no scan.
func runnerAllocKeyKey(id uuid.UUID) []byte { return runnerSub(id).Pack("alloc_key") }

func commandSub(id uuid.UUID) keyspace.Subspace {
	return runnerSub(id).Sub("command")
}

func commandKey(id uuid.UUID, idx int64) []byte {
	return commandSub(id).Pack(idx)
}

func prewarmKey(id uuid.UUID, image string) []byte {
	return runnerSub(id).Pack("prewarm", image)
}

func allocSub(datacenter, flavor string) keyspace.Subspace {
	return keyspace.Sub(domainDatacenter, datacenter, "clients_by_remaining_mem", flavor)
}

func allocKey(datacenter, flavor string, remainingMem, lastPingTs int64, id uuid.UUID) []byte {
	return allocSub(datacenter, flavor).Pack(remainingMem, lastPingTs, id)
}
