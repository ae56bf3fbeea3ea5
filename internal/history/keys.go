package history

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// Key layout. Every key starts with a string domain tag so one range scan
// fetches all state for an entity:
//
//	("workflow", id, "name" | "create_ts" | "tags" | "error" | "wake" | "silence_ts")
//	("workflow", id, "input" | "state" | "output", chunk)
//	("workflow", id, "history", variant, coord..., chunk)
//	("workflow", id, "error_history", coord..., message)
//	("workflow", id, "signal", name, create_ts, signal_id)
//	("workflow_by_name", name, create_ts, id)
//	("signal", id, "row") and ("signal", id, "body", chunk)
//	("lease", workflow_id)
//	("worker_instance", id, "last_ping_ts")
//	("wake", "immediate", id)
//	("wake", "deadline", ts, id)
//	("wake", "signal", name, id)
//	("wake", "sub", target_id, id)
const (
	domainWorkflow       = "workflow"
	domainWorkflowByName = "workflow_by_name"
	domainSignal         = "signal"
	domainLease          = "lease"
	domainWorkerInstance = "worker_instance"
	domainWake           = "wake"
)

// History variants separate replayable events from forgotten ones so the
// common load path never reads forgotten iterations.
const (
	historyVariantActive    = 0
	historyVariantForgotten = 1
)

func workflowSub(id uuid.UUID) keyspace.Subspace {
	return keyspace.Sub(domainWorkflow, id)
}

func workflowNameKey(id uuid.UUID) []byte      { return workflowSub(id).Pack("name") }
func workflowCreateTsKey(id uuid.UUID) []byte  { return workflowSub(id).Pack("create_ts") }
func workflowTagsKey(id uuid.UUID) []byte      { return workflowSub(id).Pack("tags") }
func workflowErrorKey(id uuid.UUID) []byte     { return workflowSub(id).Pack("error") }
func workflowFailuresKey(id uuid.UUID) []byte  { return workflowSub(id).Pack("failures") }
func workflowWakeKey(id uuid.UUID) []byte      { return workflowSub(id).Pack("wake") }
func workflowSilenceTsKey(id uuid.UUID) []byte { return workflowSub(id).Pack("silence_ts") }

func workflowInputSub(id uuid.UUID) keyspace.Subspace  { return workflowSub(id).Sub("input") }
func workflowStateSub(id uuid.UUID) keyspace.Subspace  { return workflowSub(id).Sub("state") }
func workflowOutputSub(id uuid.UUID) keyspace.Subspace { return workflowSub(id).Sub("output") }

// historySub scopes one variant of a workflow's event tree.
func historySub(id uuid.UUID, variant int) keyspace.Subspace {
	return workflowSub(id).Sub("history", variant)
}

// eventPayloadTag terminates an event's key path before its payload chunks.
// Coordinate elements are byte strings, which sort before this string tag,
// so a loop's child events occupy a range disjoint from the loop's own
// payload under the same location prefix.
const eventPayloadTag = "v"

// eventSub holds the chunked envelope of one event.
func eventSub(id uuid.UUID, variant int, loc Location) keyspace.Subspace {
	els := append(loc.KeyElements(), eventPayloadTag)
	return historySub(id, variant).Sub(els...)
}

// eventChildrenRange covers every event nested under loc, excluding loc's
// own payload. Children extend the prefix with coordinate byte elements
// while the payload extends it with the string tag.
func eventChildrenRange(id uuid.UUID, variant int, loc Location) kv.KeyRange {
	return historySub(id, variant).Sub(loc.KeyElements()...).ByteElementRange()
}

func errorHistorySub(id uuid.UUID) keyspace.Subspace {
	return workflowSub(id).Sub("error_history")
}

func activityErrorKey(id uuid.UUID, loc Location, message string) []byte {
	els := append(loc.KeyElements(), message)
	return errorHistorySub(id).Pack(els...)
}

func inboxSub(id uuid.UUID) keyspace.Subspace {
	return workflowSub(id).Sub("signal")
}

func inboxNameSub(id uuid.UUID, name string) keyspace.Subspace {
	return inboxSub(id).Sub(name)
}

func inboxKey(id uuid.UUID, name string, createTs int64, signalID uuid.UUID) []byte {
	return inboxNameSub(id, name).Pack(createTs, signalID)
}

func workflowByNameSub(name string) keyspace.Subspace {
	return keyspace.Sub(domainWorkflowByName, name)
}

func workflowByNameKey(name string, createTs int64, id uuid.UUID) []byte {
	return workflowByNameSub(name).Pack(createTs, id)
}

func signalRowKey(id uuid.UUID) []byte {
	return keyspace.Sub(domainSignal, id).Pack("row")
}

func signalBodySub(id uuid.UUID) keyspace.Subspace {
	return keyspace.Sub(domainSignal, id).Sub("body")
}

func leaseKey(workflowID uuid.UUID) []byte {
	return keyspace.Sub(domainLease).Pack(workflowID)
}

func leaseSub() keyspace.Subspace { return keyspace.Sub(domainLease) }

func workerPingKey(workerInstanceID uuid.UUID) []byte {
	return keyspace.Sub(domainWorkerInstance, workerInstanceID).Pack("last_ping_ts")
}

func wakeImmediateSub() keyspace.Subspace { return keyspace.Sub(domainWake, "immediate") }
func wakeDeadlineSub() keyspace.Subspace  { return keyspace.Sub(domainWake, "deadline") }

func wakeImmediateKey(id uuid.UUID) []byte { return wakeImmediateSub().Pack(id) }

func wakeDeadlineKey(ts int64, id uuid.UUID) []byte {
	return wakeDeadlineSub().Pack(ts, id)
}

func wakeSignalSub(name string) keyspace.Subspace {
	return keyspace.Sub(domainWake, "signal", name)
}

func wakeSignalKey(name string, id uuid.UUID) []byte {
	return wakeSignalSub(name).Pack(id)
}

func wakeSubWorkflowSub(targetID uuid.UUID) keyspace.Subspace {
	return keyspace.Sub(domainWake, "sub", targetID)
}

func wakeSubWorkflowKey(targetID, id uuid.UUID) []byte {
	return wakeSubWorkflowSub(targetID).Pack(id)
}

// presenceValue marks index rows. Index keys carry all information; the
// value exists only so reads can distinguish a set key from an absent one.
var presenceValue = []byte{1}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
