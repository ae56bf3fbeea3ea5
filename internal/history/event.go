package history

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
)

// EventType discriminates the EventData union.
type EventType int

const (
	EventTypeActivity EventType = iota
	EventTypeSignal
	EventTypeSignalSend
	EventTypeMessageSend
	EventTypeSubWorkflow
	EventTypeLoop
	EventTypeSleep
	EventTypeBranch
	EventTypeRemoved
	EventTypeVersionCheck
	EventTypeEmpty
)

var eventTypeNames = map[EventType]string{
	EventTypeActivity:     "activity",
	EventTypeSignal:       "signal",
	EventTypeSignalSend:   "signal_send",
	EventTypeMessageSend:  "message_send",
	EventTypeSubWorkflow:  "sub_workflow",
	EventTypeLoop:         "loop",
	EventTypeSleep:        "sleep",
	EventTypeBranch:       "branch",
	EventTypeRemoved:      "removed",
	EventTypeVersionCheck: "version_check",
	EventTypeEmpty:        "empty",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Event is one recorded step of a workflow history. Coordinate addresses the
// event within its branch; the full location is the branch's root location
// joined with Coordinate.
type Event struct {
	Coordinate Coordinate
	Version    int
	Forgotten  bool
	Data       EventData
}

// EventData is the closed union of step payloads.
type EventData interface {
	EventType() EventType
}

// EventID identifies an activity by name plus a hash of its input, so replay
// can detect an activity invoked with different input than history recorded.
type EventID struct {
	Name      string `json:"name"`
	InputHash uint64 `json:"input_hash"`
}

// NewEventID hashes the serialized input with FNV-1a.
func NewEventID(name string, input []byte) EventID {
	h := fnv.New64a()
	h.Write(input)
	return EventID{Name: name, InputHash: h.Sum64()}
}

func (id EventID) Equal(o EventID) bool {
	return id.Name == o.Name && id.InputHash == o.InputHash
}

type ActivityEvent struct {
	EventID EventID         `json:"event_id"`
	Input   json.RawMessage `json:"input"`
	Output  json.RawMessage `json:"output,omitempty"`
}

func (ActivityEvent) EventType() EventType { return EventTypeActivity }

type SignalEvent struct {
	SignalID uuid.UUID       `json:"signal_id"`
	Name     string          `json:"name"`
	Body     json.RawMessage `json:"body"`
}

func (SignalEvent) EventType() EventType { return EventTypeSignal }

type SignalSendEvent struct {
	SignalID uuid.UUID         `json:"signal_id"`
	Name     string            `json:"name"`
	Tags     map[string]string `json:"tags,omitempty"`
	Body     json.RawMessage   `json:"body"`
}

func (SignalSendEvent) EventType() EventType { return EventTypeSignalSend }

type MessageSendEvent struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
	Body json.RawMessage   `json:"body"`
}

func (MessageSendEvent) EventType() EventType { return EventTypeMessageSend }

type SubWorkflowEvent struct {
	SubWorkflowID uuid.UUID         `json:"sub_workflow_id"`
	Name          string            `json:"name"`
	Tags          map[string]string `json:"tags,omitempty"`
	Input         json.RawMessage   `json:"input"`
}

func (SubWorkflowEvent) EventType() EventType { return EventTypeSubWorkflow }

type LoopEvent struct {
	State     json.RawMessage `json:"state"`
	Output    json.RawMessage `json:"output,omitempty"`
	Iteration int             `json:"iteration"`
}

func (LoopEvent) EventType() EventType { return EventTypeLoop }

// SleepState tracks how a sleep resolved.
type SleepState int

const (
	// SleepStateNormal means the deadline has not fired yet, or fired
	// without interruption.
	SleepStateNormal SleepState = iota
	// SleepStateInterrupted means a signal woke the workflow before the
	// deadline.
	SleepStateInterrupted
	// SleepStateExpired means the deadline fired while the workflow also
	// listened for signals; replay must not consume a late signal.
	SleepStateExpired
)

type SleepEvent struct {
	DeadlineTs int64      `json:"deadline_ts"`
	State      SleepState `json:"state"`
}

func (SleepEvent) EventType() EventType { return EventTypeSleep }

type BranchEvent struct{}

func (BranchEvent) EventType() EventType { return EventTypeBranch }

// RemovedEvent tombstones a step kind deleted from the workflow code so
// older histories remain replayable.
type RemovedEvent struct {
	RemovedEventType EventType `json:"event_type"`
	Name             string    `json:"name,omitempty"`
}

func (RemovedEvent) EventType() EventType { return EventTypeRemoved }

type VersionCheckEvent struct{}

func (VersionCheckEvent) EventType() EventType { return EventTypeVersionCheck }

// EmptyEvent is a placeholder produced only during history reconstruction to
// fill ordinal gaps. It is never persisted.
type EmptyEvent struct{}

func (EmptyEvent) EventType() EventType { return EventTypeEmpty }

// eventEnvelope is the persisted JSON form of an Event.
type eventEnvelope struct {
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	Forgotten bool            `json:"forgotten,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// EncodeEvent serializes an event payload for storage. The coordinate is not
// part of the value; it lives in the key.
func EncodeEvent(e *Event) ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("history: encode %s event: %w", e.Data.EventType(), err)
	}
	return json.Marshal(eventEnvelope{
		Type:      e.Data.EventType().String(),
		Version:   e.Version,
		Forgotten: e.Forgotten,
		Data:      data,
	})
}

// DecodeEvent deserializes a stored event; the coordinate comes from the key.
func DecodeEvent(coord Coordinate, value []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("history: decode event at %s: %w", coord, err)
	}
	var data EventData
	switch env.Type {
	case "activity":
		data = decodeInto[ActivityEvent](env.Data)
	case "signal":
		data = decodeInto[SignalEvent](env.Data)
	case "signal_send":
		data = decodeInto[SignalSendEvent](env.Data)
	case "message_send":
		data = decodeInto[MessageSendEvent](env.Data)
	case "sub_workflow":
		data = decodeInto[SubWorkflowEvent](env.Data)
	case "loop":
		data = decodeInto[LoopEvent](env.Data)
	case "sleep":
		data = decodeInto[SleepEvent](env.Data)
	case "branch":
		data = BranchEvent{}
	case "removed":
		data = decodeInto[RemovedEvent](env.Data)
	case "version_check":
		data = VersionCheckEvent{}
	case "empty":
		data = EmptyEvent{}
	default:
		return nil, fmt.Errorf("history: decode event at %s: unknown type %q", coord, env.Type)
	}
	if data == nil {
		return nil, fmt.Errorf("history: decode event at %s: bad %s payload", coord, env.Type)
	}
	return &Event{
		Coordinate: coord,
		Version:    env.Version,
		Forgotten:  env.Forgotten,
		Data:       data,
	}, nil
}

func decodeInto[T EventData](raw json.RawMessage) EventData {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// History holds a workflow's events grouped by branch. The map key is the
// branch's root location (MapKey form); events within a branch are sorted by
// coordinate. Forgotten events are excluded unless loaded with the audit
// option.
type History map[string][]*Event

// Branch returns the events under a root location.
func (h History) Branch(root Location) []*Event {
	return h[root.MapKey()]
}

// Insert places an event into its branch keeping coordinate order. Used by
// tests and by history reconstruction; the store loads branches pre-sorted.
func (h History) Insert(root Location, e *Event) {
	key := root.MapKey()
	branch := h[key]
	i := len(branch)
	for i > 0 && branch[i-1].Coordinate.Compare(e.Coordinate) > 0 {
		i--
	}
	branch = append(branch, nil)
	copy(branch[i+1:], branch[i:])
	branch[i] = e
	h[key] = branch
}
