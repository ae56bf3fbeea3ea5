// Package protocol defines the framed wire format between runner processes
// and the control plane: length-prefixed JSON envelopes carrying an init
// handshake, actor events, or commands.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MaxFrameLen bounds a single frame. Oversized frames indicate a corrupt
// stream and kill the connection.
const MaxFrameLen = 1 << 20

// FullResendIdx in Init.LastCommandIdx asks the server to resend every
// recorded command.
const FullResendIdx = int64(-1)

// RunnerConfig is reported once in the init handshake.
type RunnerConfig struct {
	Datacenter       string `json:"datacenter"`
	Flavor           string `json:"flavor"`
	TotalSlots       int    `json:"total_slots"`
	TotalMemoryMB    int64  `json:"total_memory_mb"`
	ReservedMemoryMB int64  `json:"reserved_memory_mb"`
}

type SystemInfo struct {
	OS       string `json:"os"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
}

// Init is the first message on every connection. LastCommandIdx tells the
// server where to resume the command stream; when LastWorkflowID disagrees
// with the server's workflow, the runner sets it to FullResendIdx.
type Init struct {
	RunnerID       uuid.UUID  `json:"runner_id"`
	LastCommandIdx int64      `json:"last_command_idx"`
	LastWorkflowID *uuid.UUID `json:"last_workflow_id,omitempty"`
	Config         RunnerConfig
	SystemInfo     SystemInfo `json:"system_info"`
}

// EventKind is an actor state transition observed by the runner.
type EventKind string

const (
	EventStarting EventKind = "starting"
	EventRunning  EventKind = "running"
	EventStopping EventKind = "stopping"
	EventStopped  EventKind = "stopped"
	EventFailed   EventKind = "failed"
)

type ActorEvent struct {
	ActorID  uuid.UUID `json:"actor_id"`
	Kind     EventKind `json:"kind"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Ts       int64     `json:"ts"`
}

// EventWrapper carries the monotonic per-runner event index. Indices must
// not regress; a duplicate index is dropped server-side.
type EventWrapper struct {
	Index int64      `json:"index"`
	Event ActorEvent `json:"event"`
}

type CommandKind string

const (
	CommandStartActor   CommandKind = "start_actor"
	CommandStopActor    CommandKind = "stop_actor"
	CommandPrewarmImage CommandKind = "prewarm_image"
)

type StartActor struct {
	ArtifactURL string            `json:"artifact_url"`
	Args        []string          `json:"args"`
	Env         map[string]string `json:"env,omitempty"`
	Ports       []PortBinding     `json:"ports,omitempty"`
	MemoryMB    int64             `json:"memory_mb"`
}

type PortBinding struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol"`
	Port     uint16 `json:"port"`
}

type Command struct {
	Kind    CommandKind `json:"kind"`
	ActorID uuid.UUID   `json:"actor_id,omitempty"`
	Start   *StartActor `json:"start,omitempty"`
	Image   string      `json:"image,omitempty"`
}

// CommandWrapper carries the server-assigned monotonic command index.
type CommandWrapper struct {
	Index   int64   `json:"index"`
	Command Command `json:"command"`
}

// Envelope is the frame payload. Exactly one field is set.
type Envelope struct {
	Init     *Init            `json:"init,omitempty"`
	Events   []EventWrapper   `json:"events,omitempty"`
	Commands []CommandWrapper `json:"commands,omitempty"`
}

// EncodeFrame renders an envelope as a length-prefixed frame.
func EncodeFrame(env *Envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("protocol: frame too large (%d bytes)", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// WriteFrame writes one envelope to a stream.
func WriteFrame(w io.Writer, env *Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one envelope from a stream.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("protocol: frame length %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return DecodeFrame(payload)
}

// DecodeFrame parses a frame payload (without the length prefix).
func DecodeFrame(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	set := 0
	if env.Init != nil {
		set++
	}
	if env.Events != nil {
		set++
	}
	if env.Commands != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("protocol: envelope must carry exactly one message, has %d", set)
	}
	return &env, nil
}
