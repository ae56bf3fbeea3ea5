package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/google/uuid"

	"github.com/gantryio/gantry/internal/kv"
)

// PortRange names one of the two allocatable ranges.
type PortRange string

const (
	RangeGG   PortRange = "gg"
	RangeHost PortRange = "host"
)

type Protocol string

const (
	ProtoTCP Protocol = "tcp"
	ProtoUDP Protocol = "udp"
)

// PortRangeConfig is an inclusive port interval.
type PortRangeConfig struct {
	Min uint16 `json:"min" yaml:"min"`
	Max uint16 `json:"max" yaml:"max"`
}

func (c PortRangeConfig) size() int { return int(c.Max) - int(c.Min) + 1 }

type PortsConfig struct {
	GG   PortRangeConfig `json:"gg" yaml:"gg"`
	Host PortRangeConfig `json:"host" yaml:"host"`
}

// DefaultPortsConfig mirrors the platform's fleet-wide reserved ranges.
func DefaultPortsConfig() PortsConfig {
	return PortsConfig{
		GG:   PortRangeConfig{Min: 20000, Max: 25999},
		Host: PortRangeConfig{Min: 26000, Max: 31999},
	}
}

func (c PortsConfig) rangeFor(r PortRange) (PortRangeConfig, error) {
	switch r {
	case RangeGG:
		return c.GG, nil
	case RangeHost:
		return c.Host, nil
	default:
		return PortRangeConfig{}, fmt.Errorf("actor: unknown port range %q", r)
	}
}

// PortRequest asks for one port in a range and protocol subspace.
type PortRequest struct {
	Name     string    `json:"name" validate:"required,max=32"`
	Range    PortRange `json:"range" validate:"required,oneof=gg host"`
	Protocol Protocol  `json:"protocol" validate:"required,oneof=tcp udp"`
}

type AllocatedPort struct {
	Name     string    `json:"name"`
	Range    PortRange `json:"range"`
	Protocol Protocol  `json:"protocol"`
	Port     uint16    `json:"port"`
}

// portClaim is the value in the port table. A tombstoned claim frees the
// port for reuse while keeping who held it last.
type portClaim struct {
	ActorID   uuid.UUID `json:"actor_id"`
	Tombstone bool      `json:"tombstone"`
}

// Allocator hands out ports from the shared table. All claims for one actor
// commit in a single transaction, so two concurrent allocations cannot
// double-book: the loser's read of a contended port row conflicts and the
// transaction retries against fresh state.
type Allocator struct {
	db  kv.DB
	cfg PortsConfig
}

func NewAllocator(db kv.DB, cfg PortsConfig) *Allocator {
	return &Allocator{db: db, cfg: cfg}
}

// Allocate claims one port per request, probing each range linearly from a
// random offset and skipping live claims. Returns all ports or nothing.
func (a *Allocator) Allocate(ctx context.Context, actorID uuid.UUID, reqs []PortRequest) ([]AllocatedPort, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var allocated []AllocatedPort
	err := kv.RunTx(ctx, a.db, func(ctx context.Context, tx kv.Tx) error {
		allocated = allocated[:0]
		taken := map[string]bool{}
		for _, req := range reqs {
			rng, err := a.cfg.rangeFor(req.Range)
			if err != nil {
				return err
			}
			port, err := a.probe(ctx, tx, rng, req, taken)
			if err != nil {
				return err
			}
			taken[claimMapKey(req.Range, req.Protocol, port)] = true
			claim, err := json.Marshal(portClaim{ActorID: actorID})
			if err != nil {
				return err
			}
			tx.Set(portKey(req.Range, req.Protocol, port), claim)
			allocated = append(allocated, AllocatedPort{
				Name:     req.Name,
				Range:    req.Range,
				Protocol: req.Protocol,
				Port:     port,
			})
		}
		set, err := json.Marshal(allocated)
		if err != nil {
			return err
		}
		tx.Set(actorPortsKey(actorID), set)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocated, nil
}

func (a *Allocator) probe(ctx context.Context, tx kv.Tx, rng PortRangeConfig, req PortRequest, taken map[string]bool) (uint16, error) {
	n := rng.size()
	if n <= 0 {
		return 0, fmt.Errorf("actor: empty port range %q", req.Range)
	}
	offset := rand.Intn(n)
	for i := 0; i < n; i++ {
		port := rng.Min + uint16((offset+i)%n)
		if taken[claimMapKey(req.Range, req.Protocol, port)] {
			continue
		}
		raw, err := tx.Get(ctx, portKey(req.Range, req.Protocol, port))
		if err != nil {
			return 0, err
		}
		if raw != nil {
			var claim portClaim
			if err := json.Unmarshal(raw, &claim); err != nil {
				return 0, err
			}
			if !claim.Tombstone {
				continue
			}
		}
		return port, nil
	}
	return 0, fmt.Errorf("actor: no free %s port in range %q", req.Protocol, req.Range)
}

// Release tombstones every port the actor holds. Idempotent.
func (a *Allocator) Release(ctx context.Context, actorID uuid.UUID) error {
	return kv.RunTx(ctx, a.db, func(ctx context.Context, tx kv.Tx) error {
		raw, err := tx.Get(ctx, actorPortsKey(actorID))
		if err != nil {
			return err
		}
		if raw == nil {
			return nil
		}
		var ports []AllocatedPort
		if err := json.Unmarshal(raw, &ports); err != nil {
			return err
		}
		for _, p := range ports {
			claim, err := json.Marshal(portClaim{ActorID: actorID, Tombstone: true})
			if err != nil {
				return err
			}
			tx.Set(portKey(p.Range, p.Protocol, p.Port), claim)
		}
		tx.Clear(actorPortsKey(actorID))
		return nil
	})
}

// Held returns the actor's current allocation, nil when released.
func (a *Allocator) Held(ctx context.Context, actorID uuid.UUID) ([]AllocatedPort, error) {
	var ports []AllocatedPort
	err := kv.ReadTx(ctx, a.db, func(ctx context.Context, tx kv.Tx) error {
		ports = nil
		raw, err := tx.Get(ctx, actorPortsKey(actorID))
		if err != nil || raw == nil {
			return err
		}
		return json.Unmarshal(raw, &ports)
	})
	if err != nil {
		return nil, err
	}
	return ports, nil
}

func claimMapKey(r PortRange, p Protocol, port uint16) string {
	return fmt.Sprintf("%s/%s/%d", r, p, port)
}
