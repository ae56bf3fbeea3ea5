// Package memkv is an in-memory implementation of the kv substrate.
//
// It keeps a multi-version store guarded by a single mutex and validates
// transactions optimistically at commit: a transaction conflicts (1020) when
// any commit since its read version wrote into one of its read ranges. It is
// the backend used by tests and the local development runtime; durability
// comes from the sqlitekv and pgkv backends.
package memkv

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/gantryio/gantry/internal/kv"
)

// maxRetainedCommits bounds the conflict log. Transactions older than the
// retained window fail with a conflict and retry.
const maxRetainedCommits = 4096

type kvVersion struct {
	version uint64
	value   kv.Value // nil is a tombstone
}

type commitRecord struct {
	version uint64
	writes  []kv.KeyRange
}

// Store is an in-memory kv.DB.
type Store struct {
	mu             sync.Mutex
	keys           []string // sorted
	entries        map[string][]kvVersion
	commitVersion  uint64
	recentCommits  []commitRecord
	oldestRetained uint64
	hook           CommitHook
}

// CommitHook is called under the store lock with the final key states of a
// committing transaction, before they become visible. Returning an error
// aborts the commit. Used by durable backends to write through.
type CommitHook func(puts []kv.KeyValue, deletes []kv.Key) error

var _ kv.DB = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string][]kvVersion)}
}

// SetCommitHook installs the write-through hook. Must be called before the
// store is shared.
func (s *Store) SetCommitHook(h CommitHook) { s.hook = h }

// Seed loads pairs directly into the store without going through a
// transaction. Used by durable backends to restore state at startup.
func (s *Store) Seed(pairs []kv.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		k := string(p.Key)
		s.insertKey(k)
		s.entries[k] = append(s.entries[k], kvVersion{version: 0, value: append(kv.Value{}, p.Value...)})
	}
}

func (s *Store) Begin(ctx context.Context) (kv.Tx, error) {
	s.mu.Lock()
	rv := s.commitVersion
	s.mu.Unlock()
	return &tx{store: s, readVersion: rv}, nil
}

func (s *Store) Close() error { return nil }

// valueAt returns the latest value of key at or before version.
func (s *Store) valueAt(key string, version uint64) kv.Value {
	chain := s.entries[key]
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].version <= version {
			return chain[i].value
		}
	}
	return nil
}

func (s *Store) insertKey(key string) {
	i := sort.SearchStrings(s.keys, key)
	if i < len(s.keys) && s.keys[i] == key {
		return
	}
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key
}

// writeOp is one buffered mutation, replayed in order at read and commit
// time so that interleaved sets, clears and atomics resolve correctly.
type writeOp struct {
	kind  opKind
	key   kv.Key
	end   kv.Key // clearRange only
	value kv.Value
	mut   kv.MutationType
}

type opKind int

const (
	opSet opKind = iota
	opClear
	opClearRange
	opAtomic
)

type tx struct {
	store       *Store
	readVersion uint64
	log         []writeOp
	vsOps       []writeOp // versionstamped key/value ops, resolved at commit
	readRanges  []kv.KeyRange
	writeRanges []kv.KeyRange
	done        bool

	// merged view cache, invalidated by writes
	merged      []kv.KeyValue
	mergedValid bool
}

var _ kv.Tx = (*tx)(nil)

func (t *tx) invalidate() { t.mergedValid = false }

func (t *tx) addReadRange(begin, end kv.Key) {
	t.readRanges = append(t.readRanges, kv.KeyRange{
		Begin: append(kv.Key{}, begin...),
		End:   append(kv.Key{}, end...),
	})
}

func (t *tx) addWriteRange(begin, end kv.Key) {
	t.writeRanges = append(t.writeRanges, kv.KeyRange{
		Begin: append(kv.Key{}, begin...),
		End:   append(kv.Key{}, end...),
	})
}

// effectiveValue replays the write log over the snapshot value of key.
func (t *tx) effectiveValue(key kv.Key) (kv.Value, error) {
	t.store.mu.Lock()
	val := t.store.valueAt(string(key), t.readVersion)
	t.store.mu.Unlock()
	if val != nil {
		// Copy so callers cannot mutate committed state.
		val = append(kv.Value{}, val...)
	}

	var err error
	for _, op := range t.log {
		switch op.kind {
		case opSet:
			if bytes.Equal(op.key, key) {
				val = op.value
			}
		case opClear:
			if bytes.Equal(op.key, key) {
				val = nil
			}
		case opClearRange:
			if (kv.KeyRange{Begin: op.key, End: op.end}).Contains(key) {
				val = nil
			}
		case opAtomic:
			if bytes.Equal(op.key, key) {
				val, err = kv.ApplyMutation(op.mut, val, op.value)
				if err != nil {
					return nil, kv.NewFatal("bad atomic op", err)
				}
			}
		}
	}
	return val, nil
}

// mergedView materializes the transaction's view of the store: the snapshot
// overlaid with buffered writes, sorted by key, tombstones removed.
func (t *tx) mergedView() ([]kv.KeyValue, error) {
	if t.mergedValid {
		return t.merged, nil
	}

	seen := make(map[string]struct{})
	t.store.mu.Lock()
	candidates := make([]string, 0, len(t.store.keys))
	for _, k := range t.store.keys {
		candidates = append(candidates, k)
		seen[k] = struct{}{}
	}
	t.store.mu.Unlock()

	for _, op := range t.log {
		if op.kind == opSet || op.kind == opAtomic {
			k := string(op.key)
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				candidates = append(candidates, k)
			}
		}
	}
	sort.Strings(candidates)

	out := make([]kv.KeyValue, 0, len(candidates))
	for _, k := range candidates {
		val, err := t.effectiveValue(kv.Key(k))
		if err != nil {
			return nil, err
		}
		if val != nil {
			out = append(out, kv.KeyValue{Key: kv.Key(k), Value: val})
		}
	}
	t.merged = out
	t.mergedValid = true
	return out, nil
}

func (t *tx) Get(ctx context.Context, key kv.Key) (kv.Value, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	t.addReadRange(key, kv.KeyAfter(key))
	return t.effectiveValue(key)
}

// resolveSelector returns the index in view of the key the selector points
// at, or -1/len(view) when it resolves off either end.
func resolveSelector(view []kv.KeyValue, sel kv.Selector) int {
	// Index of the first key that is strictly after the reference point.
	i := sort.Search(len(view), func(i int) bool {
		c := bytes.Compare(view[i].Key, sel.Key)
		if sel.OrEqual {
			return c > 0
		}
		return c >= 0
	})
	return i + sel.Offset - 1
}

func (t *tx) GetKey(ctx context.Context, sel kv.Selector) (kv.Key, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	view, err := t.mergedView()
	if err != nil {
		return nil, err
	}
	i := resolveSelector(view, sel)

	// Conservative conflict range: everything between the reference key and
	// the resolved key participates in the read.
	var resolved kv.Key
	if i >= 0 && i < len(view) {
		resolved = append(kv.Key{}, view[i].Key...)
	}
	lo, hi := sel.Key, resolved
	if resolved == nil {
		hi = kv.KeyAfter(sel.Key)
	}
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	t.addReadRange(lo, kv.KeyAfter(hi))
	return resolved, nil
}

func (t *tx) GetRange(ctx context.Context, begin, end kv.Selector, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	if t.done {
		return nil, kv.ErrTxUsedAfterCommit
	}
	view, err := t.mergedView()
	if err != nil {
		return nil, err
	}

	lo := resolveSelector(view, begin)
	hi := resolveSelector(view, end)
	if lo < 0 {
		lo = 0
	}
	if hi > len(view) {
		hi = len(view)
	}

	// The whole scanned range is a read conflict, including the gap that
	// proved keys absent.
	t.addReadRange(begin.Key, kv.KeyAfter(end.Key))

	if lo >= hi {
		return nil, nil
	}
	slice := view[lo:hi]
	out := make([]kv.KeyValue, 0, len(slice))
	if opts.Reverse {
		for i := len(slice) - 1; i >= 0; i-- {
			out = append(out, slice[i])
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
	} else {
		for _, p := range slice {
			out = append(out, p)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) GetEstimatedRangeSize(ctx context.Context, begin, end kv.Key) (int64, error) {
	if t.done {
		return 0, kv.ErrTxUsedAfterCommit
	}
	view, err := t.mergedView()
	if err != nil {
		return 0, err
	}
	var size int64
	r := kv.KeyRange{Begin: begin, End: end}
	for _, p := range view {
		if r.Contains(p.Key) {
			size += int64(len(p.Key) + len(p.Value))
		}
	}
	return size, nil
}

func (t *tx) Set(key kv.Key, value kv.Value) {
	t.log = append(t.log, writeOp{kind: opSet, key: append(kv.Key{}, key...), value: append(kv.Value{}, value...)})
	t.addWriteRange(key, kv.KeyAfter(key))
	t.invalidate()
}

func (t *tx) Clear(key kv.Key) {
	t.log = append(t.log, writeOp{kind: opClear, key: append(kv.Key{}, key...)})
	t.addWriteRange(key, kv.KeyAfter(key))
	t.invalidate()
}

func (t *tx) ClearRange(begin, end kv.Key) {
	t.log = append(t.log, writeOp{
		kind: opClearRange,
		key:  append(kv.Key{}, begin...),
		end:  append(kv.Key{}, end...),
	})
	t.addWriteRange(begin, end)
	t.invalidate()
}

func (t *tx) Atomic(key kv.Key, param kv.Value, op kv.MutationType) {
	w := writeOp{
		kind:  opAtomic,
		key:   append(kv.Key{}, key...),
		value: append(kv.Value{}, param...),
		mut:   op,
	}
	if op == kv.MutationSetVersionstampedKey || op == kv.MutationSetVersionstampedValue {
		// Resolved at commit; not visible to in-transaction reads.
		t.vsOps = append(t.vsOps, w)
		return
	}
	t.log = append(t.log, w)
	t.addWriteRange(key, kv.KeyAfter(key))
	t.invalidate()
}

func (t *tx) AddConflictRange(begin, end kv.Key, typ kv.ConflictType) {
	if typ == kv.ConflictRead {
		t.addReadRange(begin, end)
	} else {
		t.addWriteRange(begin, end)
	}
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return kv.ErrTxUsedAfterCommit
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.readVersion < s.oldestRetained {
		return kv.NewConflict("transaction too old")
	}
	for _, c := range s.recentCommits {
		if c.version <= t.readVersion {
			continue
		}
		for _, w := range c.writes {
			for _, r := range t.readRanges {
				if w.Overlaps(r) {
					return kv.NewConflict("read range modified by concurrent commit")
				}
			}
		}
	}

	if len(t.log) == 0 && len(t.vsOps) == 0 {
		return nil
	}

	version := s.commitVersion + 1

	// Resolve the final state of every touched key before mutating
	// anything, so the durability hook can be applied first and a hook
	// failure leaves memory untouched.
	pending := make(map[string]kv.Value)
	var order []string
	stage := func(key string, val kv.Value) {
		if _, ok := pending[key]; !ok {
			order = append(order, key)
		}
		pending[key] = val
	}
	resolve := func(key string) kv.Value {
		if v, ok := pending[key]; ok {
			return v
		}
		return s.valueAtLatest(key)
	}

	for _, op := range t.log {
		switch op.kind {
		case opSet:
			stage(string(op.key), op.value)
		case opClear:
			stage(string(op.key), nil)
		case opClearRange:
			r := kv.KeyRange{Begin: op.key, End: op.end}
			for _, k := range s.keys {
				if r.Contains(kv.Key(k)) && resolve(k) != nil {
					stage(k, nil)
				}
			}
			for k, v := range pending {
				if v != nil && r.Contains(kv.Key(k)) {
					stage(k, nil)
				}
			}
		case opAtomic:
			next, err := kv.ApplyMutation(op.mut, resolve(string(op.key)), op.value)
			if err != nil {
				return kv.NewFatal("bad atomic op", err)
			}
			stage(string(op.key), next)
		}
	}

	for i, op := range t.vsOps {
		stamp := kv.Versionstamp(version, uint16(i))
		switch op.mut {
		case kv.MutationSetVersionstampedKey:
			key, err := kv.SubstituteVersionstamp(op.key, stamp)
			if err != nil {
				return kv.NewFatal("bad versionstamped key", err)
			}
			stage(string(key), op.value)
			t.writeRanges = append(t.writeRanges, kv.KeyRange{Begin: key, End: kv.KeyAfter(key)})
		case kv.MutationSetVersionstampedValue:
			val, err := kv.SubstituteVersionstamp(op.value, stamp)
			if err != nil {
				return kv.NewFatal("bad versionstamped value", err)
			}
			stage(string(op.key), val)
			t.writeRanges = append(t.writeRanges, kv.KeyRange{Begin: op.key, End: kv.KeyAfter(op.key)})
		}
	}

	if s.hook != nil {
		var puts []kv.KeyValue
		var dels []kv.Key
		for _, k := range order {
			if v := pending[k]; v != nil {
				puts = append(puts, kv.KeyValue{Key: kv.Key(k), Value: v})
			} else {
				dels = append(dels, kv.Key(k))
			}
		}
		if err := s.hook(puts, dels); err != nil {
			return kv.NewFatal("commit hook failed", err)
		}
	}

	s.commitVersion = version
	for _, k := range order {
		s.insertKey(k)
		s.entries[k] = append(s.entries[k], kvVersion{version: version, value: pending[k]})
	}

	s.recentCommits = append(s.recentCommits, commitRecord{version: version, writes: t.writeRanges})
	if len(s.recentCommits) > maxRetainedCommits {
		drop := len(s.recentCommits) - maxRetainedCommits
		s.oldestRetained = s.recentCommits[drop-1].version
		s.recentCommits = append([]commitRecord{}, s.recentCommits[drop:]...)
	}
	return nil
}

func (s *Store) valueAtLatest(key string) kv.Value {
	chain := s.entries[key]
	if len(chain) == 0 {
		return nil
	}
	return chain[len(chain)-1].value
}

func (t *tx) Cancel() { t.done = true }
