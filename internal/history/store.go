package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gantryio/gantry/internal/keyspace"
	"github.com/gantryio/gantry/internal/kv"
)

// forgottenRetainCount bounds how many forgotten events a workflow keeps for
// auditing.
const forgottenRetainCount = 100

// WakeConditions describes what should wake a suspended workflow. On every
// suspend the worker writes the union of conditions gathered at the
// suspension point.
type WakeConditions struct {
	Immediate     bool       `json:"immediate,omitempty"`
	DeadlineTs    int64      `json:"deadline_ts,omitempty"`
	Signals       []string   `json:"signals,omitempty"`
	SubWorkflowID *uuid.UUID `json:"sub_workflow_id,omitempty"`
}

// IsZero reports whether no wake condition is set.
func (w WakeConditions) IsZero() bool {
	return !w.Immediate && w.DeadlineTs == 0 && len(w.Signals) == 0 && w.SubWorkflowID == nil
}

// WorkflowState classifies a workflow row.
type WorkflowState string

const (
	WorkflowStateComplete WorkflowState = "complete"
	WorkflowStateRunning  WorkflowState = "running"
	WorkflowStateSleeping WorkflowState = "sleeping"
	WorkflowStateDead     WorkflowState = "dead"
)

// Workflow is a materialized workflow row.
type Workflow struct {
	WorkflowID uuid.UUID
	Name       string
	Tags       map[string]string
	CreateTs   int64
	Input      json.RawMessage
	State      json.RawMessage
	Output     json.RawMessage
	Error      string
	// ConsecutiveFailures counts fatal runs since the last successful
	// commit. Persisted so a workflow bouncing between workers still hits
	// the dead threshold.
	ConsecutiveFailures int64
	WorkerInstanceID    *uuid.UUID
	Wake                WakeConditions
	SilenceTs           int64
}

// Status derives the lifecycle state from row fields.
func (w *Workflow) Status() WorkflowState {
	switch {
	case w.Output != nil:
		return WorkflowStateComplete
	case w.WorkerInstanceID != nil:
		return WorkflowStateRunning
	case !w.Wake.IsZero():
		return WorkflowStateSleeping
	default:
		return WorkflowStateDead
	}
}

// PulledWorkflow is a claimed workflow ready to run: the row plus its full
// active history.
type PulledWorkflow struct {
	Workflow
	History History
}

type lease struct {
	WorkerInstanceID uuid.UUID `json:"worker_instance_id"`
	ExpireTs         int64     `json:"expire_ts"`
}

// Store persists workflow rows, histories, signals and wake conditions on
// the kv substrate. All mutations for one logical step commit in a single
// transaction so crash recovery never observes a half-written step.
type Store struct {
	db  kv.DB
	log zerolog.Logger
}

// NewStore wraps a kv database.
func NewStore(db kv.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "history_store").Logger()}
}

// DB exposes the underlying substrate for callers that need to compose their
// own transactions with workflow state (port allocation, indices).
func (s *Store) DB() kv.DB { return s.db }

func nowMs() int64 { return time.Now().UnixMilli() }

// DispatchWorkflowInput describes a new workflow row.
type DispatchWorkflowInput struct {
	WorkflowID uuid.UUID
	Name       string
	Tags       map[string]string
	Input      json.RawMessage
	// Unique reuses an existing incomplete workflow with the same name and
	// tags instead of inserting a duplicate.
	Unique bool
}

// DispatchWorkflow inserts a workflow row and schedules it for immediate
// pickup. Returns the workflow id, which differs from the requested one when
// Unique matched an existing row.
func (s *Store) DispatchWorkflow(ctx context.Context, in DispatchWorkflowInput) (uuid.UUID, error) {
	if in.Name == "" {
		return uuid.Nil, fmt.Errorf("history: dispatch with empty workflow name")
	}
	id := in.WorkflowID
	if id == uuid.Nil {
		id = uuid.New()
	}

	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if in.Unique {
			existing, err := s.findWorkflowInTx(ctx, tx, in.Name, in.Tags)
			if err != nil {
				return err
			}
			if existing != nil {
				id = *existing
				return nil
			}
		}

		ts := nowMs()
		tx.Set(workflowNameKey(id), []byte(in.Name))
		tx.Set(workflowCreateTsKey(id), encodeInt64(ts))
		tags, err := json.Marshal(orEmptyTags(in.Tags))
		if err != nil {
			return err
		}
		tx.Set(workflowTagsKey(id), tags)
		keyspace.WriteChunked(tx, workflowInputSub(id), in.Input)
		tx.Set(workflowByNameKey(in.Name, ts, id), presenceValue)

		return s.writeWake(tx, id, WakeConditions{Immediate: true})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func orEmptyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

// writeWake persists the wake row and its index entries.
func (s *Store) writeWake(tx kv.Tx, id uuid.UUID, wake WakeConditions) error {
	raw, err := json.Marshal(wake)
	if err != nil {
		return err
	}
	tx.Set(workflowWakeKey(id), raw)
	if wake.Immediate {
		tx.Set(wakeImmediateKey(id), presenceValue)
	}
	if wake.DeadlineTs != 0 {
		tx.Set(wakeDeadlineKey(wake.DeadlineTs, id), presenceValue)
	}
	for _, name := range wake.Signals {
		tx.Set(wakeSignalKey(name, id), presenceValue)
	}
	if wake.SubWorkflowID != nil {
		tx.Set(wakeSubWorkflowKey(*wake.SubWorkflowID, id), presenceValue)
	}
	return nil
}

// clearWake removes the wake row and all of its index entries.
func (s *Store) clearWake(ctx context.Context, tx kv.Tx, id uuid.UUID) error {
	wake, err := s.readWake(ctx, tx, id)
	if err != nil {
		return err
	}
	tx.Clear(workflowWakeKey(id))
	tx.Clear(wakeImmediateKey(id))
	if wake.DeadlineTs != 0 {
		tx.Clear(wakeDeadlineKey(wake.DeadlineTs, id))
	}
	for _, name := range wake.Signals {
		tx.Clear(wakeSignalKey(name, id))
	}
	if wake.SubWorkflowID != nil {
		tx.Clear(wakeSubWorkflowKey(*wake.SubWorkflowID, id))
	}
	return nil
}

func (s *Store) readWake(ctx context.Context, tx kv.Tx, id uuid.UUID) (WakeConditions, error) {
	var wake WakeConditions
	raw, err := tx.Get(ctx, workflowWakeKey(id))
	if err != nil {
		return wake, err
	}
	if raw == nil {
		return wake, nil
	}
	err = json.Unmarshal(raw, &wake)
	return wake, err
}

// GetWorkflow loads a workflow row.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var wf *Workflow
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		var err error
		wf, err = s.readWorkflow(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// ErrWorkflowNotFound reports a missing workflow row.
type ErrWorkflowNotFound struct {
	WorkflowID uuid.UUID
}

func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("history: workflow %s not found", e.WorkflowID)
}

func (s *Store) readWorkflow(ctx context.Context, tx kv.Tx, id uuid.UUID) (*Workflow, error) {
	name, err := tx.Get(ctx, workflowNameKey(id))
	if err != nil {
		return nil, err
	}
	if name == nil {
		return nil, &ErrWorkflowNotFound{WorkflowID: id}
	}

	wf := &Workflow{WorkflowID: id, Name: string(name)}

	createTs, err := tx.Get(ctx, workflowCreateTsKey(id))
	if err != nil {
		return nil, err
	}
	wf.CreateTs = decodeInt64(createTs)

	if raw, err := tx.Get(ctx, workflowTagsKey(id)); err != nil {
		return nil, err
	} else if raw != nil {
		if err := json.Unmarshal(raw, &wf.Tags); err != nil {
			return nil, err
		}
	}

	if wf.Input, err = keyspace.ReadChunked(ctx, tx, workflowInputSub(id)); err != nil {
		return nil, err
	}
	if wf.State, err = keyspace.ReadChunked(ctx, tx, workflowStateSub(id)); err != nil {
		return nil, err
	}
	if wf.Output, err = keyspace.ReadChunked(ctx, tx, workflowOutputSub(id)); err != nil {
		return nil, err
	}

	if raw, err := tx.Get(ctx, workflowErrorKey(id)); err != nil {
		return nil, err
	} else if raw != nil {
		wf.Error = string(raw)
	}

	if raw, err := tx.Get(ctx, workflowFailuresKey(id)); err != nil {
		return nil, err
	} else if raw != nil {
		wf.ConsecutiveFailures = decodeInt64(raw)
	}

	if raw, err := tx.Get(ctx, workflowSilenceTsKey(id)); err != nil {
		return nil, err
	} else if raw != nil {
		wf.SilenceTs = decodeInt64(raw)
	}

	if wf.Wake, err = s.readWake(ctx, tx, id); err != nil {
		return nil, err
	}

	if raw, err := tx.Get(ctx, leaseKey(id)); err != nil {
		return nil, err
	} else if raw != nil {
		var l lease
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, err
		}
		wf.WorkerInstanceID = &l.WorkerInstanceID
	}

	return wf, nil
}

// FindWorkflow returns the id of an incomplete workflow matching name and
// exact tags, or nil.
func (s *Store) FindWorkflow(ctx context.Context, name string, tags map[string]string) (*uuid.UUID, error) {
	var found *uuid.UUID
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		var err error
		found, err = s.findWorkflowInTx(ctx, tx, name, tags)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Store) findWorkflowInTx(ctx context.Context, tx kv.Tx, name string, tags map[string]string) (*uuid.UUID, error) {
	r := workflowByNameSub(name).Range()
	entries, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		tup, err := workflowByNameSub(name).Unpack(entry.Key)
		if err != nil {
			return nil, err
		}
		if len(tup) != 2 {
			return nil, fmt.Errorf("history: bad workflow name index key shape")
		}
		id, ok := tup[1].(uuid.UUID)
		if !ok {
			return nil, fmt.Errorf("history: bad workflow name index key id")
		}

		output, err := keyspace.ReadChunked(ctx, tx, workflowOutputSub(id))
		if err != nil {
			return nil, err
		}
		if output != nil {
			continue
		}

		wfTags, err := s.readTags(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if tagsEqual(wfTags, orEmptyTags(tags)) {
			found := id
			return &found, nil
		}
	}
	return nil, nil
}

func (s *Store) readTags(ctx context.Context, tx kv.Tx, id uuid.UUID) (map[string]string, error) {
	raw, err := tx.Get(ctx, workflowTagsKey(id))
	if err != nil {
		return nil, err
	}
	tags := map[string]string{}
	if raw != nil {
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, err
		}
	}
	return tags, nil
}

func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// tagsSubset reports whether every entry of sub is present in super.
func tagsSubset(sub, super map[string]string) bool {
	for k, v := range sub {
		if super[k] != v {
			return false
		}
	}
	return true
}

// ListWorkflowsFilter narrows ListWorkflows output.
type ListWorkflowsFilter struct {
	Name            string
	Tags            map[string]string
	IncludeSilenced bool
	Limit           int
}

// ListWorkflows returns workflow rows matching the filter, newest first
// within a name.
func (s *Store) ListWorkflows(ctx context.Context, filter ListWorkflowsFilter) ([]*Workflow, error) {
	if filter.Name == "" {
		return nil, fmt.Errorf("history: list requires a workflow name filter")
	}
	var out []*Workflow
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		out = out[:0]
		r := workflowByNameSub(filter.Name).Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End),
			kv.RangeOptions{Reverse: true})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			tup, err := workflowByNameSub(filter.Name).Unpack(entry.Key)
			if err != nil {
				return err
			}
			id, ok := tup[len(tup)-1].(uuid.UUID)
			if !ok {
				return fmt.Errorf("history: bad workflow name index key id")
			}
			wf, err := s.readWorkflow(ctx, tx, id)
			if err != nil {
				return err
			}
			if !filter.IncludeSilenced && wf.SilenceTs != 0 {
				continue
			}
			if !tagsSubset(filter.Tags, wf.Tags) {
				continue
			}
			out = append(out, wf)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistory loads a workflow's event tree. With audit set, forgotten
// events are included and marked.
func (s *Store) GetHistory(ctx context.Context, id uuid.UUID, audit bool) (History, error) {
	var h History
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		var err error
		h, err = s.readHistory(ctx, tx, id, audit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Store) readHistory(ctx context.Context, tx kv.Tx, id uuid.UUID, audit bool) (History, error) {
	h := History{}
	variants := []int{historyVariantActive}
	if audit {
		variants = append(variants, historyVariantForgotten)
	}
	for _, variant := range variants {
		if err := s.readHistoryVariant(ctx, tx, id, variant, h); err != nil {
			return nil, err
		}
	}
	if audit {
		FillAllGaps(h)
	}
	return h, nil
}

func (s *Store) readHistoryVariant(ctx context.Context, tx kv.Tx, id uuid.UUID, variant int, h History) error {
	sub := historySub(id, variant)
	r := sub.Range()
	entries, err := tx.GetRange(ctx,
		kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
	if err != nil {
		return err
	}

	var (
		currentLoc Location
		chunks     []byte
	)
	flush := func() error {
		if currentLoc == nil {
			return nil
		}
		event, err := DecodeEvent(currentLoc[len(currentLoc)-1], chunks)
		if err != nil {
			return err
		}
		if variant == historyVariantForgotten {
			event.Forgotten = true
		}
		root, _ := currentLoc.Parent()
		h.Insert(root, event)
		currentLoc = nil
		chunks = nil
		return nil
	}

	for _, entry := range entries {
		tup, err := sub.Unpack(entry.Key)
		if err != nil {
			return err
		}
		// Key shape: coordinate byte elements, the payload tag, chunk index.
		if len(tup) < 3 {
			return fmt.Errorf("history: bad event key shape for workflow %s", id)
		}
		if tag, ok := tup[len(tup)-2].(string); !ok || tag != eventPayloadTag {
			return fmt.Errorf("history: bad event key tag for workflow %s", id)
		}
		loc := make(Location, 0, len(tup)-2)
		for _, el := range tup[:len(tup)-2] {
			raw, ok := el.([]byte)
			if !ok {
				return fmt.Errorf("history: bad coordinate element in event key")
			}
			coord, err := CoordinateFromKeyBytes(raw)
			if err != nil {
				return err
			}
			loc = append(loc, coord)
		}
		if !loc.Equal(currentLoc) {
			if err := flush(); err != nil {
				return err
			}
			currentLoc = loc
		}
		chunks = append(chunks, entry.Value...)
	}
	return flush()
}

// PullWorkflows claims up to limit workflows whose wake condition is
// satisfied. Claiming CASes the lease inside a transaction; a workflow with
// a live lease is skipped.
func (s *Store) PullWorkflows(ctx context.Context, workerInstanceID uuid.UUID, names []string, leaseTTL time.Duration, limit int) ([]*PulledWorkflow, error) {
	candidates, err := s.scanWakeCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	nameFilter := map[string]bool{}
	for _, n := range names {
		nameFilter[n] = true
	}

	var pulled []*PulledWorkflow
	for _, id := range candidates {
		wf, err := s.claimWorkflow(ctx, workerInstanceID, id, nameFilter, leaseTTL)
		if err != nil {
			return nil, err
		}
		if wf != nil {
			pulled = append(pulled, wf)
		}
		if limit > 0 && len(pulled) >= limit {
			break
		}
	}
	return pulled, nil
}

// scanWakeCandidates reads the immediate and due-deadline wake indices.
func (s *Store) scanWakeCandidates(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var candidates []uuid.UUID
	seen := map[uuid.UUID]bool{}
	err := kv.ReadTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		candidates = candidates[:0]
		clear(seen)

		add := func(id uuid.UUID) {
			if !seen[id] {
				seen[id] = true
				candidates = append(candidates, id)
			}
		}

		ir := wakeImmediateSub().Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(ir.Begin), kv.FirstGreaterOrEqual(ir.End),
			kv.RangeOptions{Limit: limit})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			tup, err := wakeImmediateSub().Unpack(entry.Key)
			if err != nil {
				return err
			}
			if id, ok := tup[0].(uuid.UUID); ok {
				add(id)
			}
		}

		// Deadlines due now: scan up to (now+1, min uuid).
		dr := wakeDeadlineSub().Range()
		dueEnd := wakeDeadlineSub().Pack(nowMs() + 1)
		entries, err = tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(dr.Begin), kv.FirstGreaterOrEqual(dueEnd),
			kv.RangeOptions{Limit: limit})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			tup, err := wakeDeadlineSub().Unpack(entry.Key)
			if err != nil {
				return err
			}
			if len(tup) == 2 {
				if id, ok := tup[1].(uuid.UUID); ok {
					add(id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// claimWorkflow CASes the lease for one candidate and loads row + history.
// Returns nil when the candidate is already leased, complete, or filtered
// out by name.
func (s *Store) claimWorkflow(ctx context.Context, workerInstanceID, id uuid.UUID, nameFilter map[string]bool, leaseTTL time.Duration) (*PulledWorkflow, error) {
	var pulled *PulledWorkflow
	err := kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		pulled = nil

		wf, err := s.readWorkflow(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(nameFilter) > 0 && !nameFilter[wf.Name] {
			return nil
		}
		if wf.Output != nil {
			// Completed while the wake index entry lingered.
			return s.clearWake(ctx, tx, id)
		}
		if wf.SilenceTs != 0 {
			// Silenced workflows stay parked until an explicit wake.
			return s.clearWake(ctx, tx, id)
		}

		now := nowMs()
		if raw, err := tx.Get(ctx, leaseKey(id)); err != nil {
			return err
		} else if raw != nil {
			var l lease
			if err := json.Unmarshal(raw, &l); err != nil {
				return err
			}
			if l.ExpireTs > now {
				return nil
			}
		}

		newLease, err := json.Marshal(lease{
			WorkerInstanceID: workerInstanceID,
			ExpireTs:         now + leaseTTL.Milliseconds(),
		})
		if err != nil {
			return err
		}
		tx.Set(leaseKey(id), newLease)
		if err := s.clearWake(ctx, tx, id); err != nil {
			return err
		}

		h, err := s.readHistory(ctx, tx, id, false)
		if err != nil {
			return err
		}
		wfID := workerInstanceID
		wf.WorkerInstanceID = &wfID
		pulled = &PulledWorkflow{Workflow: *wf, History: h}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pulled, nil
}

// ErrLeaseLost reports a lease that was reclaimed by another worker.
type ErrLeaseLost struct {
	WorkflowID uuid.UUID
}

func (e *ErrLeaseLost) Error() string {
	return fmt.Sprintf("history: lease lost for workflow %s", e.WorkflowID)
}

// checkLease verifies the caller still holds the lease.
func (s *Store) checkLease(ctx context.Context, tx kv.Tx, id, workerInstanceID uuid.UUID) error {
	raw, err := tx.Get(ctx, leaseKey(id))
	if err != nil {
		return err
	}
	if raw == nil {
		return &ErrLeaseLost{WorkflowID: id}
	}
	var l lease
	if err := json.Unmarshal(raw, &l); err != nil {
		return err
	}
	if l.WorkerInstanceID != workerInstanceID {
		return &ErrLeaseLost{WorkflowID: id}
	}
	return nil
}

// ExtendLease refreshes the caller's lease TTL.
func (s *Store) ExtendLease(ctx context.Context, id, workerInstanceID uuid.UUID, leaseTTL time.Duration) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.checkLease(ctx, tx, id, workerInstanceID); err != nil {
			return err
		}
		raw, err := json.Marshal(lease{
			WorkerInstanceID: workerInstanceID,
			ExpireTs:         nowMs() + leaseTTL.Milliseconds(),
		})
		if err != nil {
			return err
		}
		tx.Set(leaseKey(id), raw)
		return nil
	})
}

// SuspendWorkflow commits a suspension: wake conditions written, lease
// released, any prior error recorded.
func (s *Store) SuspendWorkflow(ctx context.Context, id, workerInstanceID uuid.UUID, wake WakeConditions, wfErr string) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.checkLease(ctx, tx, id, workerInstanceID); err != nil {
			return err
		}
		tx.Clear(leaseKey(id))
		tx.Clear(workflowFailuresKey(id))
		if wfErr != "" {
			tx.Set(workflowErrorKey(id), []byte(wfErr))
		} else {
			tx.Clear(workflowErrorKey(id))
		}
		// Signals may have arrived while running; check the inbox so the
		// workflow does not sleep through them.
		if len(wake.Signals) > 0 && !wake.Immediate {
			pending, err := s.inboxHasAny(ctx, tx, id, wake.Signals)
			if err != nil {
				return err
			}
			wake.Immediate = pending
		}
		return s.writeWake(tx, id, wake)
	})
}

func (s *Store) inboxHasAny(ctx context.Context, tx kv.Tx, id uuid.UUID, names []string) (bool, error) {
	for _, name := range names {
		r := inboxNameSub(id, name).Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End),
			kv.RangeOptions{Limit: 1})
		if err != nil {
			return false, err
		}
		if len(entries) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// CompleteWorkflow records the output, releases the lease and wakes any
// workflows waiting on this one.
func (s *Store) CompleteWorkflow(ctx context.Context, id, workerInstanceID uuid.UUID, output json.RawMessage) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.checkLease(ctx, tx, id, workerInstanceID); err != nil {
			return err
		}
		if output == nil {
			output = []byte("null")
		}
		keyspace.WriteChunked(tx, workflowOutputSub(id), output)
		tx.Clear(leaseKey(id))
		tx.Clear(workflowErrorKey(id))
		tx.Clear(workflowFailuresKey(id))
		tx.Set(workflowWakeKey(id), []byte("{}"))

		// Wake sub-workflow waiters.
		r := wakeSubWorkflowSub(id).Range()
		entries, err := tx.GetRange(ctx,
			kv.FirstGreaterOrEqual(r.Begin), kv.FirstGreaterOrEqual(r.End), kv.RangeOptions{})
		if err != nil {
			return err
		}
		for _, entry := range entries {
			tup, err := wakeSubWorkflowSub(id).Unpack(entry.Key)
			if err != nil {
				return err
			}
			waiter, ok := tup[0].(uuid.UUID)
			if !ok {
				return fmt.Errorf("history: bad sub workflow wake key")
			}
			tx.Set(wakeImmediateKey(waiter), presenceValue)
			tx.Clear(entry.Key)
		}
		return nil
	})
}

// FailWorkflow records an error, releases the lease and optionally schedules
// a retry deadline. With no retry deadline the workflow is left dead until
// an operator wakes it.
func (s *Store) FailWorkflow(ctx context.Context, id, workerInstanceID uuid.UUID, wfErr string, retryAt, failures int64) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if err := s.checkLease(ctx, tx, id, workerInstanceID); err != nil {
			return err
		}
		tx.Clear(leaseKey(id))
		tx.Set(workflowErrorKey(id), []byte(wfErr))
		tx.Set(workflowFailuresKey(id), encodeInt64(failures))
		wake := WakeConditions{}
		if retryAt != 0 {
			wake.DeadlineTs = retryAt
		}
		return s.writeWake(tx, id, wake)
	})
}

// UpdateWorkflowState replaces the workflow's opaque state blob, readable
// without replaying history.
func (s *Store) UpdateWorkflowState(ctx context.Context, id uuid.UUID, state json.RawMessage) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		keyspace.WriteChunked(tx, workflowStateSub(id), state)
		return nil
	})
}

// UpdateWorkflowTags replaces the workflow's tags and keeps signal routing
// consistent.
func (s *Store) UpdateWorkflowTags(ctx context.Context, id uuid.UUID, tags map[string]string) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		raw, err := json.Marshal(orEmptyTags(tags))
		if err != nil {
			return err
		}
		tx.Set(workflowTagsKey(id), raw)
		return nil
	})
}

// SilenceWorkflow hides a workflow from default listings and keeps it from
// being pulled until WakeWorkflow clears the mark.
func (s *Store) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		tx.Set(workflowSilenceTsKey(id), encodeInt64(nowMs()))
		return nil
	})
}

// WakeWorkflow schedules an immediate wake, reviving dead workflows after
// operator intervention.
func (s *Store) WakeWorkflow(ctx context.Context, id uuid.UUID) error {
	return kv.RunTx(ctx, s.db, func(ctx context.Context, tx kv.Tx) error {
		if _, err := s.readWorkflow(ctx, tx, id); err != nil {
			return err
		}
		tx.Clear(workflowSilenceTsKey(id))
		// A fresh failure budget; the operator asked for another try.
		tx.Clear(workflowFailuresKey(id))
		wake, err := s.readWake(ctx, tx, id)
		if err != nil {
			return err
		}
		wake.Immediate = true
		return s.writeWake(tx, id, wake)
	})
}

// WaitForWorkflowOutput polls until the workflow completes. Intended for
// API callers, not workflow code; workflows use wake_sub_workflow_id.
func (s *Store) WaitForWorkflowOutput(ctx context.Context, id uuid.UUID, pollInterval time.Duration) (json.RawMessage, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Output != nil {
			return wf.Output, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
