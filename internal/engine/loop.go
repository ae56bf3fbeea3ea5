package engine

import (
	"encoding/json"

	"github.com/gantryio/gantry/internal/history"
)

// LoopResult tells Loop whether to run another iteration.
type LoopResult struct {
	state  json.RawMessage
	output json.RawMessage
	done   bool
}

// Continue runs the next iteration with the given state.
func Continue(state json.RawMessage) LoopResult {
	return LoopResult{state: state}
}

// Break ends the loop with the given output.
func Break(output json.RawMessage) LoopResult {
	return LoopResult{output: output, done: true}
}

// Loop runs body repeatedly until it breaks, checkpointing state after
// every iteration. Each iteration gets its own history branch; when the
// iteration advances, earlier branches move to the forgotten history so
// replay cost stays constant regardless of iteration count. A resumed loop
// starts from the recorded state and iteration, not from the beginning.
func (c *WorkflowCtx) Loop(initialState json.RawMessage, body func(c *WorkflowCtx, state json.RawMessage) (LoopResult, error)) (json.RawMessage, error) {
	res, recorded, err := c.cursor.CompareLoop(c.version)
	if err != nil {
		return nil, err
	}

	state := initialState
	iteration := 0
	var loopLoc history.Location
	if res == history.ResultEvent {
		if recorded.Output != nil {
			c.cursor.Inc()
			return recorded.Output, nil
		}
		state = recorded.State
		iteration = recorded.Iteration
		loopLoc = c.cursor.CurrentLocation()
	} else {
		loopLoc = c.cursor.CurrentLocationFor(res)
		if err := c.store.UpsertLoopEvent(c.ctx, c.workflowID, loopLoc, c.version, state, nil, 0); err != nil {
			return nil, err
		}
	}

	loopCursor := history.NewCursor(c.events, loopLoc)
	for {
		// Iteration N's branch sits at coordinate N+1 under the loop.
		branchLoc := loopLoc.Join(history.SimpleCoord(uint32(iteration) + 1))
		exists, err := loopCursor.CompareLoopBranch(iteration)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := c.store.CommitBranchEvent(c.ctx, c.workflowID, branchLoc, c.version); err != nil {
				return nil, err
			}
		}

		iterCtx := c.branchAt(branchLoc)
		result, err := body(iterCtx, state)
		if err != nil {
			return nil, err
		}
		if err := iterCtx.cursor.CheckClear(); err != nil {
			return nil, err
		}

		if result.done {
			if err := c.store.UpsertLoopEvent(c.ctx, c.workflowID, loopLoc, c.version, state, orNull(result.output), iteration); err != nil {
				return nil, err
			}
			c.cursor.Update(loopLoc)
			return orNull(result.output), nil
		}

		state = result.state
		iteration++
		if err := c.store.UpsertLoopEvent(c.ctx, c.workflowID, loopLoc, c.version, state, nil, iteration); err != nil {
			return nil, err
		}
	}
}

// orNull keeps "loop still running" (nil output) distinguishable from a
// loop that broke with no output.
func orNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}
