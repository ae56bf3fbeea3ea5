package engine

import (
	"fmt"
	"sync"

	"github.com/gantryio/gantry/internal/history"
)

// Join runs the given branches concurrently and returns once all of them
// finish. Each branch gets its own history scope, so branches must not
// share durable operations. When several branches suspend, their wake
// conditions merge; the workflow wakes when any of them would.
func (c *WorkflowCtx) Join(branches ...func(c *WorkflowCtx) error) error {
	// Branch markers are claimed sequentially on the parent cursor so
	// replay assigns the same scope to the same branch.
	ctxs := make([]*WorkflowCtx, len(branches))
	for i := range branches {
		res, err := c.cursor.CompareBranch(c.version)
		if err != nil {
			return err
		}
		loc := c.cursor.CurrentLocationFor(res)
		if res != history.ResultEvent {
			if err := c.store.CommitBranchEvent(c.ctx, c.workflowID, loc, c.version); err != nil {
				return err
			}
		}
		c.cursor.Update(loc)
		ctxs[i] = c.branchAt(loc)
	}

	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, branch := range branches {
		i, branch := i, branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = runBranch(branch, ctxs[i])
		}()
	}
	wg.Wait()

	var (
		wake      history.WakeConditions
		suspended bool
		msg       string
	)
	for i, err := range errs {
		if err == nil {
			if cerr := ctxs[i].cursor.CheckClear(); cerr != nil {
				return cerr
			}
			continue
		}
		if w, m, ok := IsSuspendError(err); ok {
			wake = mergeWake(wake, w)
			if m != "" {
				msg = m
			}
			suspended = true
			continue
		}
		return err
	}
	if suspended {
		return NewSuspendError(wake, msg)
	}
	return nil
}

func runBranch(branch func(c *WorkflowCtx) error, c *WorkflowCtx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("branch panic: %v", r)
		}
	}()
	return branch(c)
}
