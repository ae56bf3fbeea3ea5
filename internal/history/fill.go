package history

import "sort"

// FillGaps sorts a branch by coordinate and inserts Empty placeholder events
// for missing head ordinals, so rendering and iteration-count alignment can
// walk consecutive positions without special cases. Branches consisting only
// of Branch markers (loop children) are left sparse; filling those would
// bloat forgetful loops with placeholders.
func FillGaps(branch []*Event) []*Event {
	sort.SliceStable(branch, func(i, j int) bool {
		return branch[i].Coordinate.Compare(branch[j].Coordinate) < 0
	})

	onlyBranches := true
	for _, e := range branch {
		if e.Data.EventType() != EventTypeBranch {
			onlyBranches = false
			break
		}
	}
	if onlyBranches {
		return branch
	}

	out := make([]*Event, 0, len(branch))
	last := uint32(0)
	for _, e := range branch {
		curr := e.Coordinate.Head()
		for i := last + 1; i < curr; i++ {
			out = append(out, &Event{
				Coordinate: SimpleCoord(i),
				Data:       EmptyEvent{},
			})
		}
		last = curr
		out = append(out, e)
	}
	return out
}

// FillAllGaps applies FillGaps to every branch of a history in place.
func FillAllGaps(h History) {
	for key, branch := range h {
		h[key] = FillGaps(branch)
	}
}
