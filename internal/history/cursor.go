package history

import (
	"fmt"
	"strings"
)

// HistoryResult is the outcome of comparing the next logical step against
// recorded history.
type HistoryResult int

const (
	// ResultEvent means an event for this position exists; replay it.
	ResultEvent HistoryResult = iota
	// ResultInsertion means an event exists but at a lower version; the
	// step is newer code and is inserted between recorded events.
	ResultInsertion
	// ResultNew means no history remains at this position; execute and
	// append.
	ResultNew
)

func (r HistoryResult) String() string {
	switch r {
	case ResultEvent:
		return "event"
	case ResultInsertion:
		return "insertion"
	default:
		return "new"
	}
}

// Cursor traverses one branch of a workflow's history in order. It never
// modifies history; the engine commits new events separately and advances
// the cursor via Inc or Update.
type Cursor struct {
	events  History
	root    Location
	iterIdx int

	prevCoord Coordinate
}

// NewCursor positions a cursor at the start of the branch rooted at root.
func NewCursor(events History, root Location) *Cursor {
	return &Cursor{
		events: events,
		root:   root,
		// The only place a 0 coordinate exists: a left-most bound that
		// sorts before every real coordinate.
		prevCoord: SimpleCoord(0),
	}
}

// Root returns the branch root location.
func (c *Cursor) Root() Location { return c.root }

// CurrentCoord returns the coordinate at the cursor position.
func (c *Cursor) CurrentCoord() Coordinate {
	return c.coordAt(c.iterIdx)
}

func (c *Cursor) coordAt(idx int) Coordinate {
	branch := c.events.Branch(c.root)
	if idx < len(branch) {
		return branch[idx].Coordinate.Clone()
	}
	if len(branch) > 0 {
		// Continue past the last recorded event: advance its head by the
		// overshoot.
		head := branch[len(branch)-1].Coordinate.Head()
		return SimpleCoord(head + uint32(idx-len(branch)) + 1)
	}
	// Empty branch. Coordinates start at 1 so that insertions before the
	// first event can take a coordinate starting with 0.
	return SimpleCoord(uint32(idx) + 1)
}

// CurrentLocation returns the cursor position as a full location, ignoring
// any insertions made during this run.
func (c *Cursor) CurrentLocation() Location {
	return c.root.Join(c.CurrentCoord())
}

// CurrentLocationFor returns the location at which the next event should be
// written given a comparison result. For insertions it picks a coordinate
// strictly between the previous and current coordinates.
func (c *Cursor) CurrentLocationFor(res HistoryResult) Location {
	curr := c.CurrentCoord()

	var coord Coordinate
	switch res {
	case ResultEvent, ResultNew:
		coord = curr
	case ResultInsertion:
		prev := c.prevCoord
		switch {
		case len(prev) < len(curr):
			// prev + .0.1 (2.3 -> 2.3.0.1)
			coord = append(append(prev.Clone(), 0), 1)
		case len(prev) == len(curr):
			// prev + .1 (8 -> 8.1)
			coord = append(prev.Clone(), 1)
		default:
			// Increment tail (1.2 -> 1.3)
			coord = prev.WithTail(prev.Tail() + 1)
		}
	}

	return c.root.Join(coord)
}

// CurrentEvent returns the event at the cursor position, or nil when the
// branch is exhausted. Empty placeholder events read as nil.
func (c *Cursor) CurrentEvent() *Event {
	branch := c.events.Branch(c.root)
	if c.iterIdx >= len(branch) {
		return nil
	}
	e := branch[c.iterIdx]
	if e.Data.EventType() == EventTypeEmpty {
		return nil
	}
	return e
}

// Inc advances the cursor one position.
func (c *Cursor) Inc() {
	c.prevCoord = c.CurrentCoord()
	c.iterIdx++
}

// Update advances the cursor based on a location returned by
// CurrentLocationFor. When the location's tail matches the current
// coordinate the last result was a replay or append at the cursor position,
// so the index moves forward; an inserted location does not occupy a history
// position and only moves the previous-coordinate bound.
func (c *Cursor) Update(loc Location) {
	tail, ok := loc.Tail()
	if !ok {
		panic("history: update with empty location")
	}
	if tail.Equal(c.CurrentCoord()) {
		c.iterIdx++
	}
	c.prevCoord = tail.Clone()
}

// CheckClear verifies that no unread events remain in the branch.
func (c *Cursor) CheckClear() error {
	branch := c.events.Branch(c.root)
	if c.iterIdx >= len(branch) {
		return nil
	}
	latent := len(branch) - c.iterIdx
	var descs []string
	for _, e := range branch[c.iterIdx:] {
		descs = append(descs, fmt.Sprintf("%s@%s", e.Data.EventType(), e.Coordinate))
	}
	plural := "s"
	if latent == 1 {
		plural = ""
	}
	return &LatentHistoryError{Msg: fmt.Sprintf(
		"expected %d more event%s in root %s: %s",
		latent, plural, c.root, strings.Join(descs, ", "),
	)}
}

// compareCommon performs the version checks shared by every comparison. A
// nil event means ResultNew; a version above the recorded one means the code
// is newer (insertion); below means the code regressed, which is fatal.
func (c *Cursor) compareCommon(version int, kind string) (*Event, HistoryResult, error) {
	event := c.CurrentEvent()
	if event == nil {
		return nil, ResultNew, nil
	}
	if version > event.Version {
		return nil, ResultInsertion, nil
	}
	if version < event.Version {
		return nil, 0, Diverged("expected %s v%d at %s, found %s v%d",
			event.Data.EventType(), event.Version, c.CurrentLocation(), kind, version)
	}
	return event, ResultEvent, nil
}

// CompareActivity checks the cursor position against an activity invocation.
func (c *Cursor) CompareActivity(version int, eventID EventID) (HistoryResult, *ActivityEvent, error) {
	event, res, err := c.compareCommon(version, fmt.Sprintf("activity %q", eventID.Name))
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	activity, ok := event.Data.(ActivityEvent)
	if !ok {
		return 0, nil, Diverged("expected %s at %s, found activity %q",
			event.Data.EventType(), c.CurrentLocation(), eventID.Name)
	}
	if !activity.EventID.Equal(eventID) {
		return 0, nil, Diverged("expected activity %q#%x at %s, found activity %q#%x",
			activity.EventID.Name, activity.EventID.InputHash, c.CurrentLocation(),
			eventID.Name, eventID.InputHash)
	}
	return ResultEvent, &activity, nil
}

// CompareSignal checks the cursor position against a signal wait.
func (c *Cursor) CompareSignal(version int) (HistoryResult, *SignalEvent, error) {
	event, res, err := c.compareCommon(version, "signal")
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	signal, ok := event.Data.(SignalEvent)
	if !ok {
		return 0, nil, Diverged("expected %s at %s, found signal",
			event.Data.EventType(), c.CurrentLocation())
	}
	return ResultEvent, &signal, nil
}

// CompareSignalSend checks the cursor position against a signal send.
func (c *Cursor) CompareSignalSend(version int, name string) (HistoryResult, *SignalSendEvent, error) {
	event, res, err := c.compareCommon(version, fmt.Sprintf("signal send %q", name))
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	send, ok := event.Data.(SignalSendEvent)
	if !ok || send.Name != name {
		return 0, nil, Diverged("expected %s at %s, found signal send %q",
			event.Data.EventType(), c.CurrentLocation(), name)
	}
	return ResultEvent, &send, nil
}

// CompareMsg checks the cursor position against a message send.
func (c *Cursor) CompareMsg(version int, name string) (HistoryResult, *MessageSendEvent, error) {
	event, res, err := c.compareCommon(version, fmt.Sprintf("message send %q", name))
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	msg, ok := event.Data.(MessageSendEvent)
	if !ok || msg.Name != name {
		return 0, nil, Diverged("expected %s at %s, found message send %q",
			event.Data.EventType(), c.CurrentLocation(), name)
	}
	return ResultEvent, &msg, nil
}

// CompareSubWorkflow checks the cursor position against a sub-workflow
// dispatch.
func (c *Cursor) CompareSubWorkflow(version int, name string) (HistoryResult, *SubWorkflowEvent, error) {
	event, res, err := c.compareCommon(version, fmt.Sprintf("sub workflow %q", name))
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	sub, ok := event.Data.(SubWorkflowEvent)
	if !ok || sub.Name != name {
		return 0, nil, Diverged("expected %s at %s, found sub workflow %q",
			event.Data.EventType(), c.CurrentLocation(), name)
	}
	return ResultEvent, &sub, nil
}

// CompareLoop checks the cursor position against a loop.
func (c *Cursor) CompareLoop(version int) (HistoryResult, *LoopEvent, error) {
	event, res, err := c.compareCommon(version, "loop")
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	loopEvent, ok := event.Data.(LoopEvent)
	if !ok {
		return 0, nil, Diverged("expected %s at %s, found loop",
			event.Data.EventType(), c.CurrentLocation())
	}
	return ResultEvent, &loopEvent, nil
}

// CompareSleep checks the cursor position against a sleep.
func (c *Cursor) CompareSleep(version int) (HistoryResult, *SleepEvent, error) {
	event, res, err := c.compareCommon(version, "sleep")
	if err != nil || res != ResultEvent {
		return res, nil, err
	}
	sleep, ok := event.Data.(SleepEvent)
	if !ok {
		return 0, nil, Diverged("expected %s at %s, found sleep",
			event.Data.EventType(), c.CurrentLocation())
	}
	return ResultEvent, &sleep, nil
}

// CompareBranch checks the cursor position against a branch marker.
func (c *Cursor) CompareBranch(version int) (HistoryResult, error) {
	event, res, err := c.compareCommon(version, "branch")
	if err != nil || res != ResultEvent {
		return res, err
	}
	if _, ok := event.Data.(BranchEvent); !ok {
		return 0, Diverged("expected %s at %s, found branch",
			event.Data.EventType(), c.CurrentLocation())
	}
	return ResultEvent, nil
}

// CompareLoopBranch reports whether a branch marker for the given loop
// iteration already exists. Loops have sparse histories (forgetting can
// leave zero events), so iteration branches are located by coordinate,
// iteration N at [N+1], rather than by cursor position.
func (c *Cursor) CompareLoopBranch(iteration int) (bool, error) {
	branch := c.events.Branch(c.root)
	coord := SimpleCoord(uint32(iteration) + 1)
	for _, event := range branch {
		if !event.Coordinate.Equal(coord) {
			continue
		}
		if _, ok := event.Data.(BranchEvent); !ok {
			return false, Diverged("expected %s at %s, found branch",
				event.Data.EventType(), c.root.Join(coord))
		}
		return true, nil
	}
	return false, nil
}

// CompareRemoved checks the cursor position against a step that newer code
// no longer performs. Matches either an explicit Removed tombstone or the
// original event of the removed kind; name is empty for unnamed kinds.
func (c *Cursor) CompareRemoved(removedType EventType, name string) (bool, error) {
	event := c.CurrentEvent()
	if event == nil {
		return false, nil
	}

	valid := false
	switch data := event.Data.(type) {
	case RemovedEvent:
		valid = data.RemovedEventType == removedType && data.Name == name
	case ActivityEvent:
		valid = removedType == EventTypeActivity && data.EventID.Name == name
	case SignalSendEvent:
		valid = removedType == EventTypeSignalSend && data.Name == name
	case MessageSendEvent:
		valid = removedType == EventTypeMessageSend && data.Name == name
	case SubWorkflowEvent:
		valid = removedType == EventTypeSubWorkflow && data.Name == name
	case SignalEvent:
		valid = removedType == EventTypeSignal
	case LoopEvent:
		valid = removedType == EventTypeLoop
	case SleepEvent:
		valid = removedType == EventTypeSleep
	case BranchEvent:
		valid = removedType == EventTypeBranch
	}

	if !valid {
		return false, Diverged("expected %s at %s, found removed %s %q",
			event.Data.EventType(), c.CurrentLocation(), removedType, name)
	}
	return true, nil
}

// CompareVersionCheck returns whether the current event is a version check
// marker and its recorded version; ok is false at end of history.
func (c *Cursor) CompareVersionCheck() (isCheck bool, version int, ok bool) {
	event := c.CurrentEvent()
	if event == nil {
		return false, 0, false
	}
	_, isCheck = event.Data.(VersionCheckEvent)
	return isCheck, event.Version, true
}
