package tracker

import (
	"maps"
	"slices"

	"example.com/beacon/internal/domain"
)

// eventQueue is the ordered buffer of events waiting to be pushed. It is
// not safe for concurrent use; the scheduler guards it.
//
// The first inFlight events have been handed to a push and are removed
// only if that push succeeds.
type eventQueue struct {
	events   []domain.Event
	inFlight int
	// maxProps, when positive, bounds the properties of a merged event.
	maxProps int
}

// Enqueue appends ev. An action that directly follows an identify replaces
// it with a single action carrying both property sets. Events already in
// flight are never merged into, and neither is an identify whose merged
// properties would exceed maxProps.
func (q *eventQueue) Enqueue(ev domain.Event) {
	if action, ok := ev.(domain.Action); ok && len(q.events) > q.inFlight {
		last := len(q.events) - 1
		if identify, ok := q.events[last].(domain.Identify); ok {
			if merged := mergeIdentify(identify, action); q.fits(merged) {
				q.events[last] = merged
				return
			}
		}
	}
	q.events = append(q.events, ev)
}

func (q *eventQueue) fits(ev domain.Event) bool {
	if q.maxProps <= 0 {
		return true
	}
	n, err := domain.PropertiesLength(ev.Props())
	return err == nil && n <= q.maxProps
}

// Drain marks every queued event as in flight and returns a copy of them.
func (q *eventQueue) Drain() []domain.Event {
	q.inFlight = len(q.events)
	return slices.Clone(q.events)
}

// Remove drops the first n events after they were pushed.
func (q *eventQueue) Remove(n int) {
	n = min(n, len(q.events))
	q.events = slices.Delete(q.events, 0, n)
	q.inFlight = 0
}

// Release returns in-flight events to the queue after a failed push.
func (q *eventQueue) Release() {
	q.inFlight = 0
}

func (q *eventQueue) Reset() {
	q.events = nil
	q.inFlight = 0
}

func (q *eventQueue) Len() int {
	return len(q.events)
}

// mergeIdentify folds the identify's properties into the action. The
// action's keys win.
func mergeIdentify(identify domain.Identify, action domain.Action) domain.Action {
	if identify.Properties == nil {
		return action
	}
	props := make(domain.Properties, len(identify.Properties)+len(action.Properties))
	maps.Copy(props, identify.Properties)
	maps.Copy(props, action.Properties)
	action.Properties = props
	return action
}
