package tracker

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultLifecycleDebounce is how long a repeated transition in the same
// direction is ignored.
const DefaultLifecycleDebounce = 1500 * time.Millisecond

// LifecycleSource reports the host application moving to the foreground
// (active) or the background. Subscribe returns a function that removes
// the listener.
type LifecycleSource interface {
	Subscribe(fn func(active bool)) (cancel func())
}

// ManualSource is a LifecycleSource driven by the host calling SetActive.
type ManualSource struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
}

func NewManualSource() *ManualSource {
	return &ManualSource{subs: make(map[int]func(bool))}
}

func (m *ManualSource) Subscribe(fn func(active bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetActive notifies every listener.
func (m *ManualSource) SetActive(active bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}

// Listeners returns the number of subscribed listeners.
func (m *ManualSource) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// lifecycleObserver collapses flickering transitions: a signal is dropped
// if the previous accepted signal in the same direction was less than
// debounce ago.
type lifecycleObserver struct {
	clock    quartz.Clock
	debounce time.Duration
	onChange func(active bool)

	mu       sync.Mutex
	last     map[bool]time.Time
	disposed bool
}

// observeLifecycle subscribes to src and returns an idempotent disposer.
func observeLifecycle(src LifecycleSource, clock quartz.Clock, debounce time.Duration, onChange func(active bool)) func() {
	o := &lifecycleObserver{
		clock:    clock,
		debounce: debounce,
		onChange: onChange,
		last:     make(map[bool]time.Time, 2),
	}
	cancel := src.Subscribe(o.handle)
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			o.disposed = true
			o.mu.Unlock()
			cancel()
		})
	}
}

func (o *lifecycleObserver) handle(active bool) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	now := o.clock.Now()
	if prev, ok := o.last[active]; ok && now.Sub(prev) < o.debounce {
		o.mu.Unlock()
		return
	}
	o.last[active] = now
	o.mu.Unlock()
	o.onChange(active)
}
