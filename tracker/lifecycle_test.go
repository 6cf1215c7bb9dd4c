package tracker

import (
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
)

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(active bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, active)
}

func (tr *transitions) list() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func TestLifecycleDebounce(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	src := NewManualSource()
	var tr transitions
	dispose := observeLifecycle(src, clock, DefaultLifecycleDebounce, tr.record)
	defer dispose()

	src.SetActive(true)
	clock.Advance(500 * time.Millisecond)
	// Flicker in the same direction is dropped.
	src.SetActive(true)
	// The other direction has its own window.
	src.SetActive(false)
	clock.Advance(500 * time.Millisecond)
	src.SetActive(true)
	src.SetActive(false)
	assert.Equal(t, []bool{true, false}, tr.list())

	// 1500ms after the first accepted signal the same direction fires
	// again.
	clock.Advance(500 * time.Millisecond)
	src.SetActive(true)
	assert.Equal(t, []bool{true, false, true}, tr.list())

	// The window is measured from the last accepted signal.
	clock.Advance(time.Second)
	src.SetActive(true)
	assert.Equal(t, []bool{true, false, true}, tr.list())
	clock.Advance(500 * time.Millisecond)
	src.SetActive(true)
	assert.Equal(t, []bool{true, false, true, true}, tr.list())
}

func TestLifecycleDispose(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	src := NewManualSource()
	var tr transitions
	dispose := observeLifecycle(src, clock, DefaultLifecycleDebounce, tr.record)
	assert.Equal(t, 1, src.Listeners())

	dispose()
	dispose()
	assert.Zero(t, src.Listeners())

	src.SetActive(true)
	assert.Empty(t, tr.list())
}
