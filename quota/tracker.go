package quota

import (
	"sync"
	"time"

	"github.com/mqy/junglevibe/store"
)

// Tracker fires a callback at every local midnight until stopped. Rescheduling or stopping
// invalidates a pending callback, including one whose timer already fired.
type Tracker struct {
	sync.Mutex
	now   func() time.Time
	timer *time.Timer
	gen   uint64
}

func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Schedule replaces any pending schedule with fire at each following midnight.
func (t *Tracker) Schedule(fire func()) {
	t.Lock()
	defer t.Unlock()
	t.gen++
	t.scheduleLocked(t.gen, fire)
}

func (t *Tracker) Stop() {
	t.Lock()
	defer t.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Next returns the instant the next callback is due at.
func (t *Tracker) Next() time.Time {
	return store.NextMidnight(t.now())
}

func (t *Tracker) scheduleLocked(gen uint64, fire func()) {
	if t.timer != nil {
		t.timer.Stop()
	}
	now := t.now()
	t.timer = time.AfterFunc(store.NextMidnight(now).Sub(now), func() {
		t.Lock()
		if t.gen != gen {
			t.Unlock()
			return
		}
		t.scheduleLocked(gen, fire)
		t.Unlock()
		fire()
	})
}
