package relay

import (
	"sync"
	"time"

	"github.com/micro-nova/planetradio-go/internal/models"
)

// Debouncer delays now-playing updates so they line up with buffered audio.
// The first update is applied immediately; later ones replace any pending
// update and apply after the delay. At most one update is pending.
type Debouncer struct {
	delay time.Duration
	apply func(models.NowPlaying)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	first   bool
	stopped bool

	// applyMu is held while apply runs so Stop can wait out an in-flight apply.
	applyMu sync.Mutex
}

// NewDebouncer returns a Debouncer that hands updates to apply.
func NewDebouncer(delay time.Duration, apply func(models.NowPlaying)) *Debouncer {
	return &Debouncer{delay: delay, apply: apply}
}

// Push schedules np.
func (d *Debouncer) Push(np models.NowPlaying) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	gen := d.gen

	if !d.first || d.delay <= 0 {
		d.first = true
		d.mu.Unlock()
		d.fire(gen, np)
		return
	}

	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen, np) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(gen uint64, np models.NowPlaying) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	if d.stopped || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	if d.apply != nil {
		d.apply(np)
	}
}

// Pending reports whether an update is waiting for its timer.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels any pending update. Once Stop returns nothing more is applied.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	// Wait out an apply that passed the stopped check before we set it.
	d.applyMu.Lock()
	d.applyMu.Unlock()
}
