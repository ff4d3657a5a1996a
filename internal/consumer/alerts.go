package consumer

import (
	"sync"
	"time"
)

// Alert defaults.
const (
	DefaultAlertThreshold = 100
	DefaultAlertWindow    = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Minute
)

// alertWindow counts BLOCKED events for one API key since start.
type alertWindow struct {
	start time.Time
	count int
}

// TrackerConfig holds alert tracker configuration.
type TrackerConfig struct {
	Threshold     int
	Window        time.Duration
	SweepInterval time.Duration
	OnSweep       func(active int) // called after each sweep with the remaining window count
}

// AlertTracker keeps a fixed alert window per API key.
// Windows older than the alert window are removed by a background sweep.
type AlertTracker struct {
	mu            sync.Mutex
	windows       map[string]*alertWindow
	threshold     int
	window        time.Duration
	sweepInterval time.Duration
	onSweep       func(active int)
	now           func() time.Time
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// NewAlertTracker creates a tracker. Call Start to run the sweep.
func NewAlertTracker(cfg TrackerConfig) *AlertTracker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultAlertThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultAlertWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	return &AlertTracker{
		windows:       make(map[string]*alertWindow),
		threshold:     cfg.Threshold,
		window:        cfg.Window,
		sweepInterval: cfg.SweepInterval,
		onSweep:       cfg.OnSweep,
		now:           time.Now,
		stopSweep:     make(chan struct{}),
	}
}

// Record counts one BLOCKED event for apiKey and returns the window count.
// crossed is true only for the event that brings the count to the threshold.
func (t *AlertTracker) Record(apiKey string) (count int, crossed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, ok := t.windows[apiKey]
	if !ok || now.Sub(w.start) > t.window {
		w = &alertWindow{start: now}
		t.windows[apiKey] = w
	}
	w.count++

	return w.count, w.count == t.threshold
}

// Snapshot returns the counts of windows that are still live.
func (t *AlertTracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	result := make(map[string]int, len(t.windows))
	for key, w := range t.windows {
		if now.Sub(w.start) <= t.window {
			result[key] = w.count
		}
	}
	return result
}

// Size returns the number of tracked windows, live or stale.
func (t *AlertTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

// Threshold returns the alert threshold.
func (t *AlertTracker) Threshold() int {
	return t.threshold
}

// Window returns the alert window length.
func (t *AlertTracker) Window() time.Duration {
	return t.window
}

// Start runs the background sweep until Close.
func (t *AlertTracker) Start() {
	go t.sweepLoop()
}

// Close stops the sweep. It is safe to call more than once.
func (t *AlertTracker) Close() {
	t.stopOnce.Do(func() { close(t.stopSweep) })
}

func (t *AlertTracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
			if t.onSweep != nil {
				t.onSweep(t.Size())
			}
		case <-t.stopSweep:
			return
		}
	}
}

// sweep removes stale windows and returns how many were removed.
func (t *AlertTracker) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for key, w := range t.windows {
		if now.Sub(w.start) > t.window {
			delete(t.windows, key)
			removed++
		}
	}
	return removed
}
