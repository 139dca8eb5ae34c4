package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often a Janitor sweeps when no interval is set.
const DefaultSweepInterval = 30 * time.Second

// Sweeper is implemented by *Registry.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Janitor periodically drops expired sessions, releasing the goroutines
// parked in them.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewJanitor returns a janitor for s. A non-positive interval uses
// DefaultSweepInterval.
func NewJanitor(s Sweeper, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{sweeper: s, interval: interval}
}

// Run sweeps until ctx is cancelled or Stop is called. Call it in a
// goroutine.
func (j *Janitor) Run(ctx context.Context) {
	j.stopMu.Lock()
	j.stopCh = make(chan struct{})
	stop := j.stopCh
	j.stopMu.Unlock()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case now := <-ticker.C:
			if n := j.sweeper.Sweep(now); n > 0 {
				slog.Debug("session: swept expired sessions", "count", n)
			}
		}
	}
}

// Stop ends Run. Safe to call multiple times.
func (j *Janitor) Stop() {
	j.stopMu.Lock()
	defer j.stopMu.Unlock()

	if j.stopCh != nil {
		select {
		case <-j.stopCh:
		default:
			close(j.stopCh)
		}
	}
}
