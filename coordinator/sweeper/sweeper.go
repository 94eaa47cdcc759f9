// Package sweeper runs the background stale-claim reclamation ticker:
// jobs held past the claim deadline are failed with a timeout so a
// retry event can re-enter the queue.
package sweeper

import (
	"time"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
)

var logger = log.NewModuleLogger(log.ModuleSweeper)

// JobStore is the subset of coordinator/store.Store the sweeper needs.
type JobStore interface {
	SweepStale(deadline time.Duration) (int, error)
}

// Sweeper periodically reclaims jobs claimed longer than deadline ago.
// deadline MUST be configured strictly shorter than the smart
// contract's 10-minute cancellation window, so the sweeper is the
// normal path and contract-side cancellation is an emergency fallback.
type Sweeper struct {
	store    JobStore
	deadline time.Duration
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func New(store JobStore, deadline, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, deadline: deadline, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop in its own goroutine until Stop is called.
func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := s.store.SweepStale(s.deadline); err != nil {
				logger.Error("sweep failed", "err", err)
			} else if n > 0 {
				metrics.SweeperReclaims.Add(float64(n))
				logger.Info("reclaimed stale jobs", "count", n)
			}
		case <-s.stop:
			return
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
