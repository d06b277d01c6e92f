package sched

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultScanInterval and DefaultScanJitter define the shared cadence for
	// free-running maintenance sweeps (lease reclamation, pool health).
	DefaultScanInterval = 13 * time.Second
	DefaultScanJitter   = 4 * time.Second
)

// RunLoop executes fn roughly every minInterval, adding up to jitterRange of
// random slack per round so sweeps across pools do not align. It runs until
// stopCh is closed. Used by components whose sweeps must keep running
// independently of the shared Scheduler (e.g. lease expiry, which must not
// be starved by a long-running task).
func RunLoop(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}
		timer.Reset(interval)

		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
