package store

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionSweeper runs the scheduled delete of aged-out records. Alerts only
// leave in terminal states; recovery executions get a longer window so audits
// can still reconstruct past interventions.
type RetentionSweeper struct {
	repo              *Repo
	retentionWindow   time.Duration
	recoveryRetention time.Duration

	cron *cron.Cron
	now  func() time.Time
}

// NewRetentionSweeper creates a sweeper over repo with the given windows.
func NewRetentionSweeper(repo *Repo, retentionWindow, recoveryRetention time.Duration) *RetentionSweeper {
	return &RetentionSweeper{
		repo:              repo,
		retentionWindow:   retentionWindow,
		recoveryRetention: recoveryRetention,
		now:               time.Now,
	}
}

// Start schedules the sweep on the given cron expression (standard 5-field)
// and runs the scheduler in the background.
func (s *RetentionSweeper) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	log.Printf("[store] retention sweep scheduled: %q (window=%s, recovery=%s)",
		schedule, s.retentionWindow, s.recoveryRetention)
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *RetentionSweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep deletes records older than the retention windows. Safe to call
// directly (tests, manual trigger).
func (s *RetentionSweeper) Sweep() {
	now := s.now()
	cutoff := now.Add(-s.retentionWindow).UnixNano()
	recoveryCutoff := now.Add(-s.recoveryRetention).UnixNano()

	res, err := s.repo.SweepRetention(cutoff, recoveryCutoff)
	if err != nil {
		log.Printf("[store] retention sweep failed: %v", err)
		return
	}
	if res.Metrics+res.Alerts+res.Anomalies+res.Recoveries > 0 {
		log.Printf("[store] retention sweep: metrics=%d, alerts=%d, anomalies=%d, recoveries=%d",
			res.Metrics, res.Alerts, res.Anomalies, res.Recoveries)
	}
}
