package keystone

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// SweepReport summarizes a single maintenance pass.
type SweepReport struct {
	// Rotated lists the key IDs of the new keys created by
	// policy-driven rotation during this pass.
	Rotated []string
	// Deleted is the number of rotated keys destroyed because their
	// deletion grace period elapsed.
	Deleted int
	// Expired is the number of keys marked expired during this pass.
	Expired int
	// Errors holds per-policy failures. One policy failing never stops
	// the sweep; its error lands here and the pass continues.
	Errors []error
}

// RunSweep performs one maintenance pass at the given instant:
//
//  1. for every rotation policy with auto-rotation enabled, rotate the
//     active key when its age has reached the policy interval
//  2. destroy rotated keys whose deletion grace period has elapsed
//  3. mark keys past their expiry as expired
//
// The caller supplies now so the pass is deterministic; the Scheduler
// passes the wall clock.
func (s *Service) RunSweep(now time.Time) (*SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}

	report := &SweepReport{}

	policies, err := s.store.ListPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to list rotation policies: %w", err)
	}
	for _, policy := range policies {
		if !policy.AutoRotation || policy.RotationIntervalDays <= 0 || policy.RequiresApproval {
			continue
		}
		active, err := s.store.FindActive(policy.OrganizationID, policy.Purpose)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("policy %s/%s: active key lookup failed: %w",
				policy.OrganizationID, policy.Purpose, err))
			continue
		}
		if active == nil {
			// Nothing to rotate. Keys appear on first use or via an
			// explicit Generate call, not from the sweep.
			continue
		}
		if daysSince(active.CreatedAt, now) < policy.RotationIntervalDays {
			wipe(active.Material)
			continue
		}
		wipe(active.Material)
		rotated, err := s.rotateLocked(policy.OrganizationID, policy.Purpose)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("policy %s/%s: rotation failed: %w",
				policy.OrganizationID, policy.Purpose, err))
			continue
		}
		report.Rotated = append(report.Rotated, rotated.KeyID)
		wipe(rotated.Material)
	}

	deleted, err := s.sweepDueDeletionsLocked(now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("deletion sweep failed: %w", err))
	}
	report.Deleted = deleted

	expired, err := s.expireDueKeysLocked(now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("expiry sweep failed: %w", err))
	}
	report.Expired = expired

	return report, nil
}

// Scheduler drives periodic maintenance sweeps against a service. It
// owns no state beyond the ticker; all decisions live in RunSweep.
type Scheduler struct {
	service  *Service
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
}

// NewScheduler creates a scheduler that runs a maintenance sweep every
// interval. Intervals under one minute are raised to one minute.
func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or the context is
// cancelled. It blocks; run it in its own goroutine. An immediate
// sweep happens on start, then one per interval. Sweep failures are
// logged and do not stop the loop.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.started.Store(true)
	defer close(sc.done)

	sc.runOnce()

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.stop:
			return
		case <-ticker.C:
			sc.runOnce()
		}
	}
}

// Stop signals the loop to exit and waits for it to drain. Stopping a
// scheduler that was never started returns immediately.
func (sc *Scheduler) Stop() {
	select {
	case <-sc.stop:
	default:
		close(sc.stop)
	}
	if sc.started.Load() {
		<-sc.done
	}
}

func (sc *Scheduler) runOnce() {
	report, err := sc.service.RunSweep(time.Now().UTC())
	if err != nil {
		log.Printf("key maintenance sweep failed: %v", err)
		return
	}
	for _, e := range report.Errors {
		log.Printf("key maintenance sweep: %v", e)
	}
}
