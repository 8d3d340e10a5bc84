// Package scheduler is the periodic driver of the orchestration engine. It
// holds no business state: each tick resolves expired approvals, trims old
// history, and starts new production when cadence policy says one is due.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"StudioFeed/internal/approval"
	"StudioFeed/internal/domain"
	"StudioFeed/internal/pipeline"
	"StudioFeed/internal/ports"
)

// Config wires the scheduler's collaborators and timing policy.
type Config struct {
	Interval       time.Duration
	ApprovalWindow time.Duration
	Retention      time.Duration // zero disables history trimming

	Runner  *pipeline.Runner
	Gateway *approval.Gateway
	Rules   ports.RulesStore
	Slots   ports.SlotRepository
	History ports.HistoryStore
	Logger  *slog.Logger
}

// Scheduler fires one orchestration cycle per interval. Overlapping cycles
// are prevented by a tick lease: while a tick still runs, the next one is
// skipped rather than queued.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	lease sync.Mutex
	stop  chan struct{}
}

// New builds the periodic driver.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start begins ticking until the context ends or Stop is called. The first
// tick fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx, s.now())
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		}
	}
}

// Stop halts the ticking loop.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
}

// Tick runs one orchestration cycle. It returns false when a previous cycle
// still holds the lease and this one was skipped. Per-slot errors are logged
// and never propagate past the cycle boundary.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) bool {
	if !s.lease.TryLock() {
		s.logger.Debug("previous cycle still running, skipping tick")
		return false
	}
	defer s.lease.Unlock()

	s.resolveTimeouts(ctx, now)
	s.trimHistory(ctx, now)
	s.startDueWork(ctx, now)
	return true
}

func (s *Scheduler) resolveTimeouts(ctx context.Context, now time.Time) {
	expired, err := s.cfg.Gateway.CheckTimeouts(ctx, now, s.cfg.ApprovalWindow)
	if err != nil {
		s.logger.Error("check approval timeouts", "error", err)
		return
	}
	for _, id := range expired {
		if err := s.cfg.Gateway.ResolveTimeout(ctx, id); err != nil {
			s.logger.Error("resolve approval timeout", "slot", id, "error", err)
		}
	}
}

func (s *Scheduler) trimHistory(ctx context.Context, now time.Time) {
	if s.cfg.Retention <= 0 {
		return
	}
	removed, err := s.cfg.History.TrimBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		s.logger.Error("trim history", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("history trimmed", "removed", removed)
	}
}

// startDueWork starts a new pipeline run when automatic production is
// enabled, no slot is currently active, and the cadence spacing has elapsed
// since the last slot was created.
func (s *Scheduler) startDueWork(ctx context.Context, now time.Time) {
	settings, err := s.cfg.Rules.Settings(ctx)
	if err != nil {
		s.logger.Error("load schedule settings", "error", err)
		return
	}
	if !settings.AutoProduction {
		s.logger.Debug("automatic production disabled")
		return
	}

	active, err := s.cfg.Slots.List(ctx, ports.SlotFilter{Statuses: []domain.Status{
		domain.StatusPending, domain.StatusGenerating,
		domain.StatusAwaitingApproval, domain.StatusApproved,
	}})
	if err != nil {
		s.logger.Error("list active slots", "error", err)
		return
	}
	if len(active) > 0 {
		s.logger.Debug("active slot in flight, nothing to start", "count", len(active))
		return
	}

	if settings.CadenceMinutes > 0 {
		latest, err := s.cfg.Slots.List(ctx, ports.SlotFilter{Limit: 1})
		if err != nil {
			s.logger.Error("list latest slot", "error", err)
			return
		}
		if len(latest) > 0 {
			nextDue := latest[0].CreatedAt.Add(time.Duration(settings.CadenceMinutes) * time.Minute)
			if now.Before(nextDue) {
				s.logger.Debug("cadence not yet elapsed", "next_due", nextDue)
				return
			}
		}
	}

	slot, err := s.cfg.Runner.Start(ctx)
	if err != nil {
		// Captured on the slot already; the cycle completes regardless.
		s.logger.Error("pipeline run failed", "slot", slotIDOf(slot), "error", err)
		return
	}
	s.logger.Info("pipeline run finished", "slot", slot.ID, "status", slot.Status)
}

func slotIDOf(slot *domain.ScheduledSlot) string {
	if slot == nil {
		return ""
	}
	return slot.ID
}
