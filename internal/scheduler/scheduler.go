package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/servicehero/flowd/internal/store"
)

// Runner is the interface the scheduler fires executions through.
// Satisfied by the engine executor (avoids import cycle).
type Runner interface {
	Start(ctx context.Context, templateID, tenantID string, payload map[string]any) (string, error)
}

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateExpression checks that expr is a parseable cron expression.
func ValidateExpression(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes the next fire time for a cron expression after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Scheduler polls the store for due scheduled triggers and starts executions.
type Scheduler struct {
	store  store.Store
	runner Runner
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and fires those that are due. A trigger
// with no next_run_at yet is due immediately.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trig := range triggers {
		if trig.NextRunAt == nil || !trig.NextRunAt.After(now) {
			if !s.tryAcquire(trig.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, trig, now); err != nil {
				s.logger.Error("failed to fire scheduled trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(trig.ID)
		}
	}
}

// fire starts an execution for a due trigger and updates its timestamps.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing scheduled trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("template_id", trig.TemplateID),
	)

	var payload map[string]any
	if len(trig.Payload) > 0 {
		if err := json.Unmarshal(trig.Payload, &payload); err != nil {
			s.logger.Error("scheduled trigger payload is not valid JSON",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
			return s.updateTrigger(ctx, trig, now, "error")
		}
	}

	executionID, err := s.runner.Start(ctx, trig.TemplateID, trig.TenantID, payload)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled execution rejected",
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled execution started",
			slog.String("trigger_id", trig.ID),
			slog.String("execution_id", executionID),
		)
	}

	return s.updateTrigger(ctx, trig, now, status)
}

func (s *Scheduler) updateTrigger(ctx context.Context, trig *store.ScheduledTrigger, now time.Time, status string) error {
	nextRun, err := NextRun(trig.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trig.ID, err)
	}

	return s.store.UpdateScheduledTrigger(ctx, trig.ID, store.ScheduledTriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires triggers whose next_run_at passed while the process was
// down. Each missed trigger fires once; the regular loop takes over from there.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, trig := range triggers {
		if trig.NextRunAt != nil && trig.NextRunAt.Before(now) {
			if !s.tryAcquire(trig.ID) {
				continue
			}
			if err := s.fire(ctx, trig, now); err != nil {
				s.logger.Error("failed to recover missed trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
				s.release(trig.ID)
				continue
			}
			s.release(trig.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
