package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strandsec/strand/runtime/telemetry"
	"github.com/strandsec/strand/runtime/workflow"
)

// ErrBadCron is returned for unparsable cron expressions.
var ErrBadCron = errors.New("invalid cron expression")

type (
	// Schedule fires a workflow on a cron expression.
	Schedule struct {
		ID         string `json:"id"`
		WorkflowID string `json:"workflowId"`
		TenantID   string `json:"tenantId,omitempty"`
		Cron       string `json:"cron"`
		Paused     bool   `json:"paused,omitempty"`
	}

	// LeaderGate reports whether this process currently holds scheduler
	// leadership. Single-process deployments use AlwaysLeader.
	LeaderGate func(ctx context.Context) bool

	// Scheduler runs cron schedules through a single cron engine.
	// Submissions are idempotent under (scheduleId, firingInstant), so a
	// replaced leader re-firing the same instant cannot double-submit.
	Scheduler struct {
		workflows workflow.Store
		submitter Submitter
		leader    LeaderGate
		logger    telemetry.Logger
		parser    cron.Parser
		engine    *cron.Cron

		mu      sync.Mutex
		entries map[string]cron.EntryID
		specs   map[string]Schedule
	}
)

// AlwaysLeader is the gate for single-process deployments.
func AlwaysLeader(context.Context) bool { return true }

// NewScheduler builds an idle scheduler. Call Start to begin firing.
func NewScheduler(workflows workflow.Store, submitter Submitter, leader LeaderGate, logger telemetry.Logger) *Scheduler {
	if leader == nil {
		leader = AlwaysLeader
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		workflows: workflows,
		submitter: submitter,
		leader:    leader,
		logger:    logger,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		engine:    cron.New(),
		entries:   make(map[string]cron.EntryID),
		specs:     make(map[string]Schedule),
	}
}

// Set adds or replaces a schedule. Paused schedules are registered but never
// fire.
func (s *Scheduler) Set(sched Schedule) error {
	if _, err := s.parser.Parse(sched.Cron); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadCron, sched.Cron, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[sched.ID]; ok {
		s.engine.Remove(id)
		delete(s.entries, sched.ID)
	}
	s.specs[sched.ID] = sched
	if sched.Paused {
		return nil
	}
	schedID := sched.ID
	entryID, err := s.engine.AddFunc(sched.Cron, func() { s.fire(schedID) })
	if err != nil {
		return err
	}
	s.entries[sched.ID] = entryID
	return nil
}

// Remove drops a schedule.
func (s *Scheduler) Remove(scheduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[scheduleID]; ok {
		s.engine.Remove(id)
		delete(s.entries, scheduleID)
	}
	delete(s.specs, scheduleID)
}

// Start begins firing schedules.
func (s *Scheduler) Start() { s.engine.Start() }

// Stop halts firing and waits for in-flight submissions.
func (s *Scheduler) Stop() {
	<-s.engine.Stop().Done()
}

// fire submits one run for one schedule tick. The firing instant is truncated
// to the minute, matching cron granularity, so retries of the same tick
// deduplicate at the run store.
func (s *Scheduler) fire(scheduleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if !s.leader(ctx) {
		return
	}
	s.mu.Lock()
	sched, ok := s.specs[scheduleID]
	s.mu.Unlock()
	if !ok || sched.Paused {
		return
	}
	instant := time.Now().UTC().Truncate(time.Minute)
	payload, _ := json.Marshal(map[string]any{
		"scheduleId":    sched.ID,
		"firingInstant": instant.Format(time.RFC3339),
	})
	idemKey := fmt.Sprintf("sched:%s:%d", sched.ID, instant.Unix())
	r, err := submitFor(ctx, s.workflows, s.submitter, sched.WorkflowID, KindSchedule, payload, idemKey)
	if err != nil {
		s.logger.Error(ctx, "scheduled run submission failed",
			"schedule", sched.ID, "workflow", sched.WorkflowID, "err", err)
		return
	}
	s.logger.Info(ctx, "scheduled run submitted",
		"schedule", sched.ID, "workflow", sched.WorkflowID, "run", r.ID)
}
