// Package scheduler runs periodic maintenance over the session log.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/types"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 5m"

// AttachedFunc reports whether a session currently has a live worker.
type AttachedFunc func(sessionID types.SessionID) bool

// Sweeper counts unresolved tool calls in sessions nobody is attached to.
// Those entries are only picked up by recovery on the next attach, so the
// count is what a restart or a lost client left behind.
type Sweeper struct {
	schedule string
	sessions types.SessionStore
	entries  types.EntryStore
	attached AttachedFunc
	metrics  *observability.Metrics
	cron     *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Sweeper. An empty schedule means DefaultSchedule; metrics may be nil.
func New(schedule string, sessions types.SessionStore, entries types.EntryStore, attached AttachedFunc, metrics *observability.Metrics) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Sweeper{
		schedule: schedule,
		sessions: sessions,
		entries:  entries,
		attached: attached,
		metrics:  metrics,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers the sweep and starts the cron ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("sweeper scheduled", "schedule", s.schedule)
	return nil
}

// Stop stops the cron ticker and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep counts unresolved entries across detached sessions and returns the total.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	total := 0
	for _, sess := range sessions {
		if s.attached != nil && s.attached(sess.ID) {
			continue
		}
		unresolved, err := s.entries.Unresolved(ctx, sess.ID)
		if err != nil {
			slog.Warn("sweep session", "session_id", string(sess.ID), "error", err)
			continue
		}
		if len(unresolved) == 0 {
			continue
		}
		slog.Info("unresolved entries awaiting recovery", "session_id", string(sess.ID), "count", len(unresolved))
		total += len(unresolved)
	}

	s.metrics.SetUnresolved(total)
	return total, nil
}
