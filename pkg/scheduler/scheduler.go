package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/metrics"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/triggers"
	"github.com/appos-io/appos/pkg/types"
)

// CatchupWindow bounds replay of missed minute boundaries after a late wake.
// One instance per schedule per missed boundary inside the window, oldest
// first; older misses are dropped with an audit entry. The cap avoids
// unbounded storms after long pauses.
const CatchupWindow = 10 * time.Minute

// markRetention is how long (process, minute) dedup marks are kept
const markRetention = 24 * time.Hour

// SystemUser is the principal attributed to scheduled starts
const SystemUser = "system"

// Starter starts process instances. Satisfied by the executor.
type Starter interface {
	StartProcess(ctx context.Context, ref string, inputs types.Document, userID string, async bool) (*types.InstanceDescriptor, error)
}

// Scheduler dispatches process starts for cron schedules and named events
type Scheduler struct {
	events    *triggers.EventRegistry
	schedules *triggers.ScheduleRegistry
	starter   Starter
	store     store.Store
	sink      audit.Sink
	now       func() time.Time
	logger    zerolog.Logger

	lastTick time.Time
	stopCh   chan struct{}
}

// Config wires a Scheduler
type Config struct {
	Events    *triggers.EventRegistry
	Schedules *triggers.ScheduleRegistry
	Starter   Starter
	Store     store.Store
	Sink      audit.Sink
	Now       func() time.Time
}

// New creates a stopped scheduler
func New(cfg Config) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Sink == nil {
		cfg.Sink = audit.LogSink{}
	}
	return &Scheduler{
		events:    cfg.Events,
		schedules: cfg.Schedules,
		starter:   cfg.Starter,
		store:     cfg.Store,
		sink:      cfg.Sink,
		now:       cfg.Now,
		logger:    log.WithComponent("scheduler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the minute-boundary loop
func (s *Scheduler) Start(ctx context.Context) {
	s.lastTick = s.now().Truncate(time.Minute)
	go s.run(ctx)
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// run wakes on every wall-clock minute boundary
func (s *Scheduler) run(ctx context.Context) {
	for {
		now := s.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-timer.C:
			s.tick(ctx, s.now())
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tick walks every minute boundary since the previous tick, oldest first,
// and fires the schedules matching each one. Boundaries older than the
// catch-up window are dropped with an audit entry.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	current := now.Truncate(time.Minute)
	cutoff := current.Add(-CatchupWindow)
	schedules := s.schedules.Schedules()

	for b := s.lastTick.Add(time.Minute); !b.After(current); b = b.Add(time.Minute) {
		for _, sched := range schedules {
			if !sched.Enabled {
				continue
			}
			if !sched.Cron.Matches(b.In(sched.Location)) {
				continue
			}

			if b.Before(cutoff) {
				metrics.SchedulerMissed.Inc()
				s.sink.Emit(audit.Record{
					Kind:       audit.KindSchedulerMissed,
					ProcessRef: sched.ProcessRef,
					Detail: map[string]string{
						"boundary": b.UTC().Format(time.RFC3339),
						"reason":   "catchup_window_exceeded",
					},
				})
				continue
			}

			s.fire(ctx, sched, b)
		}
	}
	s.lastTick = current

	if err := s.store.PruneCronMarks(current.Add(-markRetention)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune cron marks")
	}
}

// fire starts one instance for a (schedule, boundary) pair unless another
// node in the fleet already claimed it.
func (s *Scheduler) fire(ctx context.Context, sched triggers.Schedule, boundary time.Time) {
	first, err := s.store.MarkCronFire(sched.ProcessRef, boundary)
	if err != nil {
		s.logger.Error().Err(err).
			Str("process_ref", sched.ProcessRef).
			Msg("failed to claim cron fire")
		return
	}
	if !first {
		return
	}

	inputs := types.Document{
		"trigger": "schedule",
		"ts":      boundary.UTC().Format(time.RFC3339),
	}
	desc, err := s.starter.StartProcess(ctx, sched.ProcessRef, inputs, SystemUser, true)
	if err != nil {
		s.logger.Error().Err(err).
			Str("process_ref", sched.ProcessRef).
			Msg("scheduled start failed")
		return
	}

	metrics.SchedulerFires.Inc()
	s.sink.Emit(audit.Record{
		Kind:       audit.KindSchedulerFired,
		InstanceID: desc.InstanceID,
		ProcessRef: sched.ProcessRef,
		Detail:     map[string]string{"boundary": boundary.UTC().Format(time.RFC3339)},
	})
	s.logger.Info().
		Str("process_ref", sched.ProcessRef).
		Str("instance_id", desc.InstanceID).
		Msg("schedule fired")
}

// FireEvent starts an instance for every trigger registered on the event
// whose predicate is absent or truthy, in registration order. Start failures
// are logged but never propagated: one bad trigger must not block siblings.
func (s *Scheduler) FireEvent(ctx context.Context, name string, payload types.Document, userID string, async bool) []types.InstanceDescriptor {
	trigs := s.events.GetTriggers(name)
	started := []types.InstanceDescriptor{}
	if len(trigs) == 0 {
		return started
	}

	metrics.EventsFired.WithLabelValues(name).Inc()
	for _, t := range trigs {
		if t.Predicate != nil && !s.evalPredicate(t, name, payload) {
			continue
		}
		desc, err := s.starter.StartProcess(ctx, t.ProcessRef, payload, userID, async)
		if err != nil {
			s.logger.Error().Err(err).
				Str("event", name).
				Str("process_ref", t.ProcessRef).
				Msg("event-triggered start failed")
			continue
		}
		started = append(started, *desc)
	}
	return started
}

// evalPredicate runs a trigger predicate with panic containment; a panicking
// predicate skips its trigger only.
func (s *Scheduler) evalPredicate(t triggers.EventTrigger, event string, payload types.Document) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().
				Str("event", event).
				Str("process_ref", t.ProcessRef).
				Interface("panic", r).
				Msg("trigger predicate panicked; skipping trigger")
			ok = false
		}
	}()
	return t.Predicate(payload)
}
