package triggers

import (
	"sync"
	"time"

	"github.com/appos-io/appos/pkg/cron"
	"github.com/appos-io/appos/pkg/types"
)

// Predicate filters an event payload. A trigger with a nil predicate always
// fires; a falsy predicate skips just that trigger.
type Predicate func(payload types.Document) bool

// EventTrigger binds an event name to a process reference
type EventTrigger struct {
	ProcessRef string
	Predicate  Predicate
}

// EventRegistry is the in-memory index from event name to triggers. Writes
// happen at startup and hot reload; reads dominate, so reads return a
// snapshot and never hold the lock during dispatch.
type EventRegistry struct {
	mu       sync.Mutex
	triggers map[string][]EventTrigger
}

// NewEventRegistry creates an empty event trigger index
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{triggers: make(map[string][]EventTrigger)}
}

// Register appends a trigger unless (event, processRef) is already present.
// Registration order is preserved and drives dispatch order.
func (r *EventRegistry) Register(event, processRef string, pred Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.triggers[event] {
		if t.ProcessRef == processRef {
			return
		}
	}
	r.triggers[event] = append(r.triggers[event], EventTrigger{ProcessRef: processRef, Predicate: pred})
}

// GetTriggers returns a snapshot of the triggers for event, in registration
// order
func (r *EventRegistry) GetTriggers(event string) []EventTrigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.triggers[event]
	out := make([]EventTrigger, len(list))
	copy(out, list)
	return out
}

// Unregister removes the first trigger matching (event, processRef)
func (r *EventRegistry) Unregister(event, processRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.triggers[event]
	for i, t := range list {
		if t.ProcessRef == processRef {
			r.triggers[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Clear empties the index
func (r *EventRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = make(map[string][]EventTrigger)
}

// Schedule binds a cron expression in a time zone to a process reference.
// A process may carry multiple schedules.
type Schedule struct {
	ProcessRef string
	Expression string
	TimeZone   string
	Enabled    bool

	// parsed forms, filled at registration
	Cron     *cron.Schedule
	Location *time.Location
}

// ScheduleRegistry is the in-memory index of cron schedules
type ScheduleRegistry struct {
	mu        sync.Mutex
	schedules []Schedule
}

// NewScheduleRegistry creates an empty schedule index
func NewScheduleRegistry() *ScheduleRegistry {
	return &ScheduleRegistry{}
}

// Register validates and appends a schedule. The cron expression must have
// exactly five fields and the time zone must be a valid IANA name (empty
// means UTC).
func (r *ScheduleRegistry) Register(processRef, expression, timeZone string) error {
	parsed, err := cron.Parse(expression)
	if err != nil {
		return err
	}

	loc := time.UTC
	if timeZone != "" {
		loc, err = time.LoadLocation(timeZone)
		if err != nil {
			return types.NewValidationError("time_zone", "unknown time zone %q", timeZone)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = append(r.schedules, Schedule{
		ProcessRef: processRef,
		Expression: expression,
		TimeZone:   timeZone,
		Enabled:    true,
		Cron:       parsed,
		Location:   loc,
	})
	return nil
}

// Schedules returns a snapshot of all registered schedules in registration
// order
func (r *ScheduleRegistry) Schedules() []Schedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Schedule, len(r.schedules))
	copy(out, r.schedules)
	return out
}

// SetEnabled toggles every schedule of a process. Returns the number of
// schedules affected.
func (r *ScheduleRegistry) SetEnabled(processRef string, enabled bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.schedules {
		if r.schedules[i].ProcessRef == processRef {
			r.schedules[i].Enabled = enabled
			n++
		}
	}
	return n
}

// Unregister removes all schedules for processRef
func (r *ScheduleRegistry) Unregister(processRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.schedules[:0]
	for _, s := range r.schedules {
		if s.ProcessRef != processRef {
			kept = append(kept, s)
		}
	}
	r.schedules = kept
}

// Clear empties the index
func (r *ScheduleRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules = nil
}
