package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/appos-io/appos/pkg/log"
)

// Kind classifies an audit record
type Kind string

const (
	KindInstanceStarted   Kind = "instance.started"
	KindInstanceCompleted Kind = "instance.completed"
	KindInstanceFailed    Kind = "instance.failed"
	KindInstanceCancelled Kind = "instance.cancelled"
	KindStepCompleted     Kind = "step.completed"
	KindStepFailed        Kind = "step.failed"
	KindStepSkipped       Kind = "step.skipped"
	KindStepInterrupted   Kind = "step.interrupted"
	KindSchedulerFired    Kind = "scheduler.fired"
	KindSchedulerMissed   Kind = "scheduler.missed"
	KindQueueDeadLetter   Kind = "queue.dead_letter"
	KindKeyRotated        Kind = "credentials.rotated"
)

// Record is one audit entry emitted by the engine
type Record struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	InstanceID string            `json:"instance_id,omitempty"`
	ProcessRef string            `json:"process_ref,omitempty"`
	StepName   string            `json:"step_name,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Sink receives audit records for durable storage and later query. The
// collectors behind it live outside the engine core.
type Sink interface {
	Emit(rec Record)
}

// Subscriber is a channel that receives audit records
type Subscriber chan Record

// Broker fans audit records out to subscribers without blocking emitters
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	recordCh    chan Record
	stopCh      chan struct{}
}

// NewBroker creates a new audit broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		recordCh:    make(chan Record, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Emit publishes a record to all subscribers. IDs and timestamps are filled
// when absent.
func (b *Broker) Emit(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case b.recordCh <- rec:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case rec := <-b.recordCh:
			b.broadcast(rec)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(rec Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- rec:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// LogSink writes every record through the structured logger. The default sink
// when no external collector is attached.
type LogSink struct{}

func (LogSink) Emit(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	logger := log.WithComponent("audit")
	ev := logger.Info().
		Str("kind", string(rec.Kind)).
		Str("record_id", rec.ID)
	if rec.InstanceID != "" {
		ev = ev.Str("instance_id", rec.InstanceID)
	}
	if rec.ProcessRef != "" {
		ev = ev.Str("process_ref", rec.ProcessRef)
	}
	if rec.StepName != "" {
		ev = ev.Str("step_name", rec.StepName)
	}
	for k, v := range rec.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit")
}

// MultiSink emits to every wrapped sink in order
type MultiSink []Sink

func (m MultiSink) Emit(rec Record) {
	for _, s := range m {
		s.Emit(rec)
	}
}
