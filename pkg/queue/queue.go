package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/metrics"
)

// DefaultWorkers is the bounded per-process worker concurrency
const DefaultWorkers = 4

// DefaultMaxDeliveries bounds queue-level redelivery of a failing task. This
// is independent of any step-level retry policy: step retries happen inside
// one delivery, redeliveries cover worker crashes and transient handler
// errors.
const DefaultMaxDeliveries = 3

// Task is one unit of queued work. Attempt counts deliveries, 1-indexed.
type Task struct {
	ID      string
	Name    string
	Payload []byte
	Attempt int
}

// Handler consumes a task. A nil return acknowledges the delivery; an error
// or panic triggers redelivery up to the queue's delivery limit.
type Handler func(ctx context.Context, task *Task) error

// Option configures a single enqueue
type Option func(*enqueueOptions)

type enqueueOptions struct {
	delay time.Duration
}

// WithDelay defers delivery by d
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// Queue is the reliable task queue consumed by the executor and scheduler:
// at-least-once delivery, bounded concurrency, per-chain ordering by
// enqueue-on-completion.
type Queue interface {
	RegisterHandler(name string, h Handler)
	Enqueue(ctx context.Context, name string, payload []byte, opts ...Option) error
	Start(ctx context.Context)
	Stop()
	Depth() int
}

// MemoryQueue is the in-process Queue implementation backing a single-node
// deployment. Tasks live in a buffered channel consumed by a fixed pool of
// workers.
type MemoryQueue struct {
	workers       int
	maxDeliveries int
	sink          audit.Sink

	mu       sync.RWMutex
	handlers map[string]Handler

	tasks  chan *Task
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// MemoryQueueConfig configures a MemoryQueue
type MemoryQueueConfig struct {
	Workers       int
	MaxDeliveries int
	Buffer        int
	Sink          audit.Sink
}

// NewMemoryQueue creates a stopped queue; call Start to begin consuming
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = DefaultMaxDeliveries
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Sink == nil {
		cfg.Sink = audit.LogSink{}
	}
	return &MemoryQueue{
		workers:       cfg.Workers,
		maxDeliveries: cfg.MaxDeliveries,
		sink:          cfg.Sink,
		handlers:      make(map[string]Handler),
		tasks:         make(chan *Task, cfg.Buffer),
		stopCh:        make(chan struct{}),
	}
}

// RegisterHandler binds a task name to its handler. Later registrations for
// the same name replace earlier ones.
func (q *MemoryQueue) RegisterHandler(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

func (q *MemoryQueue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[name]
	return h, ok
}

// Enqueue adds a task for delivery. With WithDelay the task becomes visible
// after the delay elapses.
func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload []byte, opts ...Option) error {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	select {
	case <-q.stopCh:
		return fmt.Errorf("queue is stopped")
	default:
	}

	task := &Task{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: payload,
		Attempt: 1,
	}

	if o.delay > 0 {
		time.AfterFunc(o.delay, func() {
			q.push(task)
		})
		return nil
	}

	select {
	case q.tasks <- task:
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	case <-q.stopCh:
		return fmt.Errorf("queue is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push requeues a task, dropping it if the queue has stopped
func (q *MemoryQueue) push(task *Task) {
	select {
	case q.tasks <- task:
		metrics.QueueDepth.Set(float64(len(q.tasks)))
	case <-q.stopCh:
	}
}

// Start launches the worker pool
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight tasks to finish
func (q *MemoryQueue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Depth returns the number of tasks waiting for delivery
func (q *MemoryQueue) Depth() int {
	return len(q.tasks)
}

func (q *MemoryQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := log.WithComponent("queue").With().Int("worker", id).Logger()

	for {
		select {
		case task := <-q.tasks:
			metrics.QueueDepth.Set(float64(len(q.tasks)))
			q.deliver(ctx, task, logger)
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// deliver runs one handler invocation with panic containment. Failures
// redeliver up to maxDeliveries, then dead-letter.
func (q *MemoryQueue) deliver(ctx context.Context, task *Task, logger zerolog.Logger) {
	h, ok := q.handler(task.Name)
	if !ok {
		logger.Error().Str("task", task.Name).Str("task_id", task.ID).
			Msg("no handler registered; dropping task")
		return
	}

	err := q.invoke(ctx, h, task)
	if err == nil {
		return
	}

	if task.Attempt >= q.maxDeliveries {
		metrics.QueueDeadLetters.Inc()
		logger.Error().Err(err).
			Str("task", task.Name).
			Str("task_id", task.ID).
			Int("attempt", task.Attempt).
			Msg("task exhausted deliveries; dead-lettered")
		q.sink.Emit(audit.Record{
			Kind: audit.KindQueueDeadLetter,
			Detail: map[string]string{
				"task":    task.Name,
				"task_id": task.ID,
				"error":   err.Error(),
			},
		})
		return
	}

	metrics.QueueRedeliveries.Inc()
	logger.Warn().Err(err).
		Str("task", task.Name).
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Msg("task failed; redelivering")
	redelivery := *task
	redelivery.Attempt++
	q.push(&redelivery)
}

// invoke calls the handler, converting a panic into an error so one bad task
// cannot take down a worker
func (q *MemoryQueue) invoke(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}
