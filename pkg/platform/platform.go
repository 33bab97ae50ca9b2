package platform

import (
	"context"
	"fmt"
	"os"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/credentials"
	"github.com/appos-io/appos/pkg/executor"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/metrics"
	"github.com/appos-io/appos/pkg/policy"
	"github.com/appos-io/appos/pkg/queue"
	"github.com/appos-io/appos/pkg/registry"
	"github.com/appos-io/appos/pkg/scheduler"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/triggers"
)

// Platform is a fully wired AppOS engine node
type Platform struct {
	dataDir     string
	metricsAddr string

	store       store.Store
	registry    *registry.MemoryRegistry
	events      *triggers.EventRegistry
	schedules   *triggers.ScheduleRegistry
	queue       *queue.MemoryQueue
	broker      *audit.Broker
	sink        audit.Sink
	credentials *credentials.Manager
	executor    *executor.Executor
	scheduler   *scheduler.Scheduler
}

// Config holds configuration for creating a Platform
type Config struct {
	DataDir     string
	SecretKey   string
	Workers     int
	MetricsAddr string
	Oracle      policy.Oracle
}

// New creates a Platform with all engine components wired together.
// Call Start to begin consuming work.
func New(cfg Config) (*Platform, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := audit.NewBroker()
	sink := audit.MultiSink{audit.LogSink{}, broker}

	q := queue.NewMemoryQueue(queue.MemoryQueueConfig{
		Workers: cfg.Workers,
		Sink:    sink,
	})

	reg := registry.NewMemoryRegistry()

	exec := executor.New(executor.Config{
		Store:    st,
		Registry: reg,
		Oracle:   cfg.Oracle,
		Queue:    q,
		Sink:     sink,
	})

	events := triggers.NewEventRegistry()
	schedules := triggers.NewScheduleRegistry()

	sched := scheduler.New(scheduler.Config{
		Events:    events,
		Schedules: schedules,
		Starter:   exec,
		Store:     st,
		Sink:      sink,
	})

	return &Platform{
		dataDir:     cfg.DataDir,
		metricsAddr: cfg.MetricsAddr,
		store:       st,
		registry:    reg,
		events:      events,
		schedules:   schedules,
		queue:       q,
		broker:      broker,
		sink:        sink,
		credentials: credentials.NewManager(st, cfg.SecretKey, sink),
		executor:    exec,
		scheduler:   sched,
	}, nil
}

// Start launches the background components: audit broker, queue workers,
// the cron scheduler and, when configured, the metrics endpoint.
func (p *Platform) Start(ctx context.Context) {
	metrics.Register()
	p.broker.Start()
	p.queue.Start(ctx)
	p.scheduler.Start(ctx)

	logger := log.WithComponent("platform")
	if p.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(p.metricsAddr); err != nil {
				logger.Error().Err(err).
					Str("addr", p.metricsAddr).
					Msg("metrics server stopped")
			}
		}()
	}

	logger.Info().
		Str("data_dir", p.dataDir).
		Msg("platform started")
}

// Stop shuts the platform down in dependency order: no new schedule fires,
// drain in-flight queue work, then close the broker and the store.
func (p *Platform) Stop() error {
	p.scheduler.Stop()
	p.queue.Stop()
	p.broker.Stop()
	if err := p.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	logger := log.WithComponent("platform")
	logger.Info().Msg("platform stopped")
	return nil
}

// Executor returns the process executor
func (p *Platform) Executor() *executor.Executor { return p.executor }

// Credentials returns the credential manager
func (p *Platform) Credentials() *credentials.Manager { return p.credentials }

// Registry returns the rule and process registry
func (p *Platform) Registry() *registry.MemoryRegistry { return p.registry }

// Scheduler returns the trigger scheduler
func (p *Platform) Scheduler() *scheduler.Scheduler { return p.scheduler }

// Events returns the event trigger index
func (p *Platform) Events() *triggers.EventRegistry { return p.events }

// Schedules returns the cron schedule index
func (p *Platform) Schedules() *triggers.ScheduleRegistry { return p.schedules }

// Store returns the durable store
func (p *Platform) Store() store.Store { return p.store }

// Broker returns the audit broker for live subscriptions
func (p *Platform) Broker() *audit.Broker { return p.broker }
