package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/metrics"
	"github.com/appos-io/appos/pkg/policy"
	"github.com/appos-io/appos/pkg/process"
	"github.com/appos-io/appos/pkg/queue"
	"github.com/appos-io/appos/pkg/registry"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/types"
)

// TaskStep is the queue task name for step dispatch
const TaskStep = "process.step"

// Executor starts process instances and drives their steps through the task
// queue. All durable writes go through the store; the executor itself keeps
// no mutable state beyond its collaborators.
type Executor struct {
	store    store.Store
	registry registry.Registry
	oracle   policy.Oracle
	queue    queue.Queue
	sink     audit.Sink
	clock    Clock
	logger   zerolog.Logger
}

// Config wires an Executor
type Config struct {
	Store    store.Store
	Registry registry.Registry
	Oracle   policy.Oracle
	Queue    queue.Queue
	Sink     audit.Sink
	Clock    Clock
}

// New creates an Executor and registers its step handler on the queue
func New(cfg Config) *Executor {
	if cfg.Oracle == nil {
		cfg.Oracle = policy.AllowAll{}
	}
	if cfg.Sink == nil {
		cfg.Sink = audit.LogSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	e := &Executor{
		store:    cfg.Store,
		registry: cfg.Registry,
		oracle:   cfg.Oracle,
		queue:    cfg.Queue,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		logger:   log.WithComponent("executor"),
	}
	if e.queue != nil {
		e.queue.RegisterHandler(TaskStep, e.handleStepTask)
	}
	return e
}

// newInstanceID generates "proc_" + 12 hex chars
func newInstanceID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "proc_" + hex.EncodeToString(buf)
}

// parseDefinition resolves ref and invokes the process handler to obtain the
// step list. Handlers may be arity-zero or accept the start inputs; both
// shapes are attempted in that order. Definitions are deterministic, so
// re-parsing reproduces the same step list and the step index stays a valid
// contract between enqueuing and executing.
func (e *Executor) parseDefinition(ref string, inputs types.Document) (*process.Definition, *registry.Entry, error) {
	entry, ok := e.registry.Resolve(ref)
	if !ok {
		return nil, nil, &types.DispatchError{Reason: types.ReasonUnknownRef, Ref: ref}
	}
	if entry.Type != registry.TypeProcess {
		return nil, nil, &types.DispatchError{
			Reason: types.ReasonWrongType,
			Ref:    ref,
			Detail: fmt.Sprintf("expected process, got %s", entry.Type),
		}
	}

	var def *process.Definition
	switch h := entry.Handler.(type) {
	case registry.BuilderFunc:
		def = h()
	case func() *process.Definition:
		def = h()
	case registry.BuilderWithInputsFunc:
		def = h(inputs)
	case func(types.Document) *process.Definition:
		def = h(inputs)
	default:
		return nil, nil, &types.DispatchError{
			Reason: types.ReasonBadShape,
			Ref:    ref,
			Detail: "process handler has an unsupported shape",
		}
	}
	if def == nil {
		return nil, nil, &types.DispatchError{Reason: types.ReasonBadShape, Ref: ref, Detail: "process handler returned no definition"}
	}
	if def.Ref == "" {
		def.Ref = ref
	}
	if err := def.Validate(); err != nil {
		return nil, nil, err
	}
	return def, entry, nil
}

// StartProcess creates and starts a new instance of the given process.
// Only registry and validation failures surface to the caller; step-level
// failures are reflected in the instance status and observed by polling.
func (e *Executor) StartProcess(ctx context.Context, ref string, inputs types.Document, userID string, async bool) (*types.InstanceDescriptor, error) {
	def, entry, err := e.parseDefinition(ref, inputs)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	inst := &types.ProcessInstance{
		InstanceID:  newInstanceID(),
		ProcessRef:  ref,
		AppName:     entry.AppName,
		DisplayName: def.DisplayName,
		Status:      types.InstanceRunning,
		Inputs:      inputs,
		Variables:   types.Document{},
		StartedAt:   now,
		StartedBy:   userID,
		TriggeredBy: triggerOf(inputs),
	}

	if len(def.Steps) == 0 {
		inst.Status = types.InstanceCompleted
		inst.CompletedAt = &now
		inst.Outputs = types.Document{}
	}

	if err := e.store.CreateInstance(inst); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	metrics.InstancesStarted.WithLabelValues(inst.AppName, inst.TriggeredBy).Inc()
	metrics.InstancesRunning.Inc()
	e.sink.Emit(audit.Record{
		Kind:       audit.KindInstanceStarted,
		InstanceID: inst.InstanceID,
		ProcessRef: ref,
		Detail:     map[string]string{"started_by": userID},
	})
	e.logger.Info().
		Str("instance_id", inst.InstanceID).
		Str("process_ref", ref).
		Bool("async", async).
		Msg("instance started")

	if len(def.Steps) == 0 {
		metrics.InstancesRunning.Dec()
		metrics.InstancesCompleted.WithLabelValues(inst.AppName, string(types.InstanceCompleted)).Inc()
		desc := inst.Descriptor()
		return &desc, nil
	}

	if async {
		if err := e.enqueueStep(ctx, inst.InstanceID, ref, 0, -1); err != nil {
			return nil, fmt.Errorf("failed to enqueue first step: %w", err)
		}
	} else {
		e.runSync(ctx, inst.InstanceID, ref)
		// The instance ran to rest in this goroutine; report where it ended
		// up rather than the pre-run snapshot.
		if final, err := e.store.GetInstance(inst.InstanceID); err == nil {
			inst = final
		}
	}

	desc := inst.Descriptor()
	return &desc, nil
}

// triggerOf classifies the start stimulus from the reserved "trigger" input
func triggerOf(inputs types.Document) string {
	if v, ok := inputs["trigger"].(string); ok && v != "" {
		return v
	}
	return "manual"
}

// GetInstance returns the durable view of an instance, or nil when unknown
func (e *Executor) GetInstance(id string) (*types.ProcessInstance, error) {
	inst, err := e.store.GetInstance(id)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}

// GetStepHistory returns the append-only step log of an instance
func (e *Executor) GetStepHistory(id string) ([]*types.StepLogEntry, error) {
	return e.store.GetStepHistory(id)
}

// ListInstances lists instances filtered by app and status ("" matches all)
func (e *Executor) ListInstances(appName string, status types.InstanceStatus) ([]*types.ProcessInstance, error) {
	return e.store.ListInstances(appName, status)
}

// Cancel transitions the instance to cancelled and marks in-flight step rows
// interrupted. Returns false when the instance was already terminal. Workers
// observe the status at step boundaries and drop subsequent enqueues.
func (e *Executor) Cancel(id string) (bool, error) {
	cancelled, err := e.store.CancelInstance(id)
	if err != nil {
		return false, err
	}
	if cancelled {
		metrics.InstancesRunning.Dec()
		e.sink.Emit(audit.Record{Kind: audit.KindInstanceCancelled, InstanceID: id})
		e.logger.Info().Str("instance_id", id).Msg("instance cancelled")
	}
	return cancelled, err
}

// Pause parks a running instance. The in-flight step finishes; the next
// enqueue is dropped at the step boundary until Resume.
func (e *Executor) Pause(id string) error {
	return e.store.MutateInstance(id, nil, func(inst *types.ProcessInstance) error {
		if inst.Status != types.InstanceRunning {
			return fmt.Errorf("cannot pause instance in status %q", inst.Status)
		}
		inst.Status = types.InstancePaused
		return nil
	})
}

// Resume restarts a paused instance from its current step
func (e *Executor) Resume(ctx context.Context, id string) error {
	var resumeIdx int
	var ref string
	err := e.store.MutateInstance(id, nil, func(inst *types.ProcessInstance) error {
		if inst.Status != types.InstancePaused {
			return fmt.Errorf("cannot resume instance in status %q", inst.Status)
		}
		inst.Status = types.InstanceRunning
		ref = inst.ProcessRef

		def, _, err := e.parseDefinition(inst.ProcessRef, inst.Inputs)
		if err != nil {
			return err
		}
		resumeIdx = 0
		if inst.CurrentStep != "" {
			if idx, ok := indexOfStep(def, inst.CurrentStep); ok {
				resumeIdx = idx
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return e.enqueueStep(ctx, id, ref, resumeIdx, -1)
}

// indexOfStep finds the node index owning the named step
func indexOfStep(def *process.Definition, name string) (int, bool) {
	for i := range def.Steps {
		node := &def.Steps[i]
		if node.Kind == process.NodeSequential && node.Seq.Name == name {
			return i, true
		}
		for j := range node.Members {
			if node.Members[j].Name == name {
				return i, true
			}
		}
	}
	return 0, false
}

// stepTask is the queue payload for one step dispatch. Member is -1 for a
// whole node and the member offset inside a parallel group otherwise.
type stepTask struct {
	InstanceID string `json:"instance_id"`
	ProcessRef string `json:"process_ref"`
	StepIndex  int    `json:"step_index"`
	Member     int    `json:"member"`
}

func (e *Executor) enqueueStep(ctx context.Context, instanceID, ref string, stepIndex, member int) error {
	payload, err := json.Marshal(stepTask{
		InstanceID: instanceID,
		ProcessRef: ref,
		StepIndex:  stepIndex,
		Member:     member,
	})
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, TaskStep, payload)
}

// handleStepTask is the queue handler for step dispatch
func (e *Executor) handleStepTask(ctx context.Context, task *queue.Task) error {
	var st stepTask
	if err := json.Unmarshal(task.Payload, &st); err != nil {
		// Malformed payloads can never succeed; drop instead of redeliver.
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("malformed step task; dropping")
		return nil
	}
	return e.dispatch(ctx, st)
}
