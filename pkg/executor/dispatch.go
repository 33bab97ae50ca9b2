package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/metrics"
	"github.com/appos-io/appos/pkg/process"
	"github.com/appos-io/appos/pkg/registry"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/types"
)

// stepOutcome is the executor-internal result of one step execution
type stepOutcome int

const (
	outcomeCompleted stepOutcome = iota
	outcomeSkipped
	outcomeFailed  // retries exhausted, on_error permits proceeding
	outcomeStop    // instance transitioned to failed
	outcomeDropped // instance no longer running; nothing to do
)

// proceeds reports whether execution moves on to the next node
func (o stepOutcome) proceeds() bool {
	return o == outcomeCompleted || o == outcomeSkipped || o == outcomeFailed
}

// dispatch executes the node addressed by a step task. This is the worker
// side of the enqueue/execute contract: the step index addresses the node in
// the freshly re-parsed definition.
func (e *Executor) dispatch(ctx context.Context, st stepTask) error {
	inst, err := e.store.GetInstance(st.InstanceID)
	if err != nil {
		if types.IsNotFound(err) {
			e.logger.Error().Str("instance_id", st.InstanceID).Msg("step task for unknown instance; dropping")
			return nil
		}
		return types.Transient(err)
	}
	if inst.Status != types.InstanceRunning {
		// Cancelled, paused or already terminal: drop at the step boundary.
		return nil
	}

	def, _, err := e.parseDefinition(st.ProcessRef, inst.Inputs)
	if err != nil {
		// The definition disappeared or stopped validating under a live
		// instance. Nothing further can run; fail the instance.
		e.failInstance(st.InstanceID, "", err)
		return nil
	}

	if st.StepIndex >= len(def.Steps) {
		e.completeInstance(st.InstanceID)
		return nil
	}

	node := &def.Steps[st.StepIndex]
	switch node.Kind {
	case process.NodeSequential:
		outcome := e.runStep(ctx, st.InstanceID, def, node.Seq, false)
		if outcome.proceeds() {
			return e.advance(ctx, st.InstanceID, def, st.StepIndex)
		}
		return nil

	case process.NodeParallel:
		if st.Member < 0 {
			return e.fanOut(ctx, st, node, def)
		}
		if st.Member >= len(node.Members) {
			e.logger.Error().Int("member", st.Member).Msg("parallel member index out of range; dropping")
			return nil
		}
		spec := &node.Members[st.Member]
		outcome := e.runStep(ctx, st.InstanceID, def, spec, true)
		if spec.FireAndForget {
			// Fire-and-forget members never gate the barrier.
			return nil
		}
		if !outcome.proceeds() {
			return nil
		}
		done, err := e.store.ArriveBarrier(st.InstanceID, st.StepIndex, st.Member, barrierSize(node))
		if err != nil {
			return types.Transient(err)
		}
		if done {
			return e.advance(ctx, st.InstanceID, def, st.StepIndex)
		}
		return nil

	default:
		e.logger.Error().Str("kind", string(node.Kind)).Msg("unknown node kind; dropping")
		return nil
	}
}

// barrierSize counts the members that gate the fan-in barrier
func barrierSize(node *process.Node) int {
	n := 0
	for i := range node.Members {
		if !node.Members[i].FireAndForget {
			n++
		}
	}
	return n
}

// fanOut enqueues one task per parallel member. When every member is
// fire-and-forget there is no barrier to wait on and the group completes
// immediately.
func (e *Executor) fanOut(ctx context.Context, st stepTask, node *process.Node, def *process.Definition) error {
	for i := range node.Members {
		if err := e.enqueueStep(ctx, st.InstanceID, st.ProcessRef, st.StepIndex, i); err != nil {
			return types.Transient(err)
		}
	}
	if barrierSize(node) == 0 {
		return e.advance(ctx, st.InstanceID, def, st.StepIndex)
	}
	return nil
}

// advance enqueues the node after idx, or completes the instance when idx was
// the last node.
func (e *Executor) advance(ctx context.Context, instanceID string, def *process.Definition, idx int) error {
	if idx+1 >= len(def.Steps) {
		e.completeInstance(instanceID)
		return nil
	}
	if err := e.enqueueStep(ctx, instanceID, def.Ref, idx+1, -1); err != nil {
		return types.Transient(err)
	}
	return nil
}

// runSync drives the whole instance in the caller's goroutine. Used for
// tests and small utilities; parallel members run in definition order.
func (e *Executor) runSync(ctx context.Context, instanceID, ref string) {
	for idx := 0; ; idx++ {
		inst, err := e.store.GetInstance(instanceID)
		if err != nil || inst.Status != types.InstanceRunning {
			return
		}
		def, _, err := e.parseDefinition(ref, inst.Inputs)
		if err != nil {
			e.failInstance(instanceID, "", err)
			return
		}
		if idx >= len(def.Steps) {
			e.completeInstance(instanceID)
			return
		}

		node := &def.Steps[idx]
		switch node.Kind {
		case process.NodeSequential:
			if !e.runStep(ctx, instanceID, def, node.Seq, false).proceeds() {
				return
			}
		case process.NodeParallel:
			for i := range node.Members {
				spec := &node.Members[i]
				outcome := e.runStep(ctx, instanceID, def, spec, true)
				if !spec.FireAndForget && outcome == outcomeStop {
					return
				}
			}
		}
	}
}

// runStep executes one step with its condition, retry and on_error policy.
// Every durable transition commits through a single store transaction.
func (e *Executor) runStep(ctx context.Context, instanceID string, def *process.Definition, spec *process.StepSpec, isParallel bool) stepOutcome {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		e.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to reload instance")
		return outcomeDropped
	}
	if inst.Status != types.InstanceRunning {
		if isParallel && inst.Status.IsTerminal() {
			// A sibling already failed the instance; settle this member as
			// interrupted so the history shows where it stood.
			e.recordInterrupted(instanceID, spec, isParallel)
		}
		return outcomeDropped
	}

	// At-least-once delivery may replay a step after a crash; a settled
	// success in the log means the work already happened.
	if outcome, settled := e.settledOutcome(instanceID, spec.Name); settled {
		return outcome
	}

	// Persist the step pointer before doing any work.
	err = e.store.MutateInstance(instanceID, nil, func(i *types.ProcessInstance) error {
		i.CurrentStep = spec.Name
		return nil
	})
	if err != nil {
		return outcomeDropped
	}

	// Condition gate. Evaluation errors fail open: the step proceeds.
	if spec.Condition != "" {
		ok, err := evalCondition(spec.Condition, inst.Variables, inst.Inputs)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("instance_id", instanceID).
				Str("step", spec.Name).
				Msg("condition evaluation failed; proceeding with step")
		} else if !ok {
			return e.recordSkipped(instanceID, spec, isParallel)
		}
	}

	ruleRef := qualifyRuleRef(spec.RuleRef, def.Ref)
	ruleInputs := e.bindInputs(spec, inst)

	for attempt := 1; ; attempt++ {
		startedAt := e.clock.Now()
		e.markRunning(instanceID, spec, attempt, startedAt, isParallel)

		result, invokeErr := e.invokeRule(ctx, ruleRef, ruleInputs, inst.StartedBy)
		if invokeErr == nil && result == nil && len(spec.OutputMapping) > 0 {
			invokeErr = &types.DispatchError{
				Reason: types.ReasonBadShape,
				Ref:    ruleRef,
				Detail: "rule returned no mapping but output_mapping is set",
			}
		}

		completedAt := e.clock.Now()
		entry := &types.StepLogEntry{
			InstanceID:      instanceID,
			StepName:        spec.Name,
			RuleRef:         ruleRef,
			StartedAt:       startedAt,
			CompletedAt:     &completedAt,
			DurationMs:      completedAt.Sub(startedAt).Milliseconds(),
			Attempt:         attempt,
			IsParallel:      isParallel,
			IsFireAndForget: spec.FireAndForget,
		}
		if spec.LogInputs {
			entry.Inputs = ruleInputs
		}

		if invokeErr == nil {
			entry.Status = types.StepCompleted
			if spec.LogOutputs {
				entry.Outputs = result
			}
			return e.settleCompleted(instanceID, spec, entry, result)
		}

		entry.Status = types.StepFailed
		entry.ErrorInfo = stepError(invokeErr)

		if retryable(invokeErr) && attempt <= spec.RetryCount {
			if err := e.store.PutStepLog(entry); err != nil {
				e.logger.Error().Err(err).Msg("failed to record step attempt")
			}
			metrics.StepRetries.Inc()
			e.logger.Warn().Err(invokeErr).
				Str("instance_id", instanceID).
				Str("step", spec.Name).
				Int("attempt", attempt).
				Msg("step failed; retrying")
			e.clock.Sleep(time.Duration(spec.RetryDelaySeconds) * time.Second)
			continue
		}

		return e.settleFailed(instanceID, spec, entry, invokeErr)
	}
}

// settledOutcome checks the step log for an already-settled success
func (e *Executor) settledOutcome(instanceID, stepName string) (stepOutcome, bool) {
	history, err := e.store.GetStepHistory(instanceID)
	if err != nil {
		return outcomeDropped, false
	}
	for _, row := range history {
		if row.StepName != stepName {
			continue
		}
		switch row.Status {
		case types.StepCompleted:
			return outcomeCompleted, true
		case types.StepSkipped:
			return outcomeSkipped, true
		}
	}
	return outcomeDropped, false
}

// markRunning writes the in-flight row for this attempt. Cancellation marks
// these rows interrupted.
func (e *Executor) markRunning(instanceID string, spec *process.StepSpec, attempt int, startedAt time.Time, isParallel bool) {
	err := e.store.PutStepLog(&types.StepLogEntry{
		InstanceID:      instanceID,
		StepName:        spec.Name,
		RuleRef:         spec.RuleRef,
		Status:          types.StepRunning,
		StartedAt:       startedAt,
		Attempt:         attempt,
		IsParallel:      isParallel,
		IsFireAndForget: spec.FireAndForget,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to record running step")
	}
}

func (e *Executor) recordSkipped(instanceID string, spec *process.StepSpec, isParallel bool) stepOutcome {
	now := e.clock.Now()
	entry := &types.StepLogEntry{
		InstanceID:      instanceID,
		StepName:        spec.Name,
		RuleRef:         spec.RuleRef,
		Status:          types.StepSkipped,
		StartedAt:       now,
		CompletedAt:     &now,
		Attempt:         1,
		IsParallel:      isParallel,
		IsFireAndForget: spec.FireAndForget,
	}
	if err := e.store.PutStepLog(entry); err != nil {
		e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to record skipped step")
	}
	e.sink.Emit(audit.Record{
		Kind:       audit.KindStepSkipped,
		InstanceID: instanceID,
		StepName:   spec.Name,
	})
	return outcomeSkipped
}

func (e *Executor) recordInterrupted(instanceID string, spec *process.StepSpec, isParallel bool) {
	now := e.clock.Now()
	err := e.store.PutStepLog(&types.StepLogEntry{
		InstanceID:      instanceID,
		StepName:        spec.Name,
		RuleRef:         spec.RuleRef,
		Status:          types.StepInterrupted,
		StartedAt:       now,
		CompletedAt:     &now,
		Attempt:         1,
		IsParallel:      isParallel,
		IsFireAndForget: spec.FireAndForget,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to record interrupted step")
	}
	e.sink.Emit(audit.Record{
		Kind:       audit.KindStepInterrupted,
		InstanceID: instanceID,
		StepName:   spec.Name,
	})
}

// settleCompleted commits the completed row and the variable updates in one
// transaction. Output-mapped variables become output-visible, which is what
// completion later projects into the instance outputs.
func (e *Executor) settleCompleted(instanceID string, spec *process.StepSpec, entry *types.StepLogEntry, result types.Document) stepOutcome {
	var app string
	err := e.store.MutateInstance(instanceID, entry, func(inst *types.ProcessInstance) error {
		app = inst.AppName
		if len(spec.OutputMapping) == 0 {
			return nil
		}
		if inst.Variables == nil {
			inst.Variables = types.Document{}
		}
		if inst.VariableVisibility == nil {
			inst.VariableVisibility = make(map[string]types.Visibility)
		}
		for outKey, varName := range spec.OutputMapping {
			inst.Variables[varName] = result[outKey]
			inst.VariableVisibility[varName] = types.VisibilityOutput
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalInstance) {
			e.recordInterrupted(instanceID, spec, entry.IsParallel)
			return outcomeDropped
		}
		e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to settle completed step")
		return outcomeDropped
	}

	metrics.StepDuration.WithLabelValues(app, string(types.StepCompleted)).
		Observe(float64(entry.DurationMs) / 1000)
	e.sink.Emit(audit.Record{
		Kind:       audit.KindStepCompleted,
		InstanceID: instanceID,
		StepName:   spec.Name,
		Detail:     map[string]string{"attempt": fmt.Sprint(entry.Attempt)},
	})
	return outcomeCompleted
}

// settleFailed commits the failed row and applies the on_error policy
func (e *Executor) settleFailed(instanceID string, spec *process.StepSpec, entry *types.StepLogEntry, cause error) stepOutcome {
	e.sink.Emit(audit.Record{
		Kind:       audit.KindStepFailed,
		InstanceID: instanceID,
		StepName:   spec.Name,
		Detail:     map[string]string{"error": cause.Error(), "attempt": fmt.Sprint(entry.Attempt)},
	})

	onError := spec.OnError
	switch onError {
	case types.OnErrorFail, types.OnErrorSkip, types.OnErrorContinue:
	default:
		onError = types.OnErrorFail
	}

	// Fire-and-forget failures never touch the instance outcome.
	if spec.FireAndForget || onError != types.OnErrorFail {
		if err := e.store.PutStepLog(entry); err != nil {
			e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to record failed step")
		}
		return outcomeFailed
	}

	var app string
	err := e.store.MutateInstance(instanceID, entry, func(inst *types.ProcessInstance) error {
		app = inst.AppName
		now := e.clock.Now()
		inst.Status = types.InstanceFailed
		inst.CompletedAt = &now
		inst.ErrorInfo = &types.ErrorInfo{
			Error:      cause.Error(),
			Type:       types.ErrorKind(cause),
			FailedStep: spec.Name,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrTerminalInstance) {
			e.recordInterrupted(instanceID, spec, entry.IsParallel)
			return outcomeDropped
		}
		e.logger.Error().Err(err).Str("step", spec.Name).Msg("failed to settle failed step")
		return outcomeDropped
	}

	metrics.InstancesRunning.Dec()
	metrics.InstancesCompleted.WithLabelValues(app, string(types.InstanceFailed)).Inc()
	e.sink.Emit(audit.Record{
		Kind:       audit.KindInstanceFailed,
		InstanceID: instanceID,
		StepName:   spec.Name,
		Detail:     map[string]string{"error": cause.Error()},
	})
	e.logger.Error().
		Str("instance_id", instanceID).
		Str("step", spec.Name).
		Str("error", cause.Error()).
		Msg("instance failed")
	return outcomeStop
}

// completeInstance marks the instance completed, projecting output-visible
// variables into the instance outputs.
func (e *Executor) completeInstance(instanceID string) {
	var app string
	err := e.store.MutateInstance(instanceID, nil, func(inst *types.ProcessInstance) error {
		if inst.Status != types.InstanceRunning {
			return store.ErrTerminalInstance
		}
		app = inst.AppName
		now := e.clock.Now()
		inst.Status = types.InstanceCompleted
		inst.CompletedAt = &now
		outputs := types.Document{}
		for k, vis := range inst.VariableVisibility {
			if vis == types.VisibilityOutput {
				outputs[k] = inst.Variables[k]
			}
		}
		inst.Outputs = outputs
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrTerminalInstance) {
			e.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to complete instance")
		}
		return
	}

	metrics.InstancesRunning.Dec()
	metrics.InstancesCompleted.WithLabelValues(app, string(types.InstanceCompleted)).Inc()
	e.sink.Emit(audit.Record{Kind: audit.KindInstanceCompleted, InstanceID: instanceID})
	e.logger.Info().Str("instance_id", instanceID).Msg("instance completed")
}

// failInstance marks the instance failed outside the step path (definition
// no longer parses, registry changed under a live instance).
func (e *Executor) failInstance(instanceID, stepName string, cause error) {
	err := e.store.MutateInstance(instanceID, nil, func(inst *types.ProcessInstance) error {
		now := e.clock.Now()
		inst.Status = types.InstanceFailed
		inst.CompletedAt = &now
		inst.ErrorInfo = &types.ErrorInfo{
			Error:      cause.Error(),
			Type:       types.ErrorKind(cause),
			FailedStep: stepName,
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminalInstance) {
		e.logger.Error().Err(err).Str("instance_id", instanceID).Msg("failed to fail instance")
		return
	}
	metrics.InstancesRunning.Dec()
	e.sink.Emit(audit.Record{
		Kind:       audit.KindInstanceFailed,
		InstanceID: instanceID,
		Detail:     map[string]string{"error": cause.Error()},
	})
}

// qualifyRuleRef prefixes an unqualified rule name with the owning app's
// rules namespace.
func qualifyRuleRef(ruleRef, processRef string) string {
	if strings.Contains(ruleRef, ".") {
		return ruleRef
	}
	app := types.AppOf(processRef)
	if app == "" {
		return ruleRef
	}
	return app + ".rules." + ruleRef
}

// bindInputs builds the rule input document: the named variables when a
// mapping is present (falling back to the start inputs for names not yet
// bound), otherwise the whole instance inputs.
func (e *Executor) bindInputs(spec *process.StepSpec, inst *types.ProcessInstance) types.Document {
	if len(spec.InputMapping) == 0 {
		return inst.Inputs
	}
	bound := types.Document{}
	for param, varName := range spec.InputMapping {
		if v, ok := inst.Variables[varName]; ok {
			bound[param] = v
			continue
		}
		bound[param] = inst.Inputs[varName]
	}
	return bound
}

// retryable reports whether a step failure participates in the retry loop.
// Security, validation and dispatch failures are permanent; transient and
// unclassified rule errors retry up to the step's retry_count.
func retryable(err error) bool {
	var (
		se *types.SecurityError
		ve *types.ValidationError
		de *types.DispatchError
	)
	if errors.As(err, &se) || errors.As(err, &ve) || errors.As(err, &de) {
		return false
	}
	return true
}

// stepError converts a rule failure into the step-log error record, carrying
// the stack when the failure came from a panic.
func stepError(err error) *types.ErrorInfo {
	info := &types.ErrorInfo{
		Error: err.Error(),
		Type:  types.ErrorKind(err),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		info.Trace = pe.stack
	}
	return info
}

// panicError carries the stack of a panicking rule
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("rule panicked: %v", p.value)
}

// invokeRule resolves and calls a rule through the policy oracle. Panics are
// contained and surfaced as step failures.
func (e *Executor) invokeRule(ctx context.Context, ruleRef string, inputs types.Document, principal string) (result types.Document, err error) {
	entry, ok := e.registry.Resolve(ruleRef)
	if !ok {
		return nil, &types.DispatchError{Reason: types.ReasonUnknownRef, Ref: ruleRef}
	}
	if entry.Type != registry.TypeRule {
		return nil, &types.DispatchError{
			Reason: types.ReasonWrongType,
			Ref:    ruleRef,
			Detail: fmt.Sprintf("expected rule, got %s", entry.Type),
		}
	}

	if decision := e.oracle.Check(principal, ruleRef, "execute"); !decision.Allowed {
		return nil, &types.SecurityError{Reason: types.ReasonPermissionDenied, Detail: decision.Reason}
	}

	var fn registry.RuleFunc
	switch h := entry.Handler.(type) {
	case registry.RuleFunc:
		fn = h
	case func(context.Context, types.Document) (types.Document, error):
		fn = h
	default:
		return nil, &types.DispatchError{Reason: types.ReasonBadShape, Ref: ruleRef, Detail: "rule handler has an unsupported shape"}
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(ctx, inputs)
}
