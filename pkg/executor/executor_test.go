package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appos-io/appos/pkg/audit"
	"github.com/appos-io/appos/pkg/log"
	"github.com/appos-io/appos/pkg/policy"
	"github.com/appos-io/appos/pkg/process"
	"github.com/appos-io/appos/pkg/queue"
	"github.com/appos-io/appos/pkg/registry"
	"github.com/appos-io/appos/pkg/store"
	"github.com/appos-io/appos/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeClock advances a millisecond per reading and records sleeps instead of
// blocking
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

func (c *fakeClock) sleptTotal() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total time.Duration
	for _, d := range c.sleeps {
		total += d
	}
	return total
}

type recordingSink struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingSink) Emit(rec audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Kind, len(s.records))
	for i, r := range s.records {
		out[i] = r.Kind
	}
	return out
}

type testRig struct {
	exec  *Executor
	store store.Store
	reg   *registry.MemoryRegistry
	clock *fakeClock
	sink  *recordingSink
	queue *queue.MemoryQueue
}

// newTestRig wires an executor over a real store. withQueue adds a running
// worker pool for asynchronous scenarios; without it, starts run in the
// caller's goroutine.
func newTestRig(t *testing.T, withQueue bool) *testRig {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rig := &testRig{
		store: st,
		reg:   registry.NewMemoryRegistry(),
		clock: newFakeClock(),
		sink:  &recordingSink{},
	}
	cfg := Config{
		Store:    st,
		Registry: rig.reg,
		Sink:     rig.sink,
		Clock:    rig.clock,
	}
	if withQueue {
		rig.queue = queue.NewMemoryQueue(queue.MemoryQueueConfig{Workers: 4})
		cfg.Queue = rig.queue
	}
	rig.exec = New(cfg)
	if withQueue {
		rig.queue.Start(context.Background())
		t.Cleanup(rig.queue.Stop)
	}
	return rig
}

func (r *testRig) start(t *testing.T, ref string, inputs types.Document) *types.InstanceDescriptor {
	t.Helper()
	desc, err := r.exec.StartProcess(context.Background(), ref, inputs, "user-1", false)
	require.NoError(t, err)
	return desc
}

func (r *testRig) instance(t *testing.T, id string) *types.ProcessInstance {
	t.Helper()
	inst, err := r.exec.GetInstance(id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func (r *testRig) waitTerminal(t *testing.T, id string) *types.ProcessInstance {
	t.Helper()
	var inst *types.ProcessInstance
	require.Eventually(t, func() bool {
		var err error
		inst, err = r.exec.GetInstance(id)
		return err == nil && inst != nil && inst.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return inst
}

func TestLinearProcessHappyPath(t *testing.T) {
	rig := newTestRig(t, false)

	rig.reg.RegisterRule("crm.rules.validate_customer", func(ctx context.Context, in types.Document) (types.Document, error) {
		assert.Equal(t, "c-1", in["customer_id"])
		return types.Document{"valid": true}, nil
	})
	rig.reg.RegisterRule("crm.rules.create_account", func(ctx context.Context, in types.Document) (types.Document, error) {
		return types.Document{"account_id": "acc-42"}, nil
	})
	rig.reg.RegisterProcess("crm.processes.onboard_customer", func() *process.Definition {
		return process.New("crm.processes.onboard_customer").
			Named("Onboard Customer").
			Then(process.Step("validate", "validate_customer",
				process.WithOutput(map[string]string{"valid": "customer_valid"}))).
			Then(process.Step("create_account", "crm.rules.create_account",
				process.WithOutput(map[string]string{"account_id": "account_id"})))
	})

	desc := rig.start(t, "crm.processes.onboard_customer", types.Document{"customer_id": "c-1"})
	assert.Contains(t, desc.InstanceID, "proc_")

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, "crm", inst.AppName)
	assert.Equal(t, "user-1", inst.StartedBy)
	assert.Equal(t, "manual", inst.TriggeredBy)
	assert.Equal(t, true, inst.Variables["customer_valid"])
	assert.Equal(t, "acc-42", inst.Outputs["account_id"])
	require.NotNil(t, inst.CompletedAt)

	history, err := rig.exec.GetStepHistory(desc.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "validate", history[0].StepName)
	assert.Equal(t, types.StepCompleted, history[0].Status)
	assert.Equal(t, "crm.rules.validate_customer", history[0].RuleRef, "unqualified rule name resolves against the app")
	assert.Equal(t, "create_account", history[1].StepName)
	assert.Equal(t, 1, history[1].Attempt)

	kinds := rig.sink.kinds()
	assert.Equal(t, audit.KindInstanceStarted, kinds[0])
	assert.Equal(t, audit.KindInstanceCompleted, kinds[len(kinds)-1])
}

func TestRetryThenSucceed(t *testing.T) {
	rig := newTestRig(t, false)

	calls := 0
	rig.reg.RegisterRule("crm.rules.flaky_call", func(ctx context.Context, in types.Document) (types.Document, error) {
		calls++
		if calls < 3 {
			return nil, types.Transient(fmt.Errorf("downstream timeout"))
		}
		return types.Document{"ok": true}, nil
	})
	rig.reg.RegisterProcess("crm.processes.sync", func() *process.Definition {
		return process.New("crm.processes.sync").
			Then(process.Step("call", "flaky_call", process.WithRetry(3, 5)))
	})

	desc := rig.start(t, "crm.processes.sync", nil)

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 10*time.Second, rig.clock.sleptTotal(), "fixed delay between the two retries")

	history, err := rig.exec.GetStepHistory(desc.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.StepFailed, history[0].Status)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "transient", history[0].ErrorInfo.Type)
	assert.Equal(t, types.StepFailed, history[1].Status)
	assert.Equal(t, 2, history[1].Attempt)
	assert.Equal(t, types.StepCompleted, history[2].Status)
	assert.Equal(t, 3, history[2].Attempt)
}

func TestPermanentErrorsAreNeverRetried(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{"security", &types.SecurityError{Reason: types.ReasonPermissionDenied}, "security"},
		{"validation", types.NewValidationError("amount", "must be positive"), "validation"},
		{"dispatch", &types.DispatchError{Reason: types.ReasonBadShape}, "dispatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, false)

			calls := 0
			rig.reg.RegisterRule("crm.rules.guarded", func(ctx context.Context, in types.Document) (types.Document, error) {
				calls++
				return nil, tt.err
			})
			rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
				return process.New("crm.processes.p").
					Then(process.Step("guarded", "guarded", process.WithRetry(5, 1)))
			})

			desc := rig.start(t, "crm.processes.p", nil)

			inst := rig.instance(t, desc.InstanceID)
			assert.Equal(t, types.InstanceFailed, inst.Status)
			assert.Equal(t, 1, calls, "permanent failures must not retry")
			assert.Empty(t, rig.clock.sleeps)
			require.NotNil(t, inst.ErrorInfo)
			assert.Equal(t, tt.wantType, inst.ErrorInfo.Type)
			assert.Equal(t, "guarded", inst.ErrorInfo.FailedStep)
		})
	}
}

func TestRetriesExhaustedFailsInstance(t *testing.T) {
	rig := newTestRig(t, false)

	calls := 0
	rig.reg.RegisterRule("crm.rules.always_down", func(ctx context.Context, in types.Document) (types.Document, error) {
		calls++
		return nil, fmt.Errorf("connection refused")
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("call", "always_down", process.WithRetry(2, 1))).
			Then(process.Step("never_runs", "always_down"))
	})

	desc := rig.start(t, "crm.processes.p", nil)

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")

	history, err := rig.exec.GetStepHistory(desc.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, e := range history {
		assert.Equal(t, "call", e.StepName)
		assert.Equal(t, types.StepFailed, e.Status)
	}
}

func TestOnErrorSkipAndContinueProceed(t *testing.T) {
	for _, mode := range []types.OnError{types.OnErrorSkip, types.OnErrorContinue} {
		t.Run(string(mode), func(t *testing.T) {
			rig := newTestRig(t, false)

			rig.reg.RegisterRule("crm.rules.broken", func(ctx context.Context, in types.Document) (types.Document, error) {
				return nil, fmt.Errorf("broken")
			})
			rig.reg.RegisterRule("crm.rules.finish", func(ctx context.Context, in types.Document) (types.Document, error) {
				return types.Document{"done": true}, nil
			})
			rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
				return process.New("crm.processes.p").
					Then(process.Step("broken", "broken", process.WithOnError(mode))).
					Then(process.Step("finish", "finish",
						process.WithOutput(map[string]string{"done": "done"})))
			})

			desc := rig.start(t, "crm.processes.p", nil)

			inst := rig.instance(t, desc.InstanceID)
			assert.Equal(t, types.InstanceCompleted, inst.Status)
			assert.Equal(t, true, inst.Outputs["done"])
			assert.Nil(t, inst.ErrorInfo)

			history, err := rig.exec.GetStepHistory(desc.InstanceID)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, types.StepFailed, history[0].Status)
			assert.Equal(t, types.StepCompleted, history[1].Status)
		})
	}
}

func TestConditionSkipsStep(t *testing.T) {
	rig := newTestRig(t, false)

	invoked := false
	rig.reg.RegisterRule("crm.rules.premium_only", func(ctx context.Context, in types.Document) (types.Document, error) {
		invoked = true
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("premium", "premium_only",
				process.WithCondition(`tier == "premium"`)))
	})

	desc := rig.start(t, "crm.processes.p", types.Document{"tier": "basic"})

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.False(t, invoked)

	history, err := rig.exec.GetStepHistory(desc.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.StepSkipped, history[0].Status)
}

func TestMalformedConditionFailsOpen(t *testing.T) {
	rig := newTestRig(t, false)

	invoked := false
	rig.reg.RegisterRule("crm.rules.r", func(ctx context.Context, in types.Document) (types.Document, error) {
		invoked = true
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("s", "r", process.WithCondition("tier is premium")))
	})

	desc := rig.start(t, "crm.processes.p", nil)

	assert.True(t, invoked, "evaluation errors must not block the step")
	assert.Equal(t, types.InstanceCompleted, rig.instance(t, desc.InstanceID).Status)
}

func TestStartProcessDispatchErrors(t *testing.T) {
	rig := newTestRig(t, false)
	rig.reg.RegisterRule("crm.rules.not_a_process", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, nil
	})

	_, err := rig.exec.StartProcess(context.Background(), "crm.processes.unknown", nil, "user-1", false)
	var de *types.DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, types.ReasonUnknownRef, de.Reason)

	_, err = rig.exec.StartProcess(context.Background(), "crm.rules.not_a_process", nil, "user-1", false)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, types.ReasonWrongType, de.Reason)
}

func TestEmptyDefinitionCompletesImmediately(t *testing.T) {
	rig := newTestRig(t, false)
	rig.reg.RegisterProcess("crm.processes.noop", func() *process.Definition {
		return process.New("crm.processes.noop")
	})

	desc := rig.start(t, "crm.processes.noop", nil)
	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	require.NotNil(t, inst.CompletedAt)
	assert.NotNil(t, inst.Outputs)
}

func TestRulePanicIsContainedAndFailsStep(t *testing.T) {
	rig := newTestRig(t, false)

	rig.reg.RegisterRule("crm.rules.bomb", func(ctx context.Context, in types.Document) (types.Document, error) {
		panic("boom")
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").Then(process.Step("s", "bomb"))
	})

	desc := rig.start(t, "crm.processes.p", nil)

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceFailed, inst.Status)

	history, err := rig.exec.GetStepHistory(desc.InstanceID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ErrorInfo)
	assert.Contains(t, history[0].ErrorInfo.Error, "boom")
	assert.NotEmpty(t, history[0].ErrorInfo.Trace, "panics carry the stack")
}

func TestPolicyDenialIsSecurityFailure(t *testing.T) {
	rig := newTestRig(t, false)

	oracle := policy.NewDenyList()
	oracle.Block("user-1", "crm.rules.restricted", "not cleared")
	rig.exec.oracle = oracle

	rig.reg.RegisterRule("crm.rules.restricted", func(ctx context.Context, in types.Document) (types.Document, error) {
		t.Fatal("rule body must not run when denied")
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").Then(process.Step("s", "restricted"))
	})

	desc := rig.start(t, "crm.processes.p", nil)

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	require.NotNil(t, inst.ErrorInfo)
	assert.Equal(t, "security", inst.ErrorInfo.Type)
}

func TestNilResultWithOutputMappingFailsStep(t *testing.T) {
	rig := newTestRig(t, false)

	rig.reg.RegisterRule("crm.rules.silent", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("s", "silent",
				process.WithOutput(map[string]string{"result": "result"})))
	})

	desc := rig.start(t, "crm.processes.p", nil)

	inst := rig.instance(t, desc.InstanceID)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	assert.Equal(t, "dispatch", inst.ErrorInfo.Type)
}

func TestInputBinding(t *testing.T) {
	rig := newTestRig(t, false)

	var got types.Document
	rig.reg.RegisterRule("crm.rules.first", func(ctx context.Context, in types.Document) (types.Document, error) {
		return types.Document{"normalized": "NL-001"}, nil
	})
	rig.reg.RegisterRule("crm.rules.second", func(ctx context.Context, in types.Document) (types.Document, error) {
		got = in
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("first", "first",
				process.WithOutput(map[string]string{"normalized": "code"}))).
			Then(process.Step("second", "second",
				process.WithInput(map[string]string{
					"country_code": "code",
					"raw":          "customer_id",
				})))
	})

	rig.start(t, "crm.processes.p", types.Document{"customer_id": "c-7"})

	require.NotNil(t, got)
	assert.Equal(t, "NL-001", got["country_code"], "bound from the variable")
	assert.Equal(t, "c-7", got["raw"], "falls back to the start inputs")
}

func TestParallelGroupAsync(t *testing.T) {
	rig := newTestRig(t, true)

	var mu sync.Mutex
	ran := map[string]bool{}
	mark := func(name string) {
		mu.Lock()
		ran[name] = true
		mu.Unlock()
	}

	rig.reg.RegisterRule("crm.rules.score", func(ctx context.Context, in types.Document) (types.Document, error) {
		mark("score")
		return types.Document{"score": float64(80)}, nil
	})
	rig.reg.RegisterRule("crm.rules.verify", func(ctx context.Context, in types.Document) (types.Document, error) {
		mark("verify")
		return types.Document{"verified": true}, nil
	})
	rig.reg.RegisterRule("crm.rules.track", func(ctx context.Context, in types.Document) (types.Document, error) {
		mark("track")
		return nil, fmt.Errorf("analytics endpoint down")
	})
	rig.reg.RegisterRule("crm.rules.decide", func(ctx context.Context, in types.Document) (types.Document, error) {
		mark("decide")
		return types.Document{"decision": "approve"}, nil
	})
	rig.reg.RegisterProcess("crm.processes.review", func() *process.Definition {
		return process.New("crm.processes.review").
			ThenParallel(
				process.Step("score", "score",
					process.WithOutput(map[string]string{"score": "score"})),
				process.Step("verify", "verify",
					process.WithOutput(map[string]string{"verified": "verified"})),
				process.Step("track", "track",
					process.FireAndForget(), process.WithOnError(types.OnErrorContinue)),
			).
			Then(process.Step("decide", "decide",
				process.WithOutput(map[string]string{"decision": "decision"})))
	})

	desc, err := rig.exec.StartProcess(context.Background(), "crm.processes.review", nil, "user-1", true)
	require.NoError(t, err)

	inst := rig.waitTerminal(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
	assert.Equal(t, "approve", inst.Outputs["decision"])
	assert.Equal(t, float64(80), inst.Variables["score"])
	assert.Equal(t, true, inst.Variables["verified"])

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ran["score"])
	assert.True(t, ran["verify"])
	assert.True(t, ran["track"], "fire-and-forget member still runs")
	assert.True(t, ran["decide"], "fan-in proceeds despite the fire-and-forget failure")
}

func TestParallelMemberFailureFailsInstance(t *testing.T) {
	rig := newTestRig(t, true)

	rig.reg.RegisterRule("crm.rules.ok", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, nil
	})
	rig.reg.RegisterRule("crm.rules.fatal", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, &types.SecurityError{Reason: types.ReasonPermissionDenied}
	})
	decided := false
	rig.reg.RegisterRule("crm.rules.decide", func(ctx context.Context, in types.Document) (types.Document, error) {
		decided = true
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			ThenParallel(
				process.Step("ok", "ok"),
				process.Step("fatal", "fatal"),
			).
			Then(process.Step("decide", "decide"))
	})

	desc, err := rig.exec.StartProcess(context.Background(), "crm.processes.p", nil, "user-1", true)
	require.NoError(t, err)

	inst := rig.waitTerminal(t, desc.InstanceID)
	assert.Equal(t, types.InstanceFailed, inst.Status)
	require.NotNil(t, inst.ErrorInfo)
	assert.Equal(t, "fatal", inst.ErrorInfo.FailedStep)
	assert.False(t, decided, "the step after a failed group never runs")
}

func TestRedeliveredParallelMemberDoesNotReleaseBarrier(t *testing.T) {
	rig := newTestRig(t, true)

	release := make(chan struct{})
	rig.reg.RegisterRule("crm.rules.fast", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, nil
	})
	rig.reg.RegisterRule("crm.rules.slow", func(ctx context.Context, in types.Document) (types.Document, error) {
		<-release
		return nil, nil
	})
	decided := make(chan struct{}, 1)
	rig.reg.RegisterRule("crm.rules.decide", func(ctx context.Context, in types.Document) (types.Document, error) {
		decided <- struct{}{}
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			ThenParallel(
				process.Step("fast", "fast"),
				process.Step("slow", "slow"),
			).
			Then(process.Step("decide", "decide"))
	})

	desc, err := rig.exec.StartProcess(context.Background(), "crm.processes.p", nil, "user-1", true)
	require.NoError(t, err)

	// Wait for the fast member to settle while the slow one is still blocked.
	require.Eventually(t, func() bool {
		history, err := rig.exec.GetStepHistory(desc.InstanceID)
		if err != nil {
			return false
		}
		for _, e := range history {
			if e.StepName == "fast" && e.Status == types.StepCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// At-least-once delivery replays the settled member's task.
	for i := 0; i < 3; i++ {
		require.NoError(t, rig.exec.dispatch(context.Background(), stepTask{
			InstanceID: desc.InstanceID,
			ProcessRef: "crm.processes.p",
			StepIndex:  0,
			Member:     0,
		}))
	}

	select {
	case <-decided:
		t.Fatal("step after the parallel group ran before all gating members completed")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	inst := rig.waitTerminal(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)

	select {
	case <-decided:
	case <-time.After(5 * time.Second):
		t.Fatal("barrier never released after the last member completed")
	}
}

func TestStartProcessSyncDescriptorReflectsOutcome(t *testing.T) {
	rig := newTestRig(t, false)

	rig.reg.RegisterRule("crm.rules.ok", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, nil
	})
	rig.reg.RegisterRule("crm.rules.broken", func(ctx context.Context, in types.Document) (types.Document, error) {
		return nil, fmt.Errorf("broken")
	})
	rig.reg.RegisterProcess("crm.processes.good", func() *process.Definition {
		return process.New("crm.processes.good").Then(process.Step("s", "ok"))
	})
	rig.reg.RegisterProcess("crm.processes.bad", func() *process.Definition {
		return process.New("crm.processes.bad").Then(process.Step("s", "broken"))
	})

	desc := rig.start(t, "crm.processes.good", nil)
	assert.Equal(t, types.InstanceCompleted, desc.Status)

	desc = rig.start(t, "crm.processes.bad", nil)
	assert.Equal(t, types.InstanceFailed, desc.Status)
}

func TestCancelStopsFollowingSteps(t *testing.T) {
	rig := newTestRig(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rig.reg.RegisterRule("crm.rules.gate", func(ctx context.Context, in types.Document) (types.Document, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	afterRan := false
	rig.reg.RegisterRule("crm.rules.after", func(ctx context.Context, in types.Document) (types.Document, error) {
		afterRan = true
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("gate", "gate")).
			Then(process.Step("after", "after"))
	})

	desc, err := rig.exec.StartProcess(context.Background(), "crm.processes.p", nil, "user-1", true)
	require.NoError(t, err)

	<-started
	cancelled, err := rig.exec.Cancel(desc.InstanceID)
	require.NoError(t, err)
	assert.True(t, cancelled)
	close(release)

	inst := rig.waitTerminal(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCancelled, inst.Status)

	// Give the in-flight worker a moment to observe the cancellation.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, afterRan, "steps after the cancel point must not run")

	cancelled, err = rig.exec.Cancel(desc.InstanceID)
	require.NoError(t, err)
	assert.False(t, cancelled, "second cancel is a no-op")
}

func TestPauseAndResume(t *testing.T) {
	rig := newTestRig(t, true)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rig.reg.RegisterRule("crm.rules.gate", func(ctx context.Context, in types.Document) (types.Document, error) {
		once.Do(func() { close(started) })
		<-release
		return types.Document{"passed": true}, nil
	})
	afterRan := make(chan struct{}, 1)
	rig.reg.RegisterRule("crm.rules.after", func(ctx context.Context, in types.Document) (types.Document, error) {
		afterRan <- struct{}{}
		return nil, nil
	})
	rig.reg.RegisterProcess("crm.processes.p", func() *process.Definition {
		return process.New("crm.processes.p").
			Then(process.Step("gate", "gate")).
			Then(process.Step("after", "after"))
	})

	desc, err := rig.exec.StartProcess(context.Background(), "crm.processes.p", nil, "user-1", true)
	require.NoError(t, err)

	<-started
	require.NoError(t, rig.exec.Pause(desc.InstanceID))
	close(release)

	// The in-flight step settles, but the next one is dropped at the boundary.
	select {
	case <-afterRan:
		t.Fatal("step ran while the instance was paused")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, types.InstancePaused, rig.instance(t, desc.InstanceID).Status)

	require.NoError(t, rig.exec.Resume(context.Background(), desc.InstanceID))

	select {
	case <-afterRan:
	case <-time.After(5 * time.Second):
		t.Fatal("resume never reached the following step")
	}
	inst := rig.waitTerminal(t, desc.InstanceID)
	assert.Equal(t, types.InstanceCompleted, inst.Status)
}

func TestGetInstanceUnknownReturnsNil(t *testing.T) {
	rig := newTestRig(t, false)
	inst, err := rig.exec.GetInstance("proc_000000000000")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestTriggerAttribution(t *testing.T) {
	rig := newTestRig(t, false)
	rig.reg.RegisterProcess("crm.processes.noop", func() *process.Definition {
		return process.New("crm.processes.noop")
	})

	desc := rig.start(t, "crm.processes.noop", types.Document{"trigger": "schedule"})
	assert.Equal(t, "schedule", rig.instance(t, desc.InstanceID).TriggeredBy)
}
