package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appos-io/appos/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newRunningInstance(id string) *types.ProcessInstance {
	return &types.ProcessInstance{
		InstanceID: id,
		ProcessRef: "crm.processes.onboard_customer",
		AppName:    "crm",
		Status:     types.InstanceRunning,
		Inputs:     types.Document{"customer_id": "c-1"},
		Variables:  types.Document{},
		StartedAt:  time.Now().UTC(),
		StartedBy:  "user-1",
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	st := newTestStore(t)

	inst := newRunningInstance("proc_aaa111bbb222")
	require.NoError(t, st.CreateInstance(inst))

	got, err := st.GetInstance(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, got.InstanceID)
	assert.Equal(t, inst.ProcessRef, got.ProcessRef)
	assert.Equal(t, types.InstanceRunning, got.Status)
	assert.Equal(t, "c-1", got.Inputs["customer_id"])
}

func TestGetInstanceNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetInstance("proc_missing0000")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestCreateInstanceDuplicate(t *testing.T) {
	st := newTestStore(t)

	inst := newRunningInstance("proc_dup00000000")
	require.NoError(t, st.CreateInstance(inst))
	assert.Error(t, st.CreateInstance(inst))
}

func TestTerminalStatusIsFinal(t *testing.T) {
	tests := []struct {
		name     string
		terminal types.InstanceStatus
	}{
		{"completed", types.InstanceCompleted},
		{"failed", types.InstanceFailed},
		{"cancelled", types.InstanceCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			inst := newRunningInstance("proc_term0000000")
			require.NoError(t, st.CreateInstance(inst))

			inst.Status = tt.terminal
			require.NoError(t, st.UpdateInstance(inst))

			inst.Status = types.InstanceRunning
			err := st.UpdateInstance(inst)
			assert.ErrorIs(t, err, ErrTerminalInstance)

			got, err := st.GetInstance(inst.InstanceID)
			require.NoError(t, err)
			assert.Equal(t, tt.terminal, got.Status)
		})
	}
}

func TestMutateInstanceRejectsTerminalTransition(t *testing.T) {
	st := newTestStore(t)
	inst := newRunningInstance("proc_mut00000000")
	require.NoError(t, st.CreateInstance(inst))

	inst.Status = types.InstanceCompleted
	require.NoError(t, st.UpdateInstance(inst))

	err := st.MutateInstance(inst.InstanceID, nil, func(i *types.ProcessInstance) error {
		i.Status = types.InstanceFailed
		return nil
	})
	assert.ErrorIs(t, err, ErrTerminalInstance)
}

func TestMutateInstanceAppliesVariables(t *testing.T) {
	st := newTestStore(t)
	inst := newRunningInstance("proc_var00000000")
	require.NoError(t, st.CreateInstance(inst))

	err := st.MutateInstance(inst.InstanceID, nil, func(i *types.ProcessInstance) error {
		i.Variables["score"] = float64(42)
		return nil
	})
	require.NoError(t, err)

	got, err := st.GetInstance(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, float64(42), got.Variables["score"])
}

func TestInstanceMapFieldsSurviveReload(t *testing.T) {
	st := newTestStore(t)
	inst := newRunningInstance("proc_maps0000000")
	inst.Variables = nil
	inst.VariableVisibility = nil
	require.NoError(t, st.CreateInstance(inst))

	// Mutators write into the maps without nil checks; a reload must never
	// hand them back nil.
	got, err := st.GetInstance(inst.InstanceID)
	require.NoError(t, err)
	require.NotNil(t, got.Variables)
	require.NotNil(t, got.VariableVisibility)

	err = st.MutateInstance(inst.InstanceID, nil, func(i *types.ProcessInstance) error {
		i.Variables["score"] = float64(1)
		i.VariableVisibility["score"] = types.VisibilityOutput
		return nil
	})
	require.NoError(t, err)
}

func TestListInstancesFilters(t *testing.T) {
	st := newTestStore(t)

	a := newRunningInstance("proc_a0000000001")
	a.AppName = "crm"
	b := newRunningInstance("proc_b0000000002")
	b.AppName = "billing"
	c := newRunningInstance("proc_c0000000003")
	c.AppName = "crm"
	c.Status = types.InstanceCompleted
	for _, inst := range []*types.ProcessInstance{a, b, c} {
		require.NoError(t, st.CreateInstance(inst))
	}

	all, err := st.ListInstances("", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	crm, err := st.ListInstances("crm", "")
	require.NoError(t, err)
	assert.Len(t, crm, 2)

	running, err := st.ListInstances("crm", types.InstanceRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.InstanceID, running[0].InstanceID)
}

func TestStepLogHistoryOrder(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	for _, name := range []string{"validate", "enrich", "notify"} {
		require.NoError(t, st.PutStepLog(&types.StepLogEntry{
			InstanceID: "proc_hist0000000",
			StepName:   name,
			Status:     types.StepCompleted,
			StartedAt:  now,
			Attempt:    1,
		}))
	}

	history, err := st.GetStepHistory("proc_hist0000000")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "validate", history[0].StepName)
	assert.Equal(t, "enrich", history[1].StepName)
	assert.Equal(t, "notify", history[2].StepName)
}

func TestStepLogSettledRowIsImmutable(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	entry := &types.StepLogEntry{
		InstanceID: "proc_idem0000000",
		StepName:   "charge_card",
		Status:     types.StepCompleted,
		StartedAt:  now,
		Attempt:    1,
		Outputs:    types.Document{"charge_id": "ch-1"},
	}
	require.NoError(t, st.PutStepLog(entry))

	// A redelivered task writes the same (step, attempt) again; the settled
	// row must win.
	replay := *entry
	replay.Status = types.StepFailed
	replay.Outputs = nil
	require.NoError(t, st.PutStepLog(&replay))

	history, err := st.GetStepHistory("proc_idem0000000")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.StepCompleted, history[0].Status)
	assert.Equal(t, "ch-1", history[0].Outputs["charge_id"])
}

func TestStepLogRunningRowIsOverwritable(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	running := &types.StepLogEntry{
		InstanceID: "proc_run00000000",
		StepName:   "validate",
		Status:     types.StepRunning,
		StartedAt:  now,
		Attempt:    1,
	}
	require.NoError(t, st.PutStepLog(running))

	settled := *running
	settled.Status = types.StepCompleted
	require.NoError(t, st.PutStepLog(&settled))

	history, err := st.GetStepHistory("proc_run00000000")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.StepCompleted, history[0].Status)
}

func TestStepLogAttemptsAreSeparateRows(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	for attempt := 1; attempt <= 3; attempt++ {
		status := types.StepFailed
		if attempt == 3 {
			status = types.StepCompleted
		}
		require.NoError(t, st.PutStepLog(&types.StepLogEntry{
			InstanceID: "proc_att00000000",
			StepName:   "flaky_call",
			Status:     status,
			StartedAt:  now,
			Attempt:    attempt,
		}))
	}

	history, err := st.GetStepHistory("proc_att00000000")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, types.StepFailed, history[0].Status)
	assert.Equal(t, 3, history[2].Attempt)
	assert.Equal(t, types.StepCompleted, history[2].Status)
}

func TestCancelInstance(t *testing.T) {
	st := newTestStore(t)
	inst := newRunningInstance("proc_can00000000")
	require.NoError(t, st.CreateInstance(inst))
	require.NoError(t, st.PutStepLog(&types.StepLogEntry{
		InstanceID: inst.InstanceID,
		StepName:   "long_call",
		Status:     types.StepRunning,
		StartedAt:  time.Now().UTC(),
		Attempt:    1,
	}))
	require.NoError(t, st.PutStepLog(&types.StepLogEntry{
		InstanceID: inst.InstanceID,
		StepName:   "done_call",
		Status:     types.StepCompleted,
		StartedAt:  time.Now().UTC(),
		Attempt:    1,
	}))

	cancelled, err := st.CancelInstance(inst.InstanceID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	got, err := st.GetInstance(inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	history, err := st.GetStepHistory(inst.InstanceID)
	require.NoError(t, err)
	byName := map[string]types.StepStatus{}
	for _, e := range history {
		byName[e.StepName] = e.Status
	}
	assert.Equal(t, types.StepInterrupted, byName["long_call"])
	assert.Equal(t, types.StepCompleted, byName["done_call"])

	// Second cancel is a no-op.
	cancelled, err = st.CancelInstance(inst.InstanceID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestArriveBarrier(t *testing.T) {
	st := newTestStore(t)

	done, err := st.ArriveBarrier("proc_bar00000000", 2, 0, 3)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = st.ArriveBarrier("proc_bar00000000", 2, 1, 3)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = st.ArriveBarrier("proc_bar00000000", 2, 2, 3)
	require.NoError(t, err)
	assert.True(t, done)

	// A duplicate arrival after completion must not re-trigger.
	done, err = st.ArriveBarrier("proc_bar00000000", 2, 2, 3)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestArriveBarrierDuplicateMemberIsNoOp(t *testing.T) {
	st := newTestStore(t)

	// Redelivered member tasks arrive more than once; repeats of the same
	// member must never count towards the barrier.
	for i := 0; i < 5; i++ {
		done, err := st.ArriveBarrier("proc_bar22222222", 0, 1, 2)
		require.NoError(t, err)
		assert.False(t, done)
	}

	done, err := st.ArriveBarrier("proc_bar22222222", 0, 0, 2)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestBarriersAreIndependentPerGroup(t *testing.T) {
	st := newTestStore(t)

	done, err := st.ArriveBarrier("proc_bar11111111", 0, 0, 1)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = st.ArriveBarrier("proc_bar11111111", 1, 0, 2)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMarkCronFire(t *testing.T) {
	st := newTestStore(t)
	minute := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	first, err := st.MarkCronFire("crm.processes.daily_digest", minute)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = st.MarkCronFire("crm.processes.daily_digest", minute)
	require.NoError(t, err)
	assert.False(t, first)

	// Same minute with sub-minute noise maps to the same mark.
	first, err = st.MarkCronFire("crm.processes.daily_digest", minute.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, first)

	// Another process or another minute is a fresh mark.
	first, err = st.MarkCronFire("billing.processes.daily_digest", minute)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = st.MarkCronFire("crm.processes.daily_digest", minute.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, first)
}

func TestPruneCronMarks(t *testing.T) {
	st := newTestStore(t)
	old := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)

	_, err := st.MarkCronFire("crm.processes.daily_digest", old)
	require.NoError(t, err)
	_, err = st.MarkCronFire("crm.processes.daily_digest", recent)
	require.NoError(t, err)

	require.NoError(t, st.PruneCronMarks(recent.Add(-time.Hour)))

	first, err := st.MarkCronFire("crm.processes.daily_digest", old)
	require.NoError(t, err)
	assert.True(t, first, "pruned mark should be claimable again")

	first, err = st.MarkCronFire("crm.processes.daily_digest", recent)
	require.NoError(t, err)
	assert.False(t, first, "recent mark should survive the prune")
}

func TestConnectedSystemCredentialCiphertext(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, st.CreateConnectedSystem(&types.ConnectedSystem{
		Name:      "stripe",
		BaseURL:   "https://api.stripe.com",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	has, err := st.HasCredentials("stripe")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, st.SetCredentialCiphertext("stripe", []byte{0x01, 0x02, 0x03}))

	has, err = st.HasCredentials("stripe")
	require.NoError(t, err)
	assert.True(t, has)

	ct, err := st.GetCredentialCiphertext("stripe")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, ct)

	require.NoError(t, st.DeleteCredentialCiphertext("stripe"))
	has, err = st.HasCredentials("stripe")
	require.NoError(t, err)
	assert.False(t, has)

	// The system row survives credential deletion.
	sys, err := st.GetConnectedSystem("stripe")
	require.NoError(t, err)
	assert.Equal(t, "https://api.stripe.com", sys.BaseURL)

	err = st.SetCredentialCiphertext("unknown-system", []byte{0x01})
	assert.True(t, types.IsNotFound(err))
}

func TestReplaceAllCredentialCiphertexts(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	for _, name := range []string{"stripe", "salesforce"} {
		require.NoError(t, st.CreateConnectedSystem(&types.ConnectedSystem{
			Name: name, CreatedAt: now, UpdatedAt: now,
		}))
		require.NoError(t, st.SetCredentialCiphertext(name, []byte("old-"+name)))
	}

	require.NoError(t, st.ReplaceAllCredentialCiphertexts(map[string][]byte{
		"stripe":     []byte("new-stripe"),
		"salesforce": []byte("new-salesforce"),
	}))

	all, err := st.AllCredentialCiphertexts()
	require.NoError(t, err)
	assert.Equal(t, []byte("new-stripe"), all["stripe"])
	assert.Equal(t, []byte("new-salesforce"), all["salesforce"])

	// A missing row aborts the whole replacement.
	err = st.ReplaceAllCredentialCiphertexts(map[string][]byte{
		"stripe":  []byte("x"),
		"unknown": []byte("y"),
	})
	assert.True(t, types.IsNotFound(err))
}
