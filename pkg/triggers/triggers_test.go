package triggers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appos-io/appos/pkg/types"
)

func TestEventRegistryDeduplicates(t *testing.T) {
	r := NewEventRegistry()

	r.Register("customer.created", "crm.processes.onboard", nil)
	r.Register("customer.created", "crm.processes.onboard", nil)
	r.Register("customer.created", "billing.processes.provision", nil)

	trigs := r.GetTriggers("customer.created")
	require.Len(t, trigs, 2)
	assert.Equal(t, "crm.processes.onboard", trigs[0].ProcessRef)
	assert.Equal(t, "billing.processes.provision", trigs[1].ProcessRef)
}

func TestEventRegistryPreservesOrder(t *testing.T) {
	r := NewEventRegistry()

	refs := []string{"a.processes.p1", "b.processes.p2", "c.processes.p3"}
	for _, ref := range refs {
		r.Register("order.placed", ref, nil)
	}

	trigs := r.GetTriggers("order.placed")
	require.Len(t, trigs, 3)
	for i, ref := range refs {
		assert.Equal(t, ref, trigs[i].ProcessRef)
	}
}

func TestEventRegistryUnregister(t *testing.T) {
	r := NewEventRegistry()
	r.Register("order.placed", "a.processes.p1", nil)
	r.Register("order.placed", "b.processes.p2", nil)

	r.Unregister("order.placed", "a.processes.p1")

	trigs := r.GetTriggers("order.placed")
	require.Len(t, trigs, 1)
	assert.Equal(t, "b.processes.p2", trigs[0].ProcessRef)

	// Unregistering an absent pair is a no-op.
	r.Unregister("order.placed", "never.registered.p")
	assert.Len(t, r.GetTriggers("order.placed"), 1)
}

func TestEventRegistryUnknownEvent(t *testing.T) {
	r := NewEventRegistry()
	assert.Empty(t, r.GetTriggers("nobody.listens"))
}

func TestScheduleRegistryRegister(t *testing.T) {
	r := NewScheduleRegistry()

	require.NoError(t, r.Register("crm.processes.digest", "0 9 * * 1-5", "America/New_York"))
	require.NoError(t, r.Register("crm.processes.digest", "0 18 * * *", ""))

	scheds := r.Schedules()
	require.Len(t, scheds, 2)
	assert.True(t, scheds[0].Enabled)
	assert.Equal(t, "America/New_York", scheds[0].TimeZone)
	assert.NotNil(t, scheds[0].Cron)
	assert.Equal(t, "UTC", scheds[1].Location.String())
}

func TestScheduleRegistryValidation(t *testing.T) {
	r := NewScheduleRegistry()

	tests := []struct {
		name string
		expr string
		tz   string
	}{
		{"bad cron", "not a cron", "UTC"},
		{"six fields", "0 0 * * * *", "UTC"},
		{"bad time zone", "0 9 * * *", "Mars/Olympus_Mons"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register("crm.processes.digest", tt.expr, tt.tz)
			require.Error(t, err)
			var ve *types.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
	assert.Empty(t, r.Schedules())
}

func TestScheduleRegistrySetEnabled(t *testing.T) {
	r := NewScheduleRegistry()
	require.NoError(t, r.Register("crm.processes.digest", "0 9 * * *", ""))
	require.NoError(t, r.Register("crm.processes.digest", "0 18 * * *", ""))
	require.NoError(t, r.Register("billing.processes.invoice", "0 0 1 * *", ""))

	n := r.SetEnabled("crm.processes.digest", false)
	assert.Equal(t, 2, n)

	for _, s := range r.Schedules() {
		if s.ProcessRef == "crm.processes.digest" {
			assert.False(t, s.Enabled)
		} else {
			assert.True(t, s.Enabled)
		}
	}
}

func TestScheduleRegistryUnregister(t *testing.T) {
	r := NewScheduleRegistry()
	require.NoError(t, r.Register("crm.processes.digest", "0 9 * * *", ""))
	require.NoError(t, r.Register("crm.processes.digest", "0 18 * * *", ""))
	require.NoError(t, r.Register("billing.processes.invoice", "0 0 1 * *", ""))

	r.Unregister("crm.processes.digest")

	scheds := r.Schedules()
	require.Len(t, scheds, 1)
	assert.Equal(t, "billing.processes.invoice", scheds[0].ProcessRef)
}
