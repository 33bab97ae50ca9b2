package types

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", NewValidationError("field", "bad"), "validation"},
		{"security", &SecurityError{Reason: ReasonAuthTagMismatch}, "security"},
		{"dispatch", &DispatchError{Reason: ReasonUnknownRef}, "dispatch"},
		{"transient", Transient(fmt.Errorf("timeout")), "transient"},
		{"not found", &NotFoundError{Kind: "instance", Name: "x"}, "not_found"},
		{"plain", fmt.Errorf("something"), "error"},
		{"wrapped security", fmt.Errorf("outer: %w", &SecurityError{Reason: ReasonCorruptPayload}), "security"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient(nil))

	err := Transient(fmt.Errorf("deadlock"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTransient(fmt.Errorf("plain")))
	assert.Contains(t, err.Error(), "deadlock")
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, InstanceCompleted.IsTerminal())
	assert.True(t, InstanceFailed.IsTerminal())
	assert.True(t, InstanceCancelled.IsTerminal())
	assert.False(t, InstanceRunning.IsTerminal())
	assert.False(t, InstancePaused.IsTerminal())
	assert.False(t, InstanceInterrupted.IsTerminal())

	assert.False(t, InstanceStatus("bogus").Valid())
	assert.True(t, InstanceRunning.Valid())

	assert.True(t, StepCompleted.Settled())
	assert.True(t, StepInterrupted.Settled())
	assert.False(t, StepRunning.Settled())
	assert.False(t, StepAsyncDispatched.Settled())
}

func TestAppOf(t *testing.T) {
	assert.Equal(t, "crm", AppOf("crm.processes.onboard_customer"))
	assert.Equal(t, "billing", AppOf("billing.rules.compute_tax"))
	assert.Equal(t, "", AppOf("unqualified"))
}
