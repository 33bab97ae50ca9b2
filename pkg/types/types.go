package types

import (
	"time"
)

// Document is the schemaless value that crosses the rule boundary. Values are
// restricted to the JSON shapes: nil, bool, float64, string, []any and
// map[string]any.
type Document = map[string]any

// InstanceStatus represents the lifecycle state of a process instance
type InstanceStatus string

const (
	InstancePending     InstanceStatus = "pending"
	InstanceRunning     InstanceStatus = "running"
	InstancePaused      InstanceStatus = "paused"
	InstanceCompleted   InstanceStatus = "completed"
	InstanceFailed      InstanceStatus = "failed"
	InstanceCancelled   InstanceStatus = "cancelled"
	InstanceInterrupted InstanceStatus = "interrupted"
)

// Valid reports whether s is one of the known instance statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstancePending, InstanceRunning, InstancePaused, InstanceCompleted,
		InstanceFailed, InstanceCancelled, InstanceInterrupted:
		return true
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// StepStatus represents the state of one step attempt
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepAsyncDispatched StepStatus = "async_dispatched"
	StepInterrupted     StepStatus = "interrupted"
)

// Settled reports whether the status is a final outcome for an attempt.
// Settled rows are the ones guarded by the (instance, step, attempt)
// idempotency key.
func (s StepStatus) Settled() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepInterrupted:
		return true
	}
	return false
}

// OnError selects the resume strategy after a step exhausts its retries
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorSkip     OnError = "skip"
	OnErrorContinue OnError = "continue"
)

// Visibility tags a process variable for output exposure
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityOutput   Visibility = "output"
)

// ErrorInfo captures a terminal failure on an instance or a step attempt
type ErrorInfo struct {
	Error      string `json:"error"`
	Type       string `json:"type"`
	FailedStep string `json:"failed_step,omitempty"`
	Trace      string `json:"trace,omitempty"`
}

// ProcessInstance is one live or finished execution of a process. Created by
// the executor at start; mutated only by the executor or a cancel admin
// action; never deleted.
type ProcessInstance struct {
	InstanceID         string                `json:"instance_id"`
	ProcessRef         string                `json:"process_ref"`
	AppName            string                `json:"app_name"`
	DisplayName        string                `json:"display_name"`
	Status             InstanceStatus        `json:"status"`
	CurrentStep        string                `json:"current_step,omitempty"`
	Inputs             Document              `json:"inputs"`
	Variables          Document              `json:"variables"`
	VariableVisibility map[string]Visibility `json:"variable_visibility"`
	Outputs            Document              `json:"outputs"`
	ErrorInfo          *ErrorInfo            `json:"error_info,omitempty"`
	StartedAt          time.Time             `json:"started_at"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty"`
	StartedBy          string                `json:"started_by"`
	TriggeredBy        string                `json:"triggered_by,omitempty"`
}

// StepLogEntry is one row of the append-only step history of an instance.
// Within an instance the pair (StepName, Attempt) is unique once settled.
type StepLogEntry struct {
	InstanceID      string     `json:"instance_id"`
	StepName        string     `json:"step_name"`
	RuleRef         string     `json:"rule_ref"`
	Status          StepStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
	Inputs          Document   `json:"inputs,omitempty"`
	Outputs         Document   `json:"outputs,omitempty"`
	ErrorInfo       *ErrorInfo `json:"error_info,omitempty"`
	Attempt         int        `json:"attempt"`
	IsParallel      bool       `json:"is_parallel"`
	IsFireAndForget bool       `json:"is_fire_and_forget"`
}

// ConnectedSystem is a named external endpoint with stored credentials.
// CredentialsEncrypted holds the opaque authenticated-encryption ciphertext;
// nothing else in the row is touched by the credential manager.
type ConnectedSystem struct {
	Name                 string            `json:"name"`
	SystemType           string            `json:"system_type,omitempty"`
	BaseURL              string            `json:"base_url,omitempty"`
	AuthConfig           map[string]string `json:"auth_config,omitempty"`
	CredentialsEncrypted []byte            `json:"credentials_encrypted,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// InstanceDescriptor is the start-time view of an instance returned to callers
type InstanceDescriptor struct {
	InstanceID string         `json:"instance_id"`
	ProcessRef string         `json:"process_ref"`
	Status     InstanceStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
}

// Descriptor returns the caller-facing view of the instance.
func (p *ProcessInstance) Descriptor() InstanceDescriptor {
	return InstanceDescriptor{
		InstanceID: p.InstanceID,
		ProcessRef: p.ProcessRef,
		Status:     p.Status,
		StartedAt:  p.StartedAt,
	}
}

// AppOf returns the application segment of a dotted reference, e.g.
// "crm" for "crm.processes.onboard_customer". Returns "" for unqualified refs.
func AppOf(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i]
		}
	}
	return ""
}
