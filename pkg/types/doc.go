/*
Package types defines the shared value types for the AppOS process engine.

All durable records (ProcessInstance, StepLogEntry, ConnectedSystem) and the
status/error vocabulary live here so that store, executor, scheduler and
credential packages agree on one set of shapes without import cycles.

# Core Types

ProcessInstance:
  - One live or finished execution of a process
  - Status: pending, running, paused, completed, failed, cancelled, interrupted
  - Terminal states: completed, failed, cancelled (never left once entered)
  - Owns the mutable variable scope and the immutable start inputs

StepLogEntry:
  - Append-only history row, one per step attempt
  - (instance_id, step_name, attempt) is the natural idempotency key
  - Inputs/outputs presence controlled by per-step log flags

Document:
  - Schemaless map crossing the rule boundary (JSON value shapes only)

Error kinds:
  - ValidationError: rejected at the caller, synchronously
  - SecurityError: integrity/permission failures, never retried
  - DispatchError: unknown ref, wrong type, bad result shape
  - TransientError: retryable; everything unwrapped is permanent
*/
package types
