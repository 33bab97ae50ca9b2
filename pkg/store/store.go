package store

import (
	"errors"
	"time"

	"github.com/appos-io/appos/pkg/types"
)

// ErrTerminalInstance is returned when a write would change the status of an
// instance that already reached completed, failed or cancelled.
var ErrTerminalInstance = errors.New("instance is in a terminal state")

// Store is the durable layer under the process engine. Every method is a
// single serialisable transaction; UpdateInstanceWithStepLog commits the
// instance mutation and the step-log row together so the pair cannot diverge
// across worker crashes.
type Store interface {
	// Instances
	CreateInstance(inst *types.ProcessInstance) error
	GetInstance(id string) (*types.ProcessInstance, error)
	UpdateInstance(inst *types.ProcessInstance) error
	ListInstances(appName string, status types.InstanceStatus) ([]*types.ProcessInstance, error)

	// Step log (append-only per instance, idempotent on (step, attempt))
	PutStepLog(entry *types.StepLogEntry) error
	GetStepHistory(instanceID string) ([]*types.StepLogEntry, error)
	UpdateInstanceWithStepLog(inst *types.ProcessInstance, entry *types.StepLogEntry) error

	// MutateInstance loads the instance inside the transaction, applies fn,
	// and commits the mutated row together with the optional step-log entry.
	// Concurrent parallel members use this so variable updates never lose a
	// read-modify-write race.
	MutateInstance(id string, entry *types.StepLogEntry, fn func(*types.ProcessInstance) error) error

	// Cancellation: flips the status and marks in-flight step rows
	// interrupted in the same transaction. Returns false when the instance
	// was already terminal.
	CancelInstance(id string) (bool, error)

	// Connected systems & credential ciphertext
	CreateConnectedSystem(sys *types.ConnectedSystem) error
	GetConnectedSystem(name string) (*types.ConnectedSystem, error)
	ListConnectedSystems() ([]*types.ConnectedSystem, error)
	SetCredentialCiphertext(name string, ciphertext []byte) error
	GetCredentialCiphertext(name string) ([]byte, error)
	DeleteCredentialCiphertext(name string) error
	HasCredentials(name string) (bool, error)
	AllCredentialCiphertexts() (map[string][]byte, error)
	ReplaceAllCredentialCiphertexts(ciphertexts map[string][]byte) error

	// Parallel fan-in barriers. Arrival is idempotent per member: only the
	// first arrival of the last distinct member reports done.
	ArriveBarrier(instanceID string, parallelIndex, member, size int) (bool, error)

	// Cron dedup marks
	MarkCronFire(processRef string, minute time.Time) (bool, error)
	PruneCronMarks(before time.Time) error

	Close() error
}
