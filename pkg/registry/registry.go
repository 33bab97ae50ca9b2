package registry

import (
	"context"
	"sync"

	"github.com/appos-io/appos/pkg/process"
	"github.com/appos-io/appos/pkg/types"
)

// ObjectType tags a registered object
type ObjectType string

const (
	TypeRule    ObjectType = "rule"
	TypeProcess ObjectType = "process"
)

// RuleFunc is the executable shape of a rule: a document in, a document out.
// Rules are opaque to the executor.
type RuleFunc func(ctx context.Context, inputs types.Document) (types.Document, error)

// BuilderFunc produces a process definition. Arity-zero shape.
type BuilderFunc func() *process.Definition

// BuilderWithInputsFunc produces a process definition from the start inputs.
// Tried after BuilderFunc when resolving a process handler.
type BuilderWithInputsFunc func(inputs types.Document) *process.Definition

// Entry is the resolved view of a registered object
type Entry struct {
	Ref      string
	Type     ObjectType
	Handler  any
	Metadata map[string]string
	AppName  string
}

// Registry resolves a fully-qualified reference to a typed handler. The
// platform's object discovery delivers the registry; this package consumes it.
type Registry interface {
	Resolve(ref string) (*Entry, bool)
}

// MemoryRegistry is an in-memory Registry used by the platform composition
// and by tests. Writes are rare (startup, hot reload); reads dominate.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*Entry)}
}

// Resolve looks up a reference
func (r *MemoryRegistry) Resolve(ref string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[ref]
	return e, ok
}

// Register adds or replaces an entry
func (r *MemoryRegistry) Register(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.AppName == "" {
		e.AppName = types.AppOf(e.Ref)
	}
	r.entries[e.Ref] = e
}

// RegisterRule registers an executable rule under ref
func (r *MemoryRegistry) RegisterRule(ref string, fn RuleFunc) {
	r.Register(&Entry{Ref: ref, Type: TypeRule, Handler: fn})
}

// RegisterProcess registers an arity-zero process builder under ref
func (r *MemoryRegistry) RegisterProcess(ref string, fn BuilderFunc) {
	r.Register(&Entry{Ref: ref, Type: TypeProcess, Handler: fn})
}

// RegisterProcessWithInputs registers a process builder that accepts the
// start inputs
func (r *MemoryRegistry) RegisterProcessWithInputs(ref string, fn BuilderWithInputsFunc) {
	r.Register(&Entry{Ref: ref, Type: TypeProcess, Handler: fn})
}

// List returns the registered references (test and admin helper)
func (r *MemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.entries))
	for ref := range r.entries {
		refs = append(refs, ref)
	}
	return refs
}
