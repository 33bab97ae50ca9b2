package process

import (
	"github.com/appos-io/appos/pkg/types"
)

// NodeKind discriminates the step node variants
type NodeKind string

const (
	NodeSequential NodeKind = "sequential"
	NodeParallel   NodeKind = "parallel"
)

// StepSpec describes a single rule invocation with its retry, condition and
// failure policy. StepSpec values are plain data: the executor re-invokes the
// process builder whenever it needs them, it never stores them.
type StepSpec struct {
	Name              string
	RuleRef           string
	InputMapping      map[string]string
	OutputMapping     map[string]string
	RetryCount        int
	RetryDelaySeconds int
	Condition         string
	OnError           types.OnError
	FireAndForget     bool
	LogInputs         bool
	LogOutputs        bool
}

// Node is the tagged step variant: either one sequential step or a parallel
// group of sequential members. Parallel groups never nest.
type Node struct {
	Kind    NodeKind
	Seq     *StepSpec
	Members []StepSpec
}

// Name returns the step name for sequential nodes and "" for parallel groups.
func (n *Node) Name() string {
	if n.Kind == NodeSequential && n.Seq != nil {
		return n.Seq.Name
	}
	return ""
}

// Definition is the in-memory shape of a process: an ordered list of nodes
// derived from the registry handler on every parse.
type Definition struct {
	Ref         string
	DisplayName string
	Steps       []Node
}

// StepOption configures a StepSpec at build time
type StepOption func(*StepSpec)

// WithInput binds rule parameters to named process variables
func WithInput(mapping map[string]string) StepOption {
	return func(s *StepSpec) { s.InputMapping = mapping }
}

// WithOutput maps rule result keys back into process variables
func WithOutput(mapping map[string]string) StepOption {
	return func(s *StepSpec) { s.OutputMapping = mapping }
}

// WithRetry sets the retry count and fixed inter-retry delay in seconds
func WithRetry(count, delaySeconds int) StepOption {
	return func(s *StepSpec) {
		s.RetryCount = count
		s.RetryDelaySeconds = delaySeconds
	}
}

// WithCondition gates the step on an expression over the variable scope
func WithCondition(expr string) StepOption {
	return func(s *StepSpec) { s.Condition = expr }
}

// WithOnError selects the resume strategy after retries are exhausted
func WithOnError(mode types.OnError) StepOption {
	return func(s *StepSpec) { s.OnError = mode }
}

// FireAndForget marks a parallel member whose outcome does not gate the group
func FireAndForget() StepOption {
	return func(s *StepSpec) { s.FireAndForget = true }
}

// NoLogInputs suppresses input capture in the step log
func NoLogInputs() StepOption {
	return func(s *StepSpec) { s.LogInputs = false }
}

// NoLogOutputs suppresses output capture in the step log
func NoLogOutputs() StepOption {
	return func(s *StepSpec) { s.LogOutputs = false }
}

// Step builds a sequential step bound to a rule reference. An unqualified
// rule name is resolved against the owning app at dispatch time.
func Step(name, ruleRef string, opts ...StepOption) StepSpec {
	s := StepSpec{
		Name:       name,
		RuleRef:    ruleRef,
		OnError:    types.OnErrorFail,
		LogInputs:  true,
		LogOutputs: true,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// New starts a definition for the given process reference
func New(ref string) *Definition {
	return &Definition{Ref: ref}
}

// Named sets the display name
func (d *Definition) Named(name string) *Definition {
	d.DisplayName = name
	return d
}

// Then appends a sequential step
func (d *Definition) Then(step StepSpec) *Definition {
	d.Steps = append(d.Steps, Node{Kind: NodeSequential, Seq: &step})
	return d
}

// ThenParallel appends a parallel group. Members are sequential steps only;
// nesting is impossible by construction.
func (d *Definition) ThenParallel(members ...StepSpec) *Definition {
	d.Steps = append(d.Steps, Node{Kind: NodeParallel, Members: members})
	return d
}
