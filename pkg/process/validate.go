package process

import (
	"github.com/appos-io/appos/pkg/types"
)

// Validate checks the definition invariants: unique step names, non-negative
// retry settings, non-empty parallel groups, known on_error modes, and
// fire_and_forget implying on_error != fail.
func (d *Definition) Validate() error {
	if d.Ref == "" {
		return types.NewValidationError("ref", "process reference is required")
	}

	seen := make(map[string]bool)
	checkStep := func(s *StepSpec, parallel bool) error {
		if s.Name == "" {
			return types.NewValidationError("step", "step name is required")
		}
		if seen[s.Name] {
			return types.NewValidationError("step", "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
		if s.RuleRef == "" {
			return types.NewValidationError(s.Name, "rule reference is required")
		}
		if s.RetryCount < 0 {
			return types.NewValidationError(s.Name, "retry_count must be >= 0, got %d", s.RetryCount)
		}
		if s.RetryDelaySeconds < 0 {
			return types.NewValidationError(s.Name, "retry_delay_seconds must be >= 0, got %d", s.RetryDelaySeconds)
		}
		switch s.OnError {
		case types.OnErrorFail, types.OnErrorSkip, types.OnErrorContinue:
		default:
			return types.NewValidationError(s.Name, "unknown on_error mode %q", s.OnError)
		}
		if s.FireAndForget && s.OnError == types.OnErrorFail {
			return types.NewValidationError(s.Name, "fire_and_forget steps cannot use on_error=fail")
		}
		if s.FireAndForget && !parallel {
			return types.NewValidationError(s.Name, "fire_and_forget is only valid inside a parallel group")
		}
		return nil
	}

	for i := range d.Steps {
		node := &d.Steps[i]
		switch node.Kind {
		case NodeSequential:
			if node.Seq == nil {
				return types.NewValidationError("steps", "sequential node without a step")
			}
			if err := checkStep(node.Seq, false); err != nil {
				return err
			}
		case NodeParallel:
			if len(node.Members) == 0 {
				return types.NewValidationError("steps", "parallel group must have at least one member")
			}
			for j := range node.Members {
				if err := checkStep(&node.Members[j], true); err != nil {
					return err
				}
			}
		default:
			return types.NewValidationError("steps", "unknown node kind %q", node.Kind)
		}
	}
	return nil
}
