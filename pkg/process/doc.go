/*
Package process defines the declarative shape of an AppOS process: an ordered
list of steps, optionally grouped for parallel execution, each bound to a rule
reference.

Definitions are built with a small fluent API and treated by the executor as
pure, deterministic descriptions — the builder is re-invoked whenever the step
list is needed, so the step index is the only contract between enqueuing and
executing:

	def := process.New("crm.processes.onboard_customer").
		Named("Onboard Customer").
		Then(process.Step("validate", "validate_customer",
			process.WithRetry(2, 5),
			process.WithOnError(types.OnErrorFail))).
		ThenParallel(
			process.Step("welcome_email", "send_welcome", process.FireAndForget()),
			process.Step("provision", "provision_account"),
		).
		Then(process.Step("finish", "mark_onboarded",
			process.WithCondition(`provisioned == true`)))

Validate enforces the structural invariants before any instance is started:
unique step names, non-negative retry settings, known on_error modes, and
fire_and_forget never combined with on_error=fail.
*/
package process
