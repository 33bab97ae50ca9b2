/*
Package executor is the AppOS process engine: it starts process instances,
drives their steps through the task queue, and persists every transition.

# Execution model

StartProcess resolves the process reference, invokes its builder to obtain
the step list, and inserts the instance row. Asynchronous starts enqueue a
task for step 0; each step task re-parses the definition (builders are
deterministic) and executes the node at its index, so the index is the only
contract between enqueuing and executing. Sequential chains are serialised by
enqueuing step N+1 only after step N settles. Parallel groups fan one task
per member across the worker fleet and converge on a durable fan-in barrier;
fire-and-forget members are excluded from the barrier.

# Failure policy

Rule failures are classified: security, validation and dispatch errors are
permanent; transient and unclassified errors retry in place up to the step's
retry_count with a fixed delay. Exhausted retries branch on the step's
on_error policy — fail stops the instance, skip and continue move on. Each
attempt leaves its own step-log row, and settled rows are idempotent under
the (instance, step, attempt) key, which makes at-least-once task redelivery
harmless.

# Conditions

A step condition is a small sandboxed expression over the variable scope
(bare name truthiness, optional negation, or a comparison against a literal).
Evaluation errors fail open: the step proceeds, preserving forward progress.
*/
package executor
