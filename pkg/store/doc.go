/*
Package store provides BoltDB-backed persistence for the AppOS process engine.

All durable engine state lives in one embedded database with a bucket per
record family:

	process_instances   instance rows keyed by instance ID
	process_step_log    step attempts keyed by (instance, step, attempt)
	connected_systems   system rows owning the credential ciphertext
	parallel_barriers   fan-in counters keyed by (instance, parallel index)
	cron_marks          (process, minute) fire dedup marks

# Transactional contract

Every Store method runs one serialisable BoltDB transaction. The step-log and
instance buckets are written together through UpdateInstanceWithStepLog when a
step completes and moves the instance pointer, so the pair cannot diverge
across worker crashes.

# Idempotency

The task queue delivers at least once, so a crashed worker's step may execute
twice. The step log absorbs this: a row whose (instance, step, attempt) key
already settled (completed, failed, skipped or interrupted) is never
overwritten, and the insertion sequence assigned on first write is preserved
so history reads stay in original order.

# Terminal monotonicity

Once an instance reaches completed, failed or cancelled, any write that would
change its status is rejected with ErrTerminalInstance.
*/
package store
