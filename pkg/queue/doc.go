/*
Package queue provides the task queue the process engine runs on.

The Queue interface is the consumed abstraction: named handlers, Enqueue with
optional delay, at-least-once delivery. MemoryQueue is the in-process
implementation for single-node deployments: a buffered channel consumed by a
fixed worker pool (default 4), per-task acknowledgement by handler return,
redelivery with an incremented attempt counter on error or panic, and a
dead-letter audit record once queue-level deliveries are exhausted.

Ordering within a sequential chain is the caller's contract: the executor
enqueues step N+1 only after step N completes, so chain order holds without
any queue-level ordering guarantee. Tasks of different instances interleave
freely across workers.
*/
package queue
