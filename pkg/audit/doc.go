/*
Package audit provides the append-only audit/event emission surface of the
process engine.

The engine emits a Record for every instance and step transition, scheduler
fire or miss, queue dead-letter and key rotation. Durable storage and query
live outside the core behind the Sink interface; in-process, Broker fans
records out to subscriber channels (non-blocking, buffered, slow subscribers
skip) and LogSink writes them through the structured logger.
*/
package audit
