/*
Package metrics exposes the engine's Prometheus collectors: instance
starts and completions, step durations and retries, scheduler fires,
event fan-out and queue depth. Serve mounts /metrics and a /health probe.
*/
package metrics
