/*
Package scheduler maps triggers to process starts.

The cron side wakes on every wall-clock minute boundary and walks the
schedule registry: each enabled schedule whose expression matches the
boundary in its own time zone starts one instance, attributed to the system
user. A late wake replays missed boundaries oldest first within a bounded
catch-up window; older misses are dropped with an audit entry. Durable
(process, minute) marks in the store deduplicate fires across a fleet, so at
most one instance starts per schedule per boundary.

The event side, FireEvent, fans an event out to every registered trigger in
registration order, filtered by optional payload predicates. Start failures
are contained per trigger and never surface to the event's caller.
*/
package scheduler
