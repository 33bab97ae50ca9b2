/*
Package triggers holds the in-memory trigger indexes that bind stimuli to
processes: EventRegistry maps named events to process references with optional
payload predicates, and ScheduleRegistry maps validated five-field cron
expressions (with IANA time zones) to process references. Both protect writes
with a single lock and serve reads from copied snapshots, since registrations
happen at startup or hot reload and dispatch reads dominate.
*/
package triggers
