/*
Package cron parses and matches the five-field cron dialect used by AppOS
schedule triggers: minute, hour, day-of-month, month, day-of-week. Fields
accept "*", literals, comma lists, ranges and steps; day-of-week 0 and 7 both
mean Sunday. Matching is at minute granularity, which is what the scheduler's
minute-boundary walk requires.
*/
package cron
