// Package presence polls watched accounts on a fixed interval and detects
// material status transitions.
//
// The Poller is a small state machine: Idle -> Running -> Idle. A timer
// firing while a cycle is Running is skipped, never queued.
package presence
