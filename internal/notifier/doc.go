// Package notifier announces material presence transitions to subscribers.
//
// One payload is built per transition (one round of enrichment calls) and
// shared by every subscription targeting the account. Deliveries run in
// parallel, paced by a shared token bucket and retried with jittered backoff.
// A subscriber whose delivery fails is logged with its identity and never
// affects the others.
package notifier
