// Package notifier turns classified change events into notification jobs and
// delivers them through the configured channels.
//
// # Dedup
//
// Each change has a daily key: sha256(protocol|proposal|kind|day) with the
// day taken in the configured timezone. A channel is skipped when it already
// has a Pending or Sent job for the key. Sent keys are also written to storage
// so a restart does not resend. Dead-lettered keys may be dispatched again.
//
// # Delivery
//
// A worker pool drains the job queue. Each attempt waits on the channel's rate
// limiter and is bounded by the send timeout. Failed attempts are rescheduled
// on the dispatcher's supervisor with exponential backoff; after MaxAttempts
// the job is dead-lettered, persisted, published on the bus and handed to the
// optional DeadLetterSink.
//
// # History
//
// Jobs stay visible through Jobs for HistoryWindow, capped at HistoryMax.
package notifier
