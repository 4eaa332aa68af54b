// Package progress implements the job-progress core: the wire event types,
// the per-job debouncer that coalesces bursts before broadcast, the
// per-observer job tree that folds an unordered event stream into a
// consistent parent/child hierarchy, and the reaper that evicts abandoned
// jobs. Delivered events are full-state snapshots, never deltas.
package progress
