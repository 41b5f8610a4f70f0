// Package jobs contains the background workers: the periodic reorder scan,
// nightly inventory revaluation, and idempotency key cleanup. Handlers carry
// their dependencies and are registered on the worker at bootstrap.
package jobs

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)
