// Package dedupe maps client message ids to the task they produced for a
// configurable window, so a retried message/send returns the existing task
// rather than executing the work twice.
package dedupe
