// Package scheduler creates jobs with computed execution times: single jobs,
// batches spread across many targets, and vendor-level jobs addressed by
// source key. It never executes anything; the runner does.
package scheduler
