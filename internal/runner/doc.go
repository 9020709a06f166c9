// Package runner pulls due jobs, executes their registered tasks, and drives
// retry and terminal-failure decisions. One runner processes jobs strictly
// sequentially; multiple runner processes are safe because the store's claim
// is a conditional update.
package runner
