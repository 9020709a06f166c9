package breaker

import (
	"fmt"
	"time"
)

// OpenError is the admission failure: the request was rejected before any
// work was attempted because the provider's circuit is not admitting calls.
// It is distinguishable from a task-execution failure via errors.As.
type OpenError struct {
	Provider   Provider
	State      State
	OpenedAt   time.Time
	RecoveryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.RecoveryIn > 0 {
		return fmt.Sprintf("circuit %s for provider %q (retry in %s)", e.State, string(e.Provider), e.RecoveryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit %s for provider %q", e.State, string(e.Provider))
}
