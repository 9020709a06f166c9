package scheduler

import (
	"math/rand"
	"time"
)

// Off-peak window: [00:00, 06:00) local time.
const (
	offPeakStartHour = 0
	offPeakEndHour   = 6
)

// adjustOffPeak snaps t into the off-peak window. A time already inside the
// window is returned unchanged; otherwise a uniformly random hour and minute
// inside the window on the same calendar day is chosen, rolling forward one
// day if that lands in the past relative to now.
func adjustOffPeak(t, now time.Time, rng *rand.Rand) time.Time {
	h := t.Hour()
	if h >= offPeakStartHour && h < offPeakEndHour {
		return t
	}

	hour := offPeakStartHour + rng.Intn(offPeakEndHour-offPeakStartHour)
	minute := rng.Intn(60)
	cand := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, t.Location())
	if cand.Before(now) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}
