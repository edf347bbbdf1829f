package countdown

import (
	"fmt"
	"time"
)

// Snapshot is the derived countdown view for one deadline tick. A zero
// Snapshot (no deadline) means no countdown is running, which is distinct
// from a countdown that has reached 00:00.
type Snapshot struct {
	Active    bool          `json:"active"`
	Remaining time.Duration `json:"-"`
	Display   string        `json:"display,omitempty"` // MM:SS clamped at 00:00
	Expired   bool          `json:"expired"`
}

// At derives the countdown for a deadline at the given instant
func At(deadline time.Time, now time.Time) Snapshot {
	if deadline.IsZero() {
		return Snapshot{}
	}

	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Active:    true,
		Remaining: remaining,
		Display:   Format(remaining),
		Expired:   remaining <= 0,
	}
}

// Format renders a duration as MM:SS, clamped at 00:00
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
