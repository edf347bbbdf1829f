package countdown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{15 * time.Minute, "15:00"},
		{9*time.Minute + 5*time.Second, "09:05"},
		{59 * time.Second, "00:59"},
		{0, "00:00"},
		{-time.Minute, "00:00"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.d))
	}
}

func TestAtWithNoDeadline(t *testing.T) {
	snap := At(time.Time{}, time.Now())
	assert.False(t, snap.Active, "no deadline means no countdown, not an expired one")
	assert.False(t, snap.Expired)
	assert.Empty(t, snap.Display)
}

func TestAtBeforeDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := At(now.Add(10*time.Minute), now)

	assert.True(t, snap.Active)
	assert.False(t, snap.Expired)
	assert.Equal(t, "10:00", snap.Display)
	assert.Equal(t, 10*time.Minute, snap.Remaining)
}

func TestAtPastDeadlineClampsToZero(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := At(now.Add(-time.Minute), now)

	assert.True(t, snap.Active)
	assert.True(t, snap.Expired)
	assert.Equal(t, "00:00", snap.Display)
	assert.Equal(t, time.Duration(0), snap.Remaining)
}

func TestRemainingNeverIncreases(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	prev := time.Duration(1<<62 - 1)

	for offset := -16 * time.Minute; offset <= time.Minute; offset += 30 * time.Second {
		snap := At(deadline, deadline.Add(offset))
		assert.LessOrEqual(t, snap.Remaining, prev)
		prev = snap.Remaining
	}
}
