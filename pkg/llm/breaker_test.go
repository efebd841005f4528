package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock drives a breaker deterministically.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *testClock) {
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("test", time.Minute, threshold, 30*time.Second)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	require.NoError(t, b.Allow(), "below threshold the circuit stays closed")

	b.RecordFailure()

	err := b.Allow()
	var open *BreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "test", open.Provider)
}

func TestBreaker_ClosesAfterOpenInterval(t *testing.T) {
	b, clock := newTestBreaker(2)

	b.RecordFailure()
	b.RecordFailure()
	require.Error(t, b.Allow())

	clock.advance(29 * time.Second)
	assert.Error(t, b.Allow(), "still open")

	clock.advance(2 * time.Second)
	assert.NoError(t, b.Allow(), "open interval elapsed")
}

func TestBreaker_WindowPrunesOldFailures(t *testing.T) {
	b, clock := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()

	// The first two failures age out of the rolling window.
	clock.advance(2 * time.Minute)
	b.RecordFailure()

	assert.NoError(t, b.Allow())
}

func TestBreaker_SuccessClearsWindow(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.NoError(t, b.Allow())
}
