package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(threshold, time.Minute, WithName("test"), WithClock(clk.Now)), clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("model")
	b.RecordFailure("model")
	assert.True(t, b.Allow("model"), "below threshold")

	b.RecordFailure("model")
	assert.False(t, b.Allow("model"))
	assert.Equal(t, StateOpen, b.State("model"))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(2)
	b.RecordFailure("key-0")
	b.RecordFailure("key-0")

	clk.Advance(59 * time.Second)
	assert.False(t, b.Allow("key-0"), "still open")

	clk.Advance(time.Second)
	assert.True(t, b.Allow("key-0"), "probe allowed")
	assert.Equal(t, StateHalfOpen, b.State("key-0"))
	assert.False(t, b.Allow("key-0"), "second probe rejected")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clk := newTestBreaker(1)
		b.RecordFailure("k")
		clk.Advance(time.Minute)
		b.Allow("k")
		b.RecordSuccess("k")
		assert.Equal(t, StateClosed, b.State("k"))
		assert.True(t, b.Allow("k"))
	})
	t.Run("failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(1)
		b.RecordFailure("k")
		clk.Advance(time.Minute)
		b.Allow("k")
		b.RecordFailure("k")
		assert.Equal(t, StateOpen, b.State("k"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.True(t, b.Allow("k"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("key-0")
	b.RecordFailure("key-0")

	assert.False(t, b.Allow("key-0"))
	assert.True(t, b.Allow("key-1"))
	assert.Equal(t, StateClosed, b.State("never-seen"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newTestBreaker(1)

	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+">"+to.String())
	})

	b.RecordFailure("k")
	clk.Advance(time.Minute)
	b.Allow("k")
	b.RecordSuccess("k")

	assert.Equal(t, []string{"k:closed>open", "k:open>half_open", "k:half_open>closed"}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
