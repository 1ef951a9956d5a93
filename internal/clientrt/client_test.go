package clientrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/HiImSmiley/socketleyd/internal/logging"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	d0 := backoff(0)
	d3 := backoff(3)
	assert.Less(t, d0, d3, "backoff(0) should be smaller than backoff(3)")
	assert.GreaterOrEqual(t, int64(d0), int64(1_000_000_000))
	assert.Less(t, int64(d0), int64(1_500_000_000))
}

func TestBackoffCapsAtMaxExponent(t *testing.T) {
	atCap := backoff(maxExponent)
	beyondCap := backoff(maxExponent + 5)
	assert.LessOrEqual(t, atCap, maxBackoff)
	assert.LessOrEqual(t, beyondCap, maxBackoff)
}

func TestSendWithNoConnectionFails(t *testing.T) {
	c := New(nil, nil, nil)
	assert.False(t, c.Send([]byte("hi")), "Send should fail when no connection has been established")
}

func TestBackoffJitterStaysUnderHalfSecond(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := backoff(2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.Less(t, d, 4*time.Second+500*time.Millisecond)
	}
}

func TestScheduleReconnectStopsAfterMaxAttempts(t *testing.T) {
	r := rt.New("cl", rt.KindClient)
	r.Client = &rt.ClientConfig{RemoteAddr: "127.0.0.1:1", Reconnect: true, MaxAttempts: 2}
	c := New(r, nil, logging.NewLogger(nil))
	c.attempt = 2
	// With the loop nil, submitting a timeout would panic; returning
	// without one is the exhausted-attempts contract.
	c.scheduleReconnect()
	assert.Equal(t, 2, c.attempt, "no further attempt may be scheduled past the limit")
}

func TestScheduleReconnectDisabledWithoutPolicy(t *testing.T) {
	r := rt.New("cl", rt.KindClient)
	r.Client = &rt.ClientConfig{RemoteAddr: "127.0.0.1:1", Reconnect: false}
	c := New(r, nil, logging.NewLogger(nil))
	c.scheduleReconnect()
	assert.Zero(t, c.attempt)
}
