package czrpc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTickerRepeatFiresMultipleTimes(t *testing.T) {
	var count int32
	tk := newTicker(5*time.Millisecond, true, func() { atomic.AddInt32(&count, 1) })
	defer tk.stop()

	time.Sleep(40 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}

func TestTickerOneShotFiresOnce(t *testing.T) {
	var count int32
	tk := newTicker(5*time.Millisecond, false, func() { atomic.AddInt32(&count, 1) })
	defer tk.stop()

	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestTickerStopIsIdempotentAndHaltsFiring(t *testing.T) {
	var count int32
	tk := newTicker(5*time.Millisecond, true, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(15 * time.Millisecond)
	tk.stop()
	tk.stop() // must not panic

	seen := atomic.LoadInt32(&count)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, atomic.LoadInt32(&count))
}
