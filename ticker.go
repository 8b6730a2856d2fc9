package czrpc

import (
	"sync"
	"time"
)

// ticker runs fn on its own goroutine, either once after d or repeatedly
// every d, until stop is called. It is the Go translation of the original
// czrpc atimer (bind/start/stop/destroy) and is built the same way the
// teacher's Session runs its keepalive goroutine: a time.Ticker/time.Timer
// selected against a "die" channel so stop() both halts future firings and
// lets the goroutine exit without being joined explicitly.
type ticker struct {
	fn     func()
	period time.Duration
	repeat bool

	stopOnce sync.Once
	done     chan struct{}
}

// newTicker starts a ticker immediately. If repeat is false, fn fires at
// most once, after period elapses.
func newTicker(period time.Duration, repeat bool, fn func()) *ticker {
	t := &ticker{
		fn:     fn,
		period: period,
		repeat: repeat,
		done:   make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *ticker) run() {
	if t.repeat {
		tk := time.NewTicker(t.period)
		defer tk.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tk.C:
				t.fn()
			}
		}
	}

	tm := time.NewTimer(t.period)
	defer tm.Stop()
	select {
	case <-t.done:
		return
	case <-tm.C:
		t.fn()
	}
}

// stop halts the ticker. Safe to call more than once and from any goroutine.
func (t *ticker) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}
