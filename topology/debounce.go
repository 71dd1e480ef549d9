package topology

import (
	"sync"
	"time"
)

// debouncer coalesces refresh requests. Requests arriving within interval
// of each other produce one call to fn; now() bypasses the wait.
type debouncer struct {
	fn       func() error
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	waiters []chan error
	stopped bool

	nowCh chan struct{}
	quit  chan struct{}
	done  chan struct{}
}

func newDebouncer(interval time.Duration, fn func() error) *debouncer {
	d := &debouncer{
		fn:       fn,
		interval: interval,
		timer:    time.NewTimer(interval),
		nowCh:    make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.timer.Stop()
	go d.loop()

	return d
}

// trigger schedules fn after the debounce interval, postponing any pending
// call.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.stopped {
		d.timer.Reset(d.interval)
	}
}

// now runs fn as soon as possible. The returned channel receives the
// result of the run that served the request, or is closed without a value
// if the debouncer stops first.
func (d *debouncer) now() <-chan error {
	ch := make(chan error, 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		close(ch)
		return ch
	}
	d.waiters = append(d.waiters, ch)
	select {
	case d.nowCh <- struct{}{}:
	default:
		// already pending
	}

	return ch
}

func (d *debouncer) loop() {
	defer close(d.done)

	for {
		select {
		case <-d.nowCh:
		case <-d.timer.C:
		case <-d.quit:
			return
		}

		d.mu.Lock()
		select {
		case <-d.nowCh:
		default:
		}
		d.timer.Stop()
		waiters := d.waiters
		d.waiters = nil
		d.mu.Unlock()

		err := d.fn()
		for _, ch := range waiters {
			ch <- err
			close(ch)
		}
	}
}

// stop ends the loop, waiting for a running fn to return.
func (d *debouncer) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.timer.Stop()
	waiters := d.waiters
	d.waiters = nil
	d.mu.Unlock()

	close(d.quit)
	<-d.done
	for _, ch := range waiters {
		close(ch)
	}
}
