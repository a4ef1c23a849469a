// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package evloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a timerfd-backed timer dispatched by a Loop.
// A stopped Timer keeps its registration and can be restarted.
type Timer struct {
	loop *Loop
	fd   int
	fn   func()
}

// NewTimer creates a disarmed Timer that calls fn on the loop
// whenever the timer expires.
func (l *Loop) NewTimer(fn func()) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	t := &Timer{loop: l, fd: fd, fn: fn}
	err = l.AddFD(fd, func(uint32) Action {
		var b [8]byte
		// Consume the expiration count so a level-triggered
		// poll does not spin.
		unix.Read(t.fd, b[:])
		t.fn()
		return Continue
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Start arms the timer to first expire after initial and then
// every period. A zero period gives a one-shot timer.
func (t *Timer) Start(initial, period time.Duration) error {
	if initial <= 0 {
		// A zero it_value disarms a timerfd.
		initial = time.Nanosecond
	}
	its := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(period.Nanoseconds()),
		Value:    unix.NsecToTimespec(initial.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &its, nil)
}

// Stop disarms the timer without unregistering it.
func (t *Timer) Stop() error {
	return unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil)
}

// Close unregisters the timer from its loop and closes the
// underlying file descriptor.
func (t *Timer) Close() {
	if t.fd < 0 {
		return
	}
	t.loop.RemoveFD(t.fd)
	unix.Close(t.fd)
	t.fd = -1
}
