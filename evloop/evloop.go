// Copyright 2025 Gustavo C. Viegas. All rights reserved.

// Package evloop provides a single-threaded, readiness-based event
// loop for driving presentation backends.
// Sources are level-triggered file descriptors; timers are plain
// timerfd sources registered on the same loop.
// Loop methods are not safe for concurrent use - all calls,
// including Post, must happen on the goroutine that dispatches.
package evloop

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Action is returned by source callbacks to tell the loop what to
// do with the source after dispatch.
type Action int

const (
	// Continue keeps the source registered.
	Continue Action = iota

	// Remove unregisters the source.
	Remove
)

// Callback handles readiness of a registered file descriptor.
// events is the epoll event mask that triggered the dispatch.
type Callback func(events uint32) Action

// Loop is a level-triggered epoll event loop.
type Loop struct {
	epfd   int
	wakefd int
	srcs   map[int]Callback
	posted []func()
	quit   bool
}

var errClosed = errors.New("evloop: loop closed")

// New creates a Loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		srcs:   make(map[int]Callback),
	}, nil
}

// AddFD registers fd as a level-triggered readable source.
// Registering a fd that is already registered is a no-op success;
// the original callback stays in place.
func (l *Loop) AddFD(fd int, cb Callback) error {
	if l.srcs == nil {
		return errClosed
	}
	if _, ok := l.srcs[fd]; ok {
		return nil
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	l.srcs[fd] = cb
	return nil
}

// RemoveFD unregisters fd. Removing a fd that is not registered
// has no effect.
func (l *Loop) RemoveFD(fd int) {
	if _, ok := l.srcs[fd]; !ok {
		return
	}
	delete(l.srcs, fd)
	unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Post schedules fn to run on a subsequent dispatch pass, before
// any fd source is serviced.
// It never runs fn inline, so state changed by fn is observed on
// the next loop iteration rather than recursively.
func (l *Loop) Post(fn func()) {
	l.posted = append(l.posted, fn)
	l.wake()
}

func (l *Loop) wake() {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	unix.Write(l.wakefd, b[:])
}

func (l *Loop) runPosted() {
	for len(l.posted) > 0 {
		fns := l.posted
		l.posted = nil
		for _, fn := range fns {
			fn()
		}
	}
}

// Dispatch runs pending posted functions and services ready
// sources once. timeout is in milliseconds; a negative value
// blocks until a source becomes ready or Post is called.
func (l *Loop) Dispatch(timeout int) error {
	if l.srcs == nil {
		return errClosed
	}
	l.runPosted()
	var evs [16]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, evs[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(evs[i].Fd)
		if fd == l.wakefd {
			var b [8]byte
			unix.Read(l.wakefd, b[:])
			continue
		}
		cb, ok := l.srcs[fd]
		if !ok {
			// Removed by an earlier callback in this batch.
			continue
		}
		if cb(evs[i].Events) == Remove {
			l.RemoveFD(fd)
		}
	}
	l.runPosted()
	return nil
}

// Run dispatches until Quit is called.
func (l *Loop) Run() error {
	l.quit = false
	for !l.quit {
		if err := l.Dispatch(-1); err != nil {
			return err
		}
	}
	return nil
}

// Quit makes Run return after the current dispatch pass.
func (l *Loop) Quit() {
	l.quit = true
	l.wake()
}

// Close unregisters every source and releases the loop's own file
// descriptors. Registered fds are not closed; they belong to their
// owners.
func (l *Loop) Close() {
	if l.srcs == nil {
		return
	}
	for fd := range l.srcs {
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	l.srcs = nil
	unix.Close(l.wakefd)
	unix.Close(l.epfd)
}
