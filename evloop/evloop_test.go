// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package evloop

import (
	"os"
	"testing"
	"time"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func newPipe(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}

func TestPost(t *testing.T) {
	l := newLoop(t)
	n := 0
	l.Post(func() { n++ })
	l.Post(func() { n++ })
	if n != 0 {
		t.Fatal("Post: want deferred execution")
	}
	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("posted calls\nhave %d\nwant 2", n)
	}
}

func TestPostFromPosted(t *testing.T) {
	// A function posted during a dispatch pass still runs within
	// that pass.
	l := newLoop(t)
	var order []int
	l.Post(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 2) })
	})
	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order\nhave %v\nwant [1 2]", order)
	}
}

func TestAddFD(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	var got uint32
	n := 0
	err := l.AddFD(int(r.Fd()), func(events uint32) Action {
		got = events
		n++
		var b [8]byte
		r.Read(b[:])
		return Continue
	})
	if err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	// No data yet: the source must not fire.
	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 0 {
		t.Fatal("callback fired without readiness")
	}
	w.Write([]byte("x"))
	if err := l.Dispatch(-1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("callback calls\nhave %d\nwant 1", n)
	}
	if got == 0 {
		t.Fatal("callback: want a nonzero event mask")
	}
}

func TestAddFDIdempotent(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	first, second := 0, 0
	if err := l.AddFD(int(r.Fd()), func(uint32) Action {
		first++
		var b [8]byte
		r.Read(b[:])
		return Continue
	}); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	if err := l.AddFD(int(r.Fd()), func(uint32) Action {
		second++
		return Continue
	}); err != nil {
		t.Fatalf("AddFD: second registration: %v", err)
	}
	w.Write([]byte("x"))
	if err := l.Dispatch(-1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("callback calls\nhave %d, %d\nwant 1, 0 (original callback stays)", first, second)
	}
}

func TestRemoveAction(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	n := 0
	if err := l.AddFD(int(r.Fd()), func(uint32) Action {
		n++
		return Remove
	}); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	w.Write([]byte("x"))
	if err := l.Dispatch(-1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Data is still pending, but the source is gone.
	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("callback calls\nhave %d\nwant 1", n)
	}
}

func TestRemoveFD(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)

	if err := l.AddFD(int(r.Fd()), func(uint32) Action {
		t.Fatal("callback fired after RemoveFD")
		return Continue
	}); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	l.RemoveFD(int(r.Fd()))
	l.RemoveFD(int(r.Fd())) // no-op
	w.Write([]byte("x"))
	if err := l.Dispatch(0); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestRunQuit(t *testing.T) {
	l := newLoop(t)
	n := 0
	l.Post(func() { n++ })
	l.Post(l.Quit)
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("posted calls\nhave %d\nwant 1", n)
	}
}

func TestClosedLoop(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Close()
	l.Close() // idempotent
	if err := l.Dispatch(0); err == nil {
		t.Fatal("Dispatch: want error on closed loop")
	}
	if err := l.AddFD(0, func(uint32) Action { return Continue }); err == nil {
		t.Fatal("AddFD: want error on closed loop")
	}
}

func TestTimerOneShot(t *testing.T) {
	l := newLoop(t)
	n := 0
	tm, err := l.NewTimer(func() { n++; l.Quit() })
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	defer tm.Close()
	if err := tm.Start(time.Millisecond, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expirations\nhave %d\nwant 1", n)
	}
}

func TestTimerPeriodic(t *testing.T) {
	l := newLoop(t)
	n := 0
	tm, err := l.NewTimer(func() {
		n++
		if n == 3 {
			l.Quit()
		}
	})
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	defer tm.Close()
	if err := tm.Start(time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 3 {
		t.Fatalf("expirations\nhave %d\nwant 3", n)
	}
}

func TestTimerStop(t *testing.T) {
	l := newLoop(t)
	tm, err := l.NewTimer(func() { t.Fatal("timer fired after Stop") })
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	defer tm.Close()
	if err := tm.Start(5*time.Millisecond, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tm.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := l.Dispatch(20); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestTimerRestart(t *testing.T) {
	l := newLoop(t)
	n := 0
	tm, err := l.NewTimer(func() { n++; l.Quit() })
	if err != nil {
		t.Fatalf("NewTimer: %v", err)
	}
	defer tm.Close()
	tm.Start(time.Millisecond, 0)
	tm.Stop()
	if err := tm.Start(time.Millisecond, 0); err != nil {
		t.Fatalf("Start: restart: %v", err)
	}
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Fatalf("expirations\nhave %d\nwant 1", n)
	}
}
