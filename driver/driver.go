// Copyright 2025 Gustavo C. Viegas. All rights reserved.

// Package driver defines a set of interfaces encompassing
// direct-to-display presentation.
// It is designed to allow scanout backends to be implemented in a
// mostly straightforward manner and swapped by the host renderer.
package driver

import (
	"errors"
	"log"
	"sync"

	"scanout/evloop"
)

// Presenter is the interface that presentation paths implement to
// pace frame submission against display completion.
// All methods must be called from the goroutine that drives the
// event loop; presentation state is strictly single-threaded.
type Presenter interface {
	// Present submits the most recently rendered buffer for
	// scanout.
	// Presentation need not complete synchronously; callers
	// must consult IsReadyToPresent before submitting again.
	Present() error

	// PresentWithCallback behaves like Present and arms
	// readyForNext to be invoked once it is safe to start
	// rendering the next frame.
	// The callback is one-shot: it is consumed when fired and
	// must be re-armed for every frame. A callback that is
	// never consumed (the presenter was torn down first) is
	// dropped; owners must tolerate this.
	PresentWithCallback(readyForNext func()) error

	// IsReadyToPresent reports whether a new buffer may be
	// submitted. It is false exactly while a prior flip is
	// outstanding, since overlapping flip requests are
	// rejected or misordered by the hardware.
	IsReadyToPresent() bool

	// RegisterFlipHandler registers the backend's completion
	// source with loop.
	// It is idempotent: a second registration is a no-op
	// success. The registered source must not extend the
	// presenter's lifetime; dispatch after teardown is a
	// silent no-op.
	RegisterFlipHandler(loop *evloop.Loop) error
}

// Display is a scanout output with an attached presentation path.
type Display interface {
	Presenter

	// Size returns the pixel size of the selected display
	// mode. It is fixed for the lifetime of the display.
	Size() (width, height int)

	// Close releases the display's resources.
	// Shared device handles are released only once every
	// holder (buffers, framebuffers, event sources) is done
	// with them.
	Close()
}

// ErrNoOutput means that no connected display output could be
// found on any scanout device.
var ErrNoOutput = errors.New("driver: no connected output found")

// ErrNoMode means that the selected output exposes no usable
// display mode.
var ErrNoMode = errors.New("driver: no usable display mode found")

// ErrNoCRTC means that no display controller could be paired with
// the selected output.
var ErrNoCRTC = errors.New("driver: no usable crtc found")

// ErrNoDevice means that no suitable device could be found.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNotReady means that Present was called while a prior flip
// was still outstanding.
var ErrNotReady = errors.New("driver: page flip outstanding")

// ErrGPUTimeout means that a GPU fence wait exceeded its bound.
// The GPU is presumed hung; no retry is attempted.
var ErrGPUTimeout = errors.New("driver: gpu fence wait timed out")

// Backend opens displays for one presentation path.
type Backend interface {
	// Open resolves an output according to selector and
	// returns a display bound to it.
	Open(selector string, loop *evloop.Loop) (Display, error)

	// Name returns the name of the backend.
	Name() string
}

// Backends returns the registered Backends, in registration
// order. Client code imports specific backend packages, which
// register themselves on init.
func Backends() []Backend {
	mu.Lock()
	defer mu.Unlock()
	b := make([]Backend, len(backends))
	copy(b, backends)
	return b
}

// Register registers a Backend.
// Backend implementations are expected to call Register exactly
// once, from an init function. If a backend with the same name
// has already been registered, it will be replaced by b.
func Register(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	for i := range backends {
		if backends[i].Name() == b.Name() {
			backends[i] = b
			log.Printf("[!] backend '%s' replaced", b.Name())
			return
		}
	}
	backends = append(backends, b)
	log.Printf("backend '%s' registered", b.Name())
}

// Open tries each registered backend in order and returns the
// first display successfully opened. The last failure is surfaced
// if every backend fails, letting hosts fall back across
// presentation paths.
func Open(selector string, loop *evloop.Loop) (Display, error) {
	var last error
	for _, b := range Backends() {
		d, err := b.Open(selector, loop)
		if err != nil {
			last = err
			log.Printf("[!] backend '%s': %v", b.Name(), err)
			continue
		}
		return d, nil
	}
	if last == nil {
		last = ErrNoDevice
	}
	return nil, last
}

// Variables used for backend registration.
var (
	// NOTE: Currently, this mutex is unnecessary.
	mu       sync.Mutex
	backends = make([]Backend, 0, 1)
)
