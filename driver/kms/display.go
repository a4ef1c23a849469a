// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package kms

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/NeowayLabs/drm"
	"golang.org/x/sys/unix"

	"scanout/driver"
	"scanout/evloop"
)

// flipState is the page-flip protocol state.
type flipState int

const (
	// noBufferPosted: nothing submitted yet.
	noBufferPosted flipState = iota

	// initialBufferPosted: a modeset synchronously bound the
	// first buffer; no flip event is pending.
	initialBufferPosted

	// waitingForFlip: an asynchronous flip was requested; the
	// previous buffer is kept alive until the completion event
	// confirms the hardware switched away from it.
	waitingForFlip

	// readyForNextBuffer: the most recent flip completed.
	readyForNextBuffer
)

// frameLocker is what Present needs from the buffer manager.
type frameLocker interface {
	lockFront() (*Buffer, error)
}

// Display drives a single scanout output with double buffering.
// It implements driver.Display. All methods must run on the
// event-loop goroutine.
type Display struct {
	card  *Card
	dev   scanoutDevice
	surf  frameLocker
	out   *Output
	state flipState

	// last is the buffer currently bound for scanout; held is
	// the previous one, owned exclusively by the state machine
	// while waitingForFlip.
	last *Buffer
	held *Buffer

	// cb is the one-shot ready-for-next-frame callback. It is
	// taken (set to nil) at invocation time, preventing double
	// invocation.
	cb func()

	loop       *evloop.Loop
	registered bool
	closed     bool

	width, height int
}

var errNoDumbBuffer = errors.New("kms: device does not support dumb buffers")

// DeviceOpener opens a scanout device node.
type DeviceOpener func(path string) (*os.File, error)

// OpenDevice is the default DeviceOpener.
func OpenDevice(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
}

const devDir = "/dev/dri"

// CreateDisplay enumerates scanout devices and returns a Display
// on the first one that fully resolves; the last failure is
// surfaced if none does.
// A *ListError from the "list" selector aborts enumeration and is
// returned as is.
func CreateDisplay(open DeviceOpener, selector string) (*Display, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, fmt.Errorf("kms: enumerating scanout devices: %w", err)
	}
	last := error(driver.ErrNoDevice)
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), "card") {
			continue
		}
		d, err := tryCreateDisplay(open, filepath.Join(devDir, ent.Name()), selector)
		if err != nil {
			var le *ListError
			if errors.As(err, &le) {
				return nil, err
			}
			last = err
			continue
		}
		return d, nil
	}
	return nil, last
}

// tryCreateDisplay resolves an output on a single device and
// builds the display around it.
func tryCreateDisplay(open DeviceOpener, path, selector string) (*Display, error) {
	file, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("kms: opening %s: %w", path, err)
	}
	card := NewCard(file)
	out, err := selectOutput(card, selector)
	if err != nil {
		card.Release()
		return nil, err
	}
	if !drm.HasDumbBuffer(file) {
		card.Release()
		return nil, errNoDumbBuffer
	}
	width, height := int(out.Mode.Hdisplay), int(out.Mode.Vdisplay)
	surf, err := newSurface(card, card, width, height)
	if err != nil {
		card.Release()
		return nil, err
	}
	log.Printf("kms: using output %s, mode %dx%d@%d", out.Name, width, height, out.Mode.Vrefresh)
	return &Display{
		card:   card,
		dev:    card,
		surf:   surf,
		out:    out,
		width:  width,
		height: height,
	}, nil
}

// Size returns the pixel size of the selected mode.
func (d *Display) Size() (width, height int) { return d.width, d.height }

// Buffer returns the buffer to render the next frame into.
func (d *Display) Buffer() *Buffer { return d.surf.(*Surface).Back() }

// Present submits the most recently rendered buffer.
// The first frame is bound with a synchronous modeset; every
// later frame is an asynchronous page flip whose completion
// arrives through the registered event source. Calling while a
// flip is outstanding fails with driver.ErrNotReady. On failure
// the state machine is left unchanged so the next frame can
// retry.
func (d *Display) Present() error {
	if d.state == waitingForFlip {
		return driver.ErrNotReady
	}
	front, err := d.surf.lockFront()
	if err != nil {
		return err
	}

	if d.last == nil {
		err := d.dev.setCrtc(d.out.CrtcID, front.fb, d.out.Connector.ID, &d.out.Mode)
		if err != nil {
			return fmt.Errorf("kms: presenting framebuffer: %w", err)
		}
		d.last = front
		d.state = initialBufferPosted

		// No second buffer is on screen yet, so the next
		// frame can be rendered right away. The callback is
		// deferred through the event loop rather than
		// invoked inline, so any state it changes is
		// processed on the next loop iteration.
		if d.cb != nil {
			if d.loop != nil {
				cb := d.cb
				d.cb = nil
				d.loop.Post(cb)
			} else {
				log.Printf("[!] kms: no event loop registered; frame callback deferred to flip completion")
			}
		}
		return nil
	}

	if err := d.dev.pageFlip(d.out.CrtcID, front.fb); err != nil {
		return fmt.Errorf("kms: presenting framebuffer: %w", err)
	}
	// The controller may still be reading d.last during the
	// flip transition; hold it until the completion event.
	d.held = d.last
	d.last = front
	d.state = waitingForFlip
	return nil
}

// PresentWithCallback arms readyForNext and presents.
func (d *Display) PresentWithCallback(readyForNext func()) error {
	d.cb = readyForNext
	return d.Present()
}

// IsReadyToPresent reports false exactly while a flip is
// outstanding.
func (d *Display) IsReadyToPresent() bool {
	return d.state != waitingForFlip
}

// RegisterFlipHandler registers the device fd as a level-
// triggered source on loop. It is idempotent.
// The source holds no owning reference: once the display is
// closed, dispatch is a silent no-op and the source removes
// itself.
func (d *Display) RegisterFlipHandler(loop *evloop.Loop) error {
	if d.registered {
		return nil
	}
	err := loop.AddFD(d.card.Fd(), func(uint32) evloop.Action {
		if d.closed {
			return evloop.Remove
		}
		if err := d.handleEvents(); err != nil {
			log.Printf("[!] kms: reading display events: %v", err)
		}
		return evloop.Continue
	})
	if err != nil {
		return fmt.Errorf("kms: registering page flip handler: %w", err)
	}
	d.loop = loop
	d.registered = true
	return nil
}

// handleEvents drains pending kernel events and applies any
// page-flip completion to the state machine.
func (d *Display) handleEvents() error {
	evs, err := readEvents(d.card.file)
	if err != nil {
		return err
	}
	for _, e := range evs {
		if e.typ == eventFlipComplete {
			d.completeFlip()
			break
		}
	}
	return nil
}

// completeFlip transitions waitingForFlip to readyForNextBuffer,
// releases the retained buffer back to the pool and fires the
// one-shot frame callback.
func (d *Display) completeFlip() {
	d.state = readyForNextBuffer
	d.held = nil
	if cb := d.cb; cb != nil {
		d.cb = nil
		cb()
	}
}

// Close releases the display. A registered event source becomes
// a no-op; an armed frame callback is dropped.
func (d *Display) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.cb = nil
	d.held = nil
	d.last = nil
	if d.loop != nil {
		d.loop.RemoveFD(d.card.Fd())
	}
	if s, ok := d.surf.(*Surface); ok {
		s.destroy()
	}
	d.card.Release()
}

// backend implements driver.Backend.
type backend struct{}

func (backend) Name() string { return "kms" }

func (backend) Open(selector string, loop *evloop.Loop) (driver.Display, error) {
	d, err := CreateDisplay(OpenDevice, selector)
	if err != nil {
		return nil, err
	}
	if err := d.RegisterFlipHandler(loop); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func init() {
	driver.Register(backend{})
}
