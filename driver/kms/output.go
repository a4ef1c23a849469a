// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package kms

import (
	"fmt"
	"slices"
	"strings"

	"github.com/NeowayLabs/drm/mode"

	"scanout/driver"
)

// SelectorList is the output selector value that requests a
// listing of every connector instead of a display.
const SelectorList = "list"

// DRM_MODE_TYPE_PREFERRED
const modeTypePreferred = 1 << 3

// Connector interface names, indexed by connector type.
// Names follow the kernel's connector type enumeration, so
// selector names match what other KMS tooling reports.
var connectorNames = []string{
	"Unknown",
	"VGA",
	"DVI-I",
	"DVI-D",
	"DVI-A",
	"Composite",
	"SVIDEO",
	"LVDS",
	"Component",
	"DIN",
	"DP",
	"HDMI-A",
	"HDMI-B",
	"TV",
	"eDP",
	"Virtual",
	"DSI",
	"DPI",
	"Writeback",
	"SPI",
	"USB",
}

// connectorName returns the "<interface>-<interface-id>" name
// used by the output selector.
func connectorName(conn *mode.Connector) string {
	name := connectorNames[0]
	if int(conn.Type) < len(connectorNames) {
		name = connectorNames[conn.Type]
	}
	return fmt.Sprintf("%s-%d", name, conn.TypeID)
}

// Output is the resolved scanout configuration of one connector.
// It is selected once at startup and immutable afterward.
type Output struct {
	Connector *mode.Connector
	Mode      mode.Info
	CrtcID    uint32
	Name      string
}

// OutputStatus is one entry of a requested output listing.
type OutputStatus struct {
	Name      string
	Connected bool
}

// ListError carries the diagnostic listing produced by the "list"
// selector. It contains every enumerated connector exactly once.
// Callers are expected to print it and exit; no display is
// created.
type ListError struct {
	Outputs []OutputStatus
}

func (e *ListError) Error() string {
	lines := make([]string, 0, len(e.Outputs)+1)
	lines = append(lines, "kms: output list requested:")
	for _, o := range e.Outputs {
		lines = append(lines, fmt.Sprintf("%s (connected: %t)", o.Name, o.Connected))
	}
	return strings.Join(lines, "\n")
}

// selectOutput resolves (connector, mode, crtc) on dev according
// to selector. All failures are descriptive and non-fatal to the
// caller, permitting fallback to the next candidate device.
func selectOutput(dev modeDevice, selector string) (*Output, error) {
	res, err := dev.resources()
	if err != nil {
		return nil, fmt.Errorf("kms: reading display resources: %w", err)
	}
	conn, name, err := selectConnector(dev, res, selector)
	if err != nil {
		return nil, err
	}
	m, err := selectMode(conn)
	if err != nil {
		return nil, err
	}
	crtcID, err := selectCrtc(dev, res, conn, name)
	if err != nil {
		return nil, err
	}
	return &Output{
		Connector: conn,
		Mode:      m,
		CrtcID:    crtcID,
		Name:      name,
	}, nil
}

// selectConnector picks the connector named by selector, or the
// first connected one when selector is empty. The SelectorList
// value yields a *ListError instead.
func selectConnector(dev modeDevice, res *mode.Resources, selector string) (*mode.Connector, string, error) {
	if strings.EqualFold(selector, SelectorList) {
		le := new(ListError)
		for _, id := range res.Connectors {
			conn, err := dev.connector(id)
			if err != nil {
				continue
			}
			le.Outputs = append(le.Outputs, OutputStatus{
				Name:      connectorName(conn),
				Connected: conn.Connection == mode.Connected,
			})
		}
		return nil, "", le
	}
	for _, id := range res.Connectors {
		conn, err := dev.connector(id)
		if err != nil {
			continue
		}
		name := connectorName(conn)
		connected := conn.Connection == mode.Connected
		if selector == "" {
			if connected {
				return conn, name, nil
			}
			continue
		}
		if name != selector {
			continue
		}
		if !connected {
			return nil, "", fmt.Errorf("kms: requested output '%s' is not connected", selector)
		}
		return conn, name, nil
	}
	if selector == "" {
		return nil, "", driver.ErrNoOutput
	}
	return nil, "", fmt.Errorf("kms: no output with the name '%s' found", selector)
}

// selectMode picks the mode maximizing (preferred flag, pixel
// area); earlier modes win ties.
func selectMode(conn *mode.Connector) (mode.Info, error) {
	if len(conn.Modes) == 0 {
		return mode.Info{}, driver.ErrNoMode
	}
	best := conn.Modes[0]
	for _, m := range conn.Modes[1:] {
		if modeLess(best, m) {
			best = m
		}
	}
	if best.Hdisplay == 0 || best.Vdisplay == 0 {
		return mode.Info{}, fmt.Errorf("kms: invalid display mode size %dx%d",
			best.Hdisplay, best.Vdisplay)
	}
	return best, nil
}

// modeLess orders modes by the lexicographic key
// (has-preferred-flag, pixel area).
func modeLess(a, b mode.Info) bool {
	ap := a.Type&modeTypePreferred != 0
	bp := b.Type&modeTypePreferred != 0
	if ap != bp {
		return bp
	}
	return uint32(a.Hdisplay)*uint32(a.Vdisplay) < uint32(b.Hdisplay)*uint32(b.Vdisplay)
}

// selectCrtc prefers the CRTC already driven by the connector's
// current encoder, when that pairing is still legal and the
// device still reports the CRTC as usable. Otherwise it searches
// every encoder reachable from the connector against the CRTCs
// that encoder may drive.
func selectCrtc(dev modeDevice, res *mode.Resources, conn *mode.Connector, name string) (uint32, error) {
	if conn.EncoderID != 0 && slices.Contains(conn.Encoders, conn.EncoderID) {
		if enc, err := dev.encoder(conn.EncoderID); err == nil {
			if enc.CrtcID != 0 && crtcAllowed(res, enc, enc.CrtcID) {
				if _, err := dev.crtc(enc.CrtcID); err == nil {
					return enc.CrtcID, nil
				}
			}
		}
	}
	for _, encID := range conn.Encoders {
		enc, err := dev.encoder(encID)
		if err != nil {
			continue
		}
		for i, crtcID := range res.Crtcs {
			if enc.PossibleCrtcs&(1<<uint(i)) == 0 {
				continue
			}
			// Probe that the device still considers the
			// CRTC usable.
			if _, err := dev.crtc(crtcID); err == nil {
				return crtcID, nil
			}
		}
	}
	return 0, fmt.Errorf("kms: no usable crtc for any encoder of output %s: %w",
		name, driver.ErrNoCRTC)
}

// crtcAllowed reports whether id is among the CRTCs that enc may
// legally drive. possible_crtcs is a bitmask over the device's
// CRTC list.
func crtcAllowed(res *mode.Resources, enc *mode.Encoder, id uint32) bool {
	for i, crtcID := range res.Crtcs {
		if crtcID == id {
			return enc.PossibleCrtcs&(1<<uint(i)) != 0
		}
	}
	return false
}
