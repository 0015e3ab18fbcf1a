package kms

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog/log"
)

// DRM_CAP_* values from the kernel uAPI, for capabilities the mode
// package has no wrapper for.
const (
	capTimestampMonotonic = 0x6
	capAddFB2Modifiers    = 0x10
)

type sysGetCap struct {
	id    uint64
	value uint64
}

// DRM_IOCTL_GET_CAP.
var ioctlGetCap = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysGetCap{})), drm.IOCTLBase, 0x0C)

// ErrNotKMS is returned for card nodes which expose no modesetting
// resources, e.g. a render-only GPU's primary node.
var ErrNotKMS = errors.New("device is not a KMS device")

// Opener opens a device node, possibly through a privileged session
// broker rather than a plain open(2).
type Opener func(path string) (*os.File, error)

// Device is one KMS card node and the outputs discovered on it.
type Device struct {
	File *os.File
	Path string

	// Modifiers is set when the device accepts framebuffers with
	// explicit layout modifiers.
	Modifiers bool

	// MonotonicTimestamps is set when completion events carry
	// CLOCK_MONOTONIC times. Without it predicted deadlines are
	// meaningless and repaints are scheduled immediately instead.
	MonotonicTimestamps bool

	Outputs []*Output

	planes []*mode.Plane

	release func()
}

// DirectOpen is the Opener used outside a logind session.
func DirectOpen(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

func getCap(file *os.File, id uint64) (uint64, error) {
	arg := &sysGetCap{id: id}
	err := ioctl.Do(uintptr(file.Fd()), uintptr(ioctlGetCap),
		uintptr(unsafe.Pointer(arg)))
	if err != nil {
		return 0, err
	}
	return arg.value, nil
}

// OpenDevice probes /dev/dri/card<n> and discovers its outputs. A card
// that opens but is not usable for modesetting returns ErrNotKMS so the
// caller can move on to the next node.
func OpenDevice(card int, open Opener) (*Device, error) {
	path := fmt.Sprintf("/dev/dri/card%d", card)
	file, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	dev := &Device{File: file, Path: path}
	if err := dev.probe(); err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}

// FindDevice tries card nodes in order until one KMS-capable device with
// active outputs is found.
func FindDevice(open Opener) (*Device, error) {
	for card := 0; card < 8; card++ {
		dev, err := OpenDevice(card, open)
		if err == nil {
			return dev, nil
		}
		log.Debug().Int("card", card).Err(err).Msg("skipping card node")
	}
	return nil, errors.New("no usable KMS devices")
}

func (d *Device) probe() error {
	if !drm.HasDumbBuffer(d.File) {
		return fmt.Errorf("%s: %w: no dumb buffer support", d.Path, ErrNotKMS)
	}

	// Universal planes gets primary planes enumerated; atomic gets us
	// the atomic commit ioctl. Both are hard requirements.
	err := mode.SetClientCap(d.File, mode.ClientCapUniversalPlanes, 1)
	if err == nil {
		err = mode.SetClientCap(d.File, mode.ClientCapAtomic, 1)
	}
	if err != nil {
		return fmt.Errorf("%s: no support for universal planes or atomic: %w", d.Path, err)
	}

	if v, err := getCap(d.File, capAddFB2Modifiers); err == nil && v != 0 {
		d.Modifiers = true
	}
	if v, err := getCap(d.File, capTimestampMonotonic); err == nil && v != 0 {
		d.MonotonicTimestamps = true
	}
	log.Debug().
		Bool("fb_modifiers", d.Modifiers).
		Bool("monotonic_timestamps", d.MonotonicTimestamps).
		Str("path", d.Path).
		Msg("device capabilities")

	res, err := mode.GetResources(d.File)
	if err != nil {
		return fmt.Errorf("%s: getting resources: %w", d.Path, err)
	}
	planeRes, err := mode.GetPlaneResources(d.File)
	if err != nil {
		return fmt.Errorf("%s: getting plane resources: %w", d.Path, err)
	}
	if len(res.Crtcs) == 0 || len(res.Connectors) == 0 ||
		len(res.Encoders) == 0 || len(planeRes.Planes) == 0 {
		return fmt.Errorf("%s: %w", d.Path, ErrNotKMS)
	}

	for _, id := range planeRes.Planes {
		plane, err := mode.GetPlane(d.File, id)
		if err != nil {
			return fmt.Errorf("%s: getting plane %d: %w", d.Path, id, err)
		}
		d.planes = append(d.planes, plane)
	}

	// Work backwards from each connector to find active display chains.
	for _, connID := range res.Connectors {
		conn, err := mode.GetConnector(d.File, connID)
		if err != nil {
			log.Debug().Uint32("connector", connID).Err(err).
				Msg("skipping connector")
			continue
		}
		output, err := newOutput(d, conn)
		if err != nil {
			log.Debug().Uint32("connector", connID).Err(err).
				Msg("no usable chain for connector")
			continue
		}
		d.Outputs = append(d.Outputs, output)
	}
	if len(d.Outputs) == 0 {
		return fmt.Errorf("%s: no active outputs", d.Path)
	}

	log.Info().Str("path", d.Path).Int("outputs", len(d.Outputs)).
		Msg("using device")
	return nil
}

// OutputByCrtc resolves a completion event's CRTC ID to its output, or
// nil if the CRTC is unknown.
func (d *Device) OutputByCrtc(crtcID uint32) *Output {
	for _, out := range d.Outputs {
		if out.CrtcID == crtcID {
			return out
		}
	}
	return nil
}

// SetReleaser records a function run after the device file is closed,
// e.g. handing the fd back to logind.
func (d *Device) SetReleaser(f func()) { d.release = f }

// Close tears down all outputs (draining any outstanding fences) and
// closes the card node.
func (d *Device) Close() {
	for _, out := range d.Outputs {
		out.destroy()
	}
	d.File.Close()
	if d.release != nil {
		d.release()
	}
}
