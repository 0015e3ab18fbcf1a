package kms

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"kmsloop/internal/fence"
)

// BufferQueueDepth is how many buffers each output owns. With at most one
// buffer pending in KMS and one being scanned out, three always leaves a
// spare to render into.
const BufferQueueDepth = 3

var connectorTypeNames = []string{
	"Unknown", "VGA", "DVI-I", "DVI-D", "DVI-A", "Composite", "SVIDEO",
	"LVDS", "Component", "DIN", "DP", "HDMI-A", "HDMI-B", "TV", "eDP",
	"Virtual", "DSI", "DPI", "Writeback",
}

// Output is one plane -> CRTC -> connector chain plus its buffer pool and
// per-frame timing state.
type Output struct {
	Device *Device
	Name   string

	PlaneID     uint32
	CrtcID      uint32
	ConnectorID uint32

	Mode       mode.Info
	ModeBlobID uint32

	// RefreshInterval is the nominal time between vblanks, in
	// nanoseconds, derived from the mode's pixel clock.
	RefreshInterval int64

	// Modifiers the primary plane supports for XRGB8888.
	Modifiers []uint64

	// ExplicitFencing is set only when both the plane and CRTC expose
	// fence properties; the renderer may clear it if it cannot
	// participate.
	ExplicitFencing bool

	NeedsRepaint bool

	// LastFrame and NextFrame are completion timestamps in nanoseconds:
	// the last confirmed one and the predicted next one. LastFrame zero
	// means the output has never presented.
	LastFrame int64
	NextFrame int64

	Buffers       []*Buffer
	BufferPending *Buffer
	BufferLast    *Buffer

	// TimerFD is the repaint deadline timer, armed from completion
	// events and polled by the main loop.
	TimerFD int

	planeProps []uint32
	crtcProps  []uint32
	connProps  []uint32

	// commitFD is filled by the kernel through OUT_FENCE_PTR during an
	// atomic commit. Only the commit path touches it.
	commitFD int32
}

// OutputConfig assembles an Output from routing and property IDs
// resolved elsewhere. Discovery probes the kernel for these; callers
// without a device supply them directly.
type OutputConfig struct {
	Name string

	PlaneID     uint32
	CrtcID      uint32
	ConnectorID uint32

	Mode            mode.Info
	ModeBlobID      uint32
	RefreshInterval int64
	ExplicitFencing bool

	// Property IDs keyed by kernel property name (CRTC_ID, FB_ID,
	// MODE_ID, ...), per object. Absent names resolve to 0, meaning the
	// object lacks that property.
	PlaneProps map[string]uint32
	CrtcProps  map[string]uint32
	ConnProps  map[string]uint32
}

// NewOutput builds an output from pre-resolved configuration. The
// repaint timer starts unset; attach one before scheduling.
func NewOutput(cfg OutputConfig) *Output {
	o := &Output{
		Name:            cfg.Name,
		PlaneID:         cfg.PlaneID,
		CrtcID:          cfg.CrtcID,
		ConnectorID:     cfg.ConnectorID,
		Mode:            cfg.Mode,
		ModeBlobID:      cfg.ModeBlobID,
		RefreshInterval: cfg.RefreshInterval,
		ExplicitFencing: cfg.ExplicitFencing,
		NeedsRepaint:    true,
		TimerFD:         -1,
		commitFD:        fence.None,
	}
	o.planeProps = make([]uint32, planePropCount)
	for i, name := range planePropNames {
		o.planeProps[i] = cfg.PlaneProps[name]
	}
	o.crtcProps = make([]uint32, crtcPropCount)
	for i, name := range crtcPropNames {
		o.crtcProps[i] = cfg.CrtcProps[name]
	}
	o.connProps = make([]uint32, connectorPropCount)
	for i, name := range connectorPropNames {
		o.connProps[i] = cfg.ConnProps[name]
	}
	return o
}

func connectorName(conn *mode.Connector) string {
	name := "UNKNOWN"
	if int(conn.Type) < len(connectorTypeNames) {
		name = connectorTypeNames[conn.Type]
	}
	return fmt.Sprintf("%s-%d", name, conn.TypeID)
}

// newOutput works backwards from an active connector to a complete
// display chain, reusing the current routing and mode. Connectors which
// are disabled or mid-configuration are skipped with an error.
func newOutput(dev *Device, conn *mode.Connector) (*Output, error) {
	if conn.EncoderID == 0 {
		return nil, errors.New("no encoder")
	}
	encoder, err := mode.GetEncoder(dev.File, conn.EncoderID)
	if err != nil {
		return nil, fmt.Errorf("getting encoder %d: %w", conn.EncoderID, err)
	}
	if encoder.CrtcID == 0 {
		return nil, errors.New("no CRTC")
	}
	crtc, err := mode.GetCrtc(dev.File, encoder.CrtcID)
	if err != nil {
		return nil, fmt.Errorf("getting CRTC %d: %w", encoder.CrtcID, err)
	}
	if crtc.BufferID == 0 {
		return nil, errors.New("CRTC not active")
	}

	// The kernel doesn't say which plane is primary for a CRTC, but an
	// active CRTC duplicates its framebuffer ID onto that plane.
	var plane *mode.Plane
	for _, p := range dev.planes {
		if p.CrtcID == crtc.ID && p.FbID == crtc.BufferID {
			plane = p
			break
		}
	}
	if plane == nil {
		return nil, errors.New("no primary plane for CRTC")
	}

	out := &Output{
		Device:      dev,
		Name:        connectorName(conn),
		PlaneID:     plane.ID,
		CrtcID:      crtc.ID,
		ConnectorID: conn.ID,
		Mode:        crtc.Mode,
		TimerFD:     -1,
		commitFD:    fence.None,
	}
	out.RefreshInterval = refreshIntervalNsec(&crtc.Mode)
	out.NeedsRepaint = true

	log.Info().
		Str("output", out.Name).
		Uint32("crtc", out.CrtcID).
		Uint32("connector", out.ConnectorID).
		Uint32("plane", out.PlaneID).
		Uint16("width", crtc.Mode.Hdisplay).
		Uint16("height", crtc.Mode.Vdisplay).
		Int64("refresh_ns", out.RefreshInterval).
		Msg("found active display chain")

	blobID, err := mode.CreateInfoBlob(dev.File, out.Mode)
	if err != nil {
		return nil, fmt.Errorf("creating MODE_ID blob: %w", err)
	}
	out.ModeBlobID = blobID

	var planeRaw *mode.Properties
	out.planeProps, planeRaw, err = resolveProps(dev.File, out.PlaneID,
		mode.ObjectPlane, planePropNames[:])
	if err != nil {
		out.destroy()
		return nil, err
	}
	out.parsePlaneFormats(planeRaw)

	out.crtcProps, _, err = resolveProps(dev.File, out.CrtcID,
		mode.ObjectCRTC, crtcPropNames[:])
	if err != nil {
		out.destroy()
		return nil, err
	}

	var connProps *mode.Properties
	out.connProps, connProps, err = resolveProps(dev.File, out.ConnectorID,
		mode.ObjectConnector, connectorPropNames[:])
	if err != nil {
		out.destroy()
		return nil, err
	}
	out.logEDID(connProps)

	out.ExplicitFencing = out.planeProps[planeInFenceFD] != 0 &&
		out.crtcProps[crtcOutFencePtr] != 0

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		out.destroy()
		return nil, fmt.Errorf("creating repaint timer: %w", err)
	}
	out.TimerFD = tfd

	return out, nil
}

// refreshIntervalNsec derives the frame period from the mode. Drivers are
// supposed to report a refresh rate but often don't, so compute our own
// in millihertz for precision.
func refreshIntervalNsec(m *mode.Info) int64 {
	if m.Htotal == 0 || m.Vtotal == 0 {
		return 0
	}
	refreshMHz := ((int64(m.Clock)*1000000/int64(m.Htotal))+
		int64(m.Vtotal)/2) / int64(m.Vtotal)
	if refreshMHz == 0 {
		return 0
	}
	return 1000000000000 / refreshMHz
}

// drm_format_modifier_blob layout from the kernel uAPI: a fixed header
// followed by a format array and a modifier array at byte offsets given
// in the header.
const (
	formatXRGB8888  = 0x34325258 // fourcc('X', 'R', '2', '4')
	modifierLinear  = 0x0
	inFormatsHeader = 24
	modifierRecord  = 24 // u64 formats bitmask, u32 offset, u32 pad, u64 modifier
)

// parsePlaneFormats extracts the modifiers the plane supports for
// XRGB8888 from the IN_FORMATS blob, if the plane has one.
func (o *Output) parsePlaneFormats(planeRaw *mode.Properties) {
	blobID, ok := propertyValue(planeRaw, o.planeProps[planeInFormats])
	if !ok || blobID == 0 {
		log.Debug().Str("output", o.Name).Msg("plane does not have IN_FORMATS")
		return
	}
	blob, err := mode.GetBlob(o.Device.File, uint32(blobID))
	if err != nil {
		log.Debug().Str("output", o.Name).Err(err).
			Msg("could not read IN_FORMATS blob")
		return
	}
	data := blob.Data
	if len(data) < inFormatsHeader {
		return
	}
	ne := binary.NativeEndian
	countFormats := ne.Uint32(data[8:])
	formatsOffset := ne.Uint32(data[12:])
	countModifiers := ne.Uint32(data[16:])
	modifiersOffset := ne.Uint32(data[20:])

	for f := uint32(0); f < countFormats; f++ {
		pos := int(formatsOffset) + int(f)*4
		if pos+4 > len(data) {
			return
		}
		if ne.Uint32(data[pos:]) != formatXRGB8888 {
			continue
		}
		for m := uint32(0); m < countModifiers; m++ {
			rec := int(modifiersOffset) + int(m)*modifierRecord
			if rec+modifierRecord > len(data) {
				return
			}
			formatsMask := ne.Uint64(data[rec:])
			offset := ne.Uint32(data[rec+8:])
			modifier := ne.Uint64(data[rec+16:])

			// Each modifier record covers a 64-format window of the
			// format array starting at its offset.
			if f < offset || f > offset+63 {
				continue
			}
			if formatsMask&(1<<(f-offset)) == 0 {
				continue
			}
			o.Modifiers = append(o.Modifiers, modifier)
		}
	}
}

func (o *Output) logEDID(connProps *mode.Properties) {
	blobID, ok := propertyValue(connProps, o.connProps[connectorEDID])
	if !ok || blobID == 0 {
		log.Debug().Str("output", o.Name).Msg("output does not have EDID")
		return
	}
	blob, err := mode.GetBlob(o.Device.File, uint32(blobID))
	if err != nil {
		return
	}
	info, err := ParseEDID(blob.Data)
	if err != nil {
		log.Debug().Str("output", o.Name).Err(err).Msg("bad EDID block")
		return
	}
	log.Debug().
		Str("output", o.Name).
		Str("pnp_id", info.PNPID).
		Str("name", info.MonitorName).
		Str("serial", info.SerialNumber).
		Msg("EDID")
}

// SupportsLinear reports whether the plane accepts linear buffers. When
// the plane has no IN_FORMATS blob the answer is assumed yes, matching
// pre-modifier drivers.
func (o *Output) SupportsLinear() bool {
	if len(o.Modifiers) == 0 {
		return true
	}
	for _, m := range o.Modifiers {
		if m == modifierLinear {
			return true
		}
	}
	return false
}

// ArmTimerAt sets the repaint deadline to an absolute CLOCK_MONOTONIC
// time in nanoseconds.
func (o *Output) ArmTimerAt(ns int64) error {
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	return unix.TimerfdSettime(o.TimerFD, unix.TFD_TIMER_ABSTIME, &its, nil)
}

// ArmTimerNow makes the deadline timer fire immediately, used when the
// device cannot provide timestamps we can schedule against.
func (o *Output) ArmTimerNow() error {
	its := unix.ItimerSpec{Value: unix.Timespec{Nsec: 1}}
	return unix.TimerfdSettime(o.TimerFD, unix.TFD_TIMER_ABSTIME, &its, nil)
}

// DisarmTimer stops the deadline timer so a level-triggered poll won't
// keep waking until completion handling re-arms it.
func (o *Output) DisarmTimer() error {
	var its unix.ItimerSpec
	return unix.TimerfdSettime(o.TimerFD, unix.TFD_TIMER_ABSTIME, &its, nil)
}

func (o *Output) destroy() {
	for _, buf := range o.Buffers {
		buf.Destroy()
	}
	o.Buffers = nil
	if o.ModeBlobID != 0 {
		if err := mode.DestroyBlob(o.Device.File, o.ModeBlobID); err != nil {
			log.Debug().Str("output", o.Name).Err(err).
				Msg("destroying mode blob")
		}
		o.ModeBlobID = 0
	}
	if o.TimerFD >= 0 {
		unix.Close(o.TimerFD)
		o.TimerFD = -1
	}
}
