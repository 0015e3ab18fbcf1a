package kms

import (
	"fmt"
	"unsafe"

	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog/log"

	"kmsloop/internal/fence"
)

// AtomicRequest accumulates property changes for one or more outputs into
// a single kernel transaction. Grouping outputs lets the driver evaluate
// cross-output constraints atomically and avoids partial-apply states.
// Requests are built fresh per loop iteration, committed once, then
// discarded.
type AtomicRequest struct {
	props []mode.AtomicProperty
}

// NewRequest returns an empty atomic request.
func NewRequest() *AtomicRequest {
	return &AtomicRequest{}
}

// Empty reports whether anything has been added.
func (r *AtomicRequest) Empty() bool { return len(r.props) == 0 }

// add appends one property change, skipping it when the object lacks the
// property. Reports whether the property was actually added.
func (r *AtomicRequest) add(objID, propID uint32, value uint64) bool {
	if propID == 0 {
		return false
	}
	r.props = append(r.props, mode.AtomicProperty{
		ObjectID:   objID,
		PropertyID: propID,
		Value:      value,
	})
	return true
}

// AddOutputState appends the output's full configuration displaying buf:
// the plane's source (full image, 16.16 fixed point) and destination
// (full CRTC area), the CRTC's mode and active flag, the connector
// routing, and the fence properties when explicit fencing is on.
//
// Individual missing properties are skipped, but a missing FB_ID or
// CRTC_ID makes the whole build fail since the commit could not possibly
// display anything.
func (o *Output) AddOutputState(req *AtomicRequest, buf *Buffer) error {
	if buf.Width != uint32(o.Mode.Hdisplay) || buf.Height != uint32(o.Mode.Vdisplay) {
		return fmt.Errorf("[%s] buffer %dx%d does not cover mode %dx%d",
			o.Name, buf.Width, buf.Height, o.Mode.Hdisplay, o.Mode.Vdisplay)
	}

	ok := req.add(o.PlaneID, o.planeProps[planeCrtcID], uint64(o.CrtcID))
	ok = req.add(o.PlaneID, o.planeProps[planeFBID], uint64(buf.FBID)) && ok
	if !ok {
		return fmt.Errorf("[%s] plane lacks FB_ID or CRTC_ID", o.Name)
	}

	if o.ExplicitFencing && buf.RenderFence >= 0 {
		if fence.IsValid(buf.RenderFence) {
			req.add(o.PlaneID, o.planeProps[planeInFenceFD],
				uint64(buf.RenderFence))
		} else {
			log.Warn().Str("output", o.Name).
				Msg("render fence invalid, committing without it")
		}
	}

	// Source co-ordinates are 16.16 fixed point to allow cropping and
	// scaling; we scan out the full image one-to-one.
	req.add(o.PlaneID, o.planeProps[planeSrcX], 0)
	req.add(o.PlaneID, o.planeProps[planeSrcY], 0)
	req.add(o.PlaneID, o.planeProps[planeSrcW], uint64(buf.Width)<<16)
	req.add(o.PlaneID, o.planeProps[planeSrcH], uint64(buf.Height)<<16)
	req.add(o.PlaneID, o.planeProps[planeCrtcX], 0)
	req.add(o.PlaneID, o.planeProps[planeCrtcY], 0)
	req.add(o.PlaneID, o.planeProps[planeCrtcW], uint64(buf.Width))
	req.add(o.PlaneID, o.planeProps[planeCrtcH], uint64(buf.Height))

	// MODE_ID and ACTIVE only change on the first commit, but re-adding
	// the same values is free and keeps the request self-contained.
	req.add(o.CrtcID, o.crtcProps[crtcModeID], uint64(o.ModeBlobID))
	req.add(o.CrtcID, o.crtcProps[crtcActive], 1)

	if o.ExplicitFencing {
		// OUT_FENCE_PTR takes a user pointer the kernel fills with a
		// fence fd when the commit completes.
		o.commitFD = fence.None
		req.add(o.CrtcID, o.crtcProps[crtcOutFencePtr],
			uint64(uintptr(unsafe.Pointer(&o.commitFD))))
	}

	req.add(o.ConnectorID, o.connProps[connectorCrtcID], uint64(o.CrtcID))
	return nil
}

// Commit submits the request non-blocking. The call returns once the
// kernel has validated and queued it; one flip-complete event per CRTC
// arrives on the card fd when the new state is active in hardware.
//
// allowModeset must be set on an output's first commit, when there is no
// prior state to apply incrementally against, and avoided afterwards:
// full modesets may reprogram clocks and take visibly long.
func (d *Device) Commit(req *AtomicRequest, allowModeset bool) error {
	flags := uint32(mode.AtomicNonBlock | mode.PageFlipEvent)
	if allowModeset {
		flags |= mode.AtomicAllowModeSet
	}
	if err := mode.Atomic(d.File, flags, req.props); err != nil {
		return fmt.Errorf("atomic commit: %w", err)
	}
	return nil
}

// CollectCommitFence moves the kernel-filled out-fence, if any, onto the
// buffer the commit is replacing: that fence signals when the new buffer
// is active, i.e. when the old one is free to reuse.
func (o *Output) CollectCommitFence() {
	if !o.ExplicitFencing || o.commitFD < 0 {
		return
	}
	fd := int(o.commitFD)
	o.commitFD = fence.None
	if o.BufferLast == nil {
		fence.Close(&fd)
		return
	}
	if !fence.IsValid(fd) {
		log.Warn().Str("output", o.Name).Msg("commit out-fence is not a sync file")
		fence.Close(&fd)
		return
	}
	fence.Replace(&o.BufferLast.KMSFence, fd)
}
