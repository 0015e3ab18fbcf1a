package kms

import (
	"fmt"

	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog/log"
	"launchpad.net/gommap"

	"kmsloop/internal/fence"
)

// DRM_MODE_FB_MODIFIERS for AddFB2.
const fbModifiersFlag = 0x2

// Buffer is a display-capable image owned by exactly one output: a dumb
// buffer wrapped in a KMS framebuffer object, CPU-mapped for rendering.
type Buffer struct {
	Output *Output

	// InUse is true while the buffer is displayed or queued for display
	// by KMS. An in-use buffer must never be handed to the renderer.
	InUse bool

	FBID     uint32
	Format   uint32
	Modifier uint64

	Width, Height uint32
	Pitches       [4]uint32
	Offsets       [4]uint32

	// RenderFence signals when the producer finished writing pixels;
	// KMSFence signals when the last commit displaying this buffer
	// completed, i.e. the buffer is safe to reuse.
	RenderFence int
	KMSFence    int

	Map gommap.MMap

	handles [4]uint32
	size    uint64
}

// NewDumbBuffer allocates a linear dumb buffer matching the output's mode
// and wraps it in a framebuffer object. It fails if the plane advertises
// modifiers but not the linear one, since dumb buffers are always linear.
func NewDumbBuffer(out *Output) (*Buffer, error) {
	dev := out.Device
	if dev.Modifiers && !out.SupportsLinear() {
		return nil, fmt.Errorf("[%s] plane does not accept linear buffers", out.Name)
	}

	// bpp 32 with XRGB8888: the dumb-buffer ioctl infers the format from
	// depth/bpp; AddFB2 below names it explicitly.
	fb, err := mode.CreateFB(dev.File, out.Mode.Hdisplay, out.Mode.Vdisplay, 32)
	if err != nil {
		return nil, fmt.Errorf("[%s] creating %dx%d dumb buffer: %w",
			out.Name, out.Mode.Hdisplay, out.Mode.Vdisplay, err)
	}

	buf := &Buffer{
		Output:      out,
		Format:      formatXRGB8888,
		Modifier:    modifierLinear,
		Width:       uint32(out.Mode.Hdisplay),
		Height:      uint32(out.Mode.Vdisplay),
		RenderFence: fence.None,
		KMSFence:    fence.None,
		size:        fb.Size,
	}
	buf.handles[0] = fb.Handle
	buf.Pitches[0] = fb.Pitch

	offset, err := mode.MapDumb(dev.File, fb.Handle)
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("[%s] getting mmap offset: %w", out.Name, err)
	}
	buf.Map, err = gommap.MapAt(0, uintptr(dev.File.Fd()), int64(offset),
		int64(fb.Size), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("[%s] mapping dumb buffer: %w", out.Name, err)
	}

	flags := uint32(0)
	if dev.Modifiers {
		flags = fbModifiersFlag
	}
	buf.FBID, err = mode.AddFB2SinglePlane(dev.File,
		out.Mode.Hdisplay, out.Mode.Vdisplay,
		buf.Format, flags, buf.Pitches[0], 0, buf.handles[0], buf.Modifier)
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("[%s] wrapping dumb buffer in framebuffer: %w",
			out.Name, err)
	}

	log.Debug().
		Str("output", out.Name).
		Uint32("fb", buf.FBID).
		Uint32("width", buf.Width).
		Uint32("height", buf.Height).
		Uint32("pitch", buf.Pitches[0]).
		Msg("created dumb buffer")
	return buf, nil
}

// Destroy releases the framebuffer object and backing memory. If a KMS
// completion fence is still outstanding it blocks until signaled first, a
// teardown-only safety net; a failed wait is logged and treated as
// signaled so shutdown cannot deadlock.
func (b *Buffer) Destroy() {
	if b.InUse {
		log.Error().Uint32("fb", b.FBID).
			Msg("destroying a buffer still owned by KMS")
	}
	if b.KMSFence >= 0 {
		if err := fence.Wait(b.KMSFence, 1000); err != nil {
			log.Warn().Err(err).Uint32("fb", b.FBID).
				Msg("fence wait failed, assuming signaled")
		}
	}
	fence.Close(&b.RenderFence)
	fence.Close(&b.KMSFence)

	dev := b.Output.Device
	if b.FBID != 0 {
		if err := mode.RmFB(dev.File, b.FBID); err != nil {
			log.Debug().Err(err).Uint32("fb", b.FBID).Msg("removing framebuffer")
		}
		b.FBID = 0
	}
	if b.Map != nil {
		if err := b.Map.UnsafeUnmap(); err != nil {
			log.Debug().Err(err).Msg("unmapping dumb buffer")
		}
		b.Map = nil
	}
	if b.handles[0] != 0 {
		if err := mode.DestroyDumb(dev.File, b.handles[0]); err != nil {
			log.Debug().Err(err).Msg("destroying dumb buffer")
		}
		b.handles[0] = 0
	}
}

// FreeBuffer returns a buffer not currently owned by KMS. The pool is
// provisioned so one always exists while at most one buffer is in flight;
// running out means the fencing protocol has been violated.
func (o *Output) FreeBuffer() *Buffer {
	for _, buf := range o.Buffers {
		if !buf.InUse {
			return buf
		}
	}
	panic(fmt.Sprintf("[%s] no free buffer", o.Name))
}
