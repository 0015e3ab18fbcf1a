package loop

import (
	"github.com/rs/zerolog/log"

	"kmsloop/internal/fence"
	"kmsloop/internal/kms"
)

const (
	// Allow the driver to drift half a millisecond every frame.
	frameTimingTolerance = 1000000000 / 2000

	// How long before an output's predicted completion time its repaint
	// timer fires. No guarantee every GPU out there makes the deadline
	// with this margin.
	renderLeeway = 5 * 1000000

	// One full cycle of the animation.
	animationLoopDuration = 2 * 1000000000
)

// computeProgress derives the animation position for an output's next
// frame. The position comes from the predicted presentation time, not
// from the wall clock at render time, so the content matches what is on
// screen when it appears and dropped frames are caught up naturally.
//
// An output that has never presented reports first=true: progress is
// pinned to zero and the commit must allow a full modeset.
func computeProgress(o *kms.Output, epoch int64) (progress float64, first bool) {
	if o.LastFrame == 0 {
		return 0, true
	}
	rel := (o.NextFrame - epoch) % animationLoopDuration
	if rel < 0 {
		rel += animationLoopDuration
	}
	return float64(rel) / float64(animationLoopDuration), false
}

// repaintOne renders the next frame for one output and appends its state
// to the shared atomic request. Returns whether the commit needs the
// allow-modeset flag.
func (l *Loop) repaintOne(o *kms.Output, req *kms.AtomicRequest) (bool, error) {
	buf := o.FreeBuffer()

	progress, first := computeProgress(o, l.epoch)
	if first {
		log.Debug().Str("output", o.Name).Msg("scheduling first frame")
	}

	fd, err := l.backend.FillBuffer(buf, progress)
	if err != nil {
		log.Warn().Err(err).Str("output", o.Name).
			Msg("render failed, presenting stale content")
		fd = fence.None
	}
	fence.Replace(&buf.RenderFence, fd)

	if err := o.AddOutputState(req, buf); err != nil {
		fence.Close(&buf.RenderFence)
		return false, err
	}
	buf.InUse = true
	o.BufferPending = buf
	o.NeedsRepaint = false
	return first, nil
}

// onCompletion handles one atomic-commit completion event. The display
// controller delivers one per output per commit, at frame-boundary time:
// the buffer we committed (buffer_pending) is now on screen, so the one
// it replaced (buffer_last) is free to reuse.
func (l *Loop) onCompletion(ev kms.FlipEvent) {
	o := l.dev.OutputByCrtc(ev.CrtcID)
	if o == nil {
		log.Debug().Uint32("crtc", ev.CrtcID).
			Msg("completion event for unknown CRTC")
		return
	}

	delta := ev.Time - o.NextFrame
	if o.LastFrame != 0 && abs(delta) > frameTimingTolerance {
		side := "LATE"
		if delta < 0 {
			side = "EARLY"
		}
		log.Warn().Str("output", o.Name).
			Int64("delta_ns", delta).Str("side", side).
			Int64("expected", o.NextFrame).Int64("got", ev.Time).
			Msg("frame timing drift")
	} else {
		log.Debug().Str("output", o.Name).
			Int64("completed", ev.Time).Int64("delta_ns", delta).
			Msg("frame completed")
	}

	o.LastFrame = ev.Time

	if o.BufferPending == nil || !o.BufferPending.InUse {
		log.Error().Str("output", o.Name).
			Msg("completion event with no pending buffer")
		// Re-arm anyway: a spurious event must not stall the output's
		// repaint scheduling forever.
		if err := o.ArmTimerNow(); err != nil {
			log.Error().Err(err).Str("output", o.Name).
				Msg("arming repaint timer")
		}
		return
	}

	if o.ExplicitFencing && o.BufferLast != nil && o.BufferLast.KMSFence >= 0 {
		// The KMS fence signaled when the previous commit completed;
		// its time should match what this event carries.
		if t, err := fence.SignaledTime(o.BufferLast.KMSFence); err == nil {
			log.Debug().Str("output", o.Name).Int64("kms_fence_ns", t).
				Msg("previous commit fence time")
		}
	}

	if o.BufferLast != nil {
		o.BufferLast.InUse = false
		o.BufferLast = nil
	}
	o.BufferLast = o.BufferPending
	o.BufferPending = nil

	o.NextFrame = ev.Time + o.RefreshInterval

	// Schedule the repaint shortly before the predicted scanout so the
	// frame is as fresh as possible while still making the deadline.
	// Without monotonic timestamps the prediction is meaningless, so
	// repaint immediately instead.
	var err error
	if l.dev.MonotonicTimestamps {
		err = o.ArmTimerAt(o.NextFrame - renderLeeway)
	} else {
		err = o.ArmTimerNow()
	}
	if err != nil {
		log.Error().Err(err).Str("output", o.Name).
			Msg("arming repaint timer")
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
