package loop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/NeowayLabs/drm/mode"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"launchpad.net/gommap"

	"kmsloop/internal/fence"
	"kmsloop/internal/kms"
	"kmsloop/internal/render"
)

const testInterval = int64(16666667)

func newTestOutput(t *testing.T, crtc uint32) *kms.Output {
	t.Helper()
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(tfd) })

	o := &kms.Output{
		Name:            fmt.Sprintf("HDMI-A-%d", crtc),
		CrtcID:          crtc,
		RefreshInterval: testInterval,
		TimerFD:         tfd,
	}
	for i := 0; i < kms.BufferQueueDepth; i++ {
		o.Buffers = append(o.Buffers, &kms.Buffer{
			FBID:        uint32(10 + i),
			RenderFence: fence.None,
			KMSFence:    fence.None,
		})
	}
	return o
}

func newTestLoop(outs ...*kms.Output) *Loop {
	return &Loop{
		dev:     &kms.Device{MonotonicTimestamps: true, Outputs: outs},
		backend: render.Software{},
		epoch:   1_000_000_000,
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = old })
	return &buf
}

// submit mimics what repaintOne does to buffer state, without needing a
// device to build the atomic request against.
func submit(t *testing.T, o *kms.Output) *kms.Buffer {
	t.Helper()
	buf := o.FreeBuffer()
	require.NotNil(t, buf)
	buf.InUse = true
	o.BufferPending = buf
	o.NeedsRepaint = false
	return buf
}

// newRepaintOutput builds an output the real repaint path can run
// against: resolved property IDs and CPU-visible buffers, no device.
func newRepaintOutput(t *testing.T) *kms.Output {
	t.Helper()
	o := kms.NewOutput(kms.OutputConfig{
		Name:            "eDP-1",
		PlaneID:         31,
		CrtcID:          1,
		ConnectorID:     71,
		Mode:            mode.Info{Hdisplay: 4, Vdisplay: 4},
		ModeBlobID:      901,
		RefreshInterval: testInterval,
		PlaneProps:      map[string]uint32{"CRTC_ID": 101, "FB_ID": 102},
		CrtcProps:       map[string]uint32{"MODE_ID": 201, "ACTIVE": 202},
		ConnProps:       map[string]uint32{"CRTC_ID": 301},
	})
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(tfd) })
	o.TimerFD = tfd

	for i := 0; i < kms.BufferQueueDepth; i++ {
		o.Buffers = append(o.Buffers, &kms.Buffer{
			FBID:        uint32(10 + i),
			Width:       4,
			Height:      4,
			Pitches:     [4]uint32{16},
			Map:         make(gommap.MMap, 64),
			RenderFence: fence.None,
			KMSFence:    fence.None,
		})
	}
	return o
}

func TestRepaintOneFirstFrame(t *testing.T) {
	o := newRepaintOutput(t)
	l := newTestLoop(o)
	req := kms.NewRequest()

	first, err := l.repaintOne(o, req)
	require.NoError(t, err)
	assert.True(t, first, "first frame must request a modeset")

	require.NotNil(t, o.BufferPending)
	assert.True(t, o.BufferPending.InUse)
	assert.False(t, o.NeedsRepaint)
	assert.False(t, req.Empty())

	// Progress 0 paints red and blue everywhere.
	px := binary.NativeEndian.Uint32(o.BufferPending.Map)
	assert.Equal(t, uint32(0xffff00ff), px)
}

func TestRepaintOneSteadyState(t *testing.T) {
	o := newRepaintOutput(t)
	l := newTestLoop(o)
	o.LastFrame = 1
	o.NextFrame = l.epoch + animationLoopDuration/2

	first, err := l.repaintOne(o, kms.NewRequest())
	require.NoError(t, err)
	assert.False(t, first)
	require.NotNil(t, o.BufferPending)
	assert.True(t, o.BufferPending.InUse)
}

func TestRepaintOneBuildFailureLeavesStateClean(t *testing.T) {
	o := newRepaintOutput(t)
	l := newTestLoop(o)
	buf := o.Buffers[0]
	buf.Width = 2 // no longer covers the mode

	_, err := l.repaintOne(o, kms.NewRequest())
	require.Error(t, err)
	assert.False(t, buf.InUse)
	assert.Nil(t, o.BufferPending)
	assert.True(t, o.NeedsRepaint)
}

func TestRepaintCompletionCycle(t *testing.T) {
	o := newRepaintOutput(t)
	l := newTestLoop(o)

	ts := int64(5_000_000_000)
	var last *kms.Buffer
	for i := 0; i < 4; i++ {
		_, err := l.repaintOne(o, kms.NewRequest())
		require.NoError(t, err)
		pending := o.BufferPending
		require.NotNil(t, pending)
		assert.NotEqual(t, last, pending, "displayed buffer handed to renderer")

		l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})
		assert.Equal(t, pending, o.BufferLast)
		if last != nil {
			assert.False(t, last.InUse, "replaced buffer not released")
		}
		last = pending
		ts += testInterval
	}
}

func TestComputeProgressFirstFrame(t *testing.T) {
	o := newTestOutput(t, 1)
	progress, first := computeProgress(o, 1_000_000_000)
	assert.True(t, first)
	assert.Zero(t, progress)
}

func TestComputeProgressWraparound(t *testing.T) {
	const epoch = int64(1_000_000_000)
	o := newTestOutput(t, 1)
	o.LastFrame = 1 // not the first frame anymore

	o.NextFrame = epoch + animationLoopDuration/4
	p1, first := computeProgress(o, epoch)
	assert.False(t, first)
	assert.InDelta(t, 0.25, p1, 1e-9)

	// One full animation period later: same position.
	o.NextFrame += animationLoopDuration
	p2, _ := computeProgress(o, epoch)
	assert.InDelta(t, p1, p2, 1e-9)

	// Exact period boundary wraps to zero, staying in [0, 1).
	o.NextFrame = epoch + animationLoopDuration
	p3, _ := computeProgress(o, epoch)
	assert.Zero(t, p3)
}

func TestComputeProgressBeforeEpoch(t *testing.T) {
	o := newTestOutput(t, 1)
	o.LastFrame = 1
	o.NextFrame = 1_000_000_000 - animationLoopDuration/4

	p, _ := computeProgress(o, 1_000_000_000)
	assert.InDelta(t, 0.75, p, 1e-9)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.Less(t, p, 1.0)
}

func TestCompletionPromotesBuffers(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)

	ts := int64(5_000_000_000)
	for i := 0; i < 5; i++ {
		buf := submit(t, o)
		l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})

		assert.Nil(t, o.BufferPending)
		assert.Equal(t, buf, o.BufferLast)
		assert.Equal(t, ts+testInterval, o.NextFrame)
		assert.Equal(t, ts, o.LastFrame)

		inUse := 0
		for _, b := range o.Buffers {
			if b.InUse {
				inUse++
			}
		}
		assert.Equal(t, 1, inUse, "only the displayed buffer may stay in use")

		ts += testInterval
	}
}

func TestCompletionExactIntervalNoDrift(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	logs := captureLog(t)

	ts := int64(5_000_000_000)
	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})

	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts + testInterval})

	assert.NotContains(t, logs.String(), "drift")
	assert.Equal(t, ts+2*testInterval, o.NextFrame)
}

func TestCompletionDriftWarning(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	logs := captureLog(t)

	ts := int64(5_000_000_000)
	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})

	late := ts + testInterval + 2_000_000
	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: late})

	assert.Contains(t, logs.String(), "drift")
	// Prediction self-corrects from the actual timestamp, drift or not.
	assert.Equal(t, late+testInterval, o.NextFrame)
}

func TestCompletionPredictionIdempotence(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	captureLog(t)

	jitter := []int64{0, 300_000, -200_000, 1_500_000, -900_000}
	ts := int64(5_000_000_000)
	for _, j := range jitter {
		ts += testInterval + j
		submit(t, o)
		l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})
		assert.Equal(t, ts+testInterval, o.NextFrame)
	}
}

func TestCompletionUnknownCrtc(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	submit(t, o)

	l.onCompletion(kms.FlipEvent{CrtcID: 99, Time: 5_000_000_000})
	assert.NotNil(t, o.BufferPending)
	assert.Zero(t, o.LastFrame)
}

func TestCompletionWithoutPendingBuffer(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	captureLog(t)

	assert.NotPanics(t, func() {
		l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: 5_000_000_000})
	})
	assert.Nil(t, o.BufferLast)

	// The timer must still be re-armed, or the output would never
	// repaint again after a spurious event.
	fds := []unix.PollFd{{Fd: int32(o.TimerFD), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCompletionWithoutFencing(t *testing.T) {
	o := newTestOutput(t, 1)
	o.ExplicitFencing = false
	l := newTestLoop(o)

	ts := int64(5_000_000_000)
	for i := 0; i < 3; i++ {
		submit(t, o)
		l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: ts})
		ts += testInterval
	}
	for _, b := range o.Buffers {
		assert.Equal(t, fence.None, b.KMSFence)
		assert.Equal(t, fence.None, b.RenderFence)
	}
}

func TestCompletionArmsRepaintTimer(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)

	var now unix.Timespec
	require.NoError(t, unix.ClockGettime(unix.CLOCK_MONOTONIC, &now))

	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: now.Nano()})

	// Deadline is leeway before the predicted frame, so still pending.
	var cur unix.ItimerSpec
	require.NoError(t, unix.TimerfdGettime(o.TimerFD, &cur))
	assert.True(t, cur.Value.Sec != 0 || cur.Value.Nsec != 0, "timer not armed")
}

func TestCompletionWithoutMonotonicTimestamps(t *testing.T) {
	o := newTestOutput(t, 1)
	l := newTestLoop(o)
	l.dev.MonotonicTimestamps = false

	submit(t, o)
	l.onCompletion(kms.FlipEvent{CrtcID: 1, Time: 5_000_000_000})

	// Timer was armed to fire immediately.
	fds := []unix.PollFd{{Fd: int32(o.TimerFD), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
