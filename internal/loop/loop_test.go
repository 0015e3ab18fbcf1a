package loop

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kmsloop/internal/fence"
	"kmsloop/internal/kms"
)

// recordingBackend tracks which buffers are handed back on teardown.
type recordingBackend struct {
	destroyed     []*kms.Buffer
	inUseAtReturn []bool
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) ExplicitFencing() bool { return false }

func (b *recordingBackend) CreateBuffer(out *kms.Output) (*kms.Buffer, error) {
	return &kms.Buffer{RenderFence: fence.None, KMSFence: fence.None}, nil
}

func (b *recordingBackend) FillBuffer(buf *kms.Buffer, progress float64) (int, error) {
	return fence.None, nil
}

func (b *recordingBackend) DestroyBuffer(buf *kms.Buffer) {
	b.destroyed = append(b.destroyed, buf)
	b.inUseAtReturn = append(b.inUseAtReturn, buf.InUse)
}

func TestCloseReturnsBuffersToBackend(t *testing.T) {
	o := newTestOutput(t, 1)
	rec := &recordingBackend{}
	l, err := New(&kms.Device{Outputs: []*kms.Output{o}}, rec)
	require.NoError(t, err)

	// Mid-flight state at shutdown: one displayed, one committed.
	o.BufferLast = o.Buffers[0]
	o.BufferLast.InUse = true
	o.BufferPending = o.Buffers[1]
	o.BufferPending.InUse = true

	l.Close()

	assert.Len(t, rec.destroyed, kms.BufferQueueDepth)
	for i, inUse := range rec.inUseAtReturn {
		assert.False(t, inUse, "buffer %d still owned at teardown", i)
	}
	assert.Nil(t, o.Buffers)
	assert.Nil(t, o.BufferPending)
	assert.Nil(t, o.BufferLast)
}

func TestRunFailsOnDeadCardDescriptor(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	w.Close() // reader now polls HUP

	dev := &kms.Device{File: r}
	l, err := New(dev, &recordingBackend{})
	require.NoError(t, err)
	defer l.Close()

	err = l.Run()
	assert.ErrorContains(t, err, "poll")
}
