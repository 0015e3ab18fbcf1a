package render

import (
	"encoding/binary"

	"kmsloop/internal/fence"
	"kmsloop/internal/kms"
)

// BackendSoftware is the name of the CPU backend.
const BackendSoftware = "software"

// Software renders with plain CPU writes into CPU-mapped dumb buffers.
// It has no fences to export: by the time FillBuffer returns, the pixels
// are in memory.
type Software struct{}

func init() {
	Register(BackendSoftware, func() Backend {
		return Software{}
	})
}

// Name returns the backend identifier.
func (Software) Name() string { return BackendSoftware }

// ExplicitFencing is false: CPU writes complete synchronously, so
// outputs using this backend run the blocking-synchronization path.
func (Software) ExplicitFencing() bool { return false }

// CreateBuffer allocates a linear dumb buffer for the output.
func (Software) CreateBuffer(out *kms.Output) (*kms.Buffer, error) {
	return kms.NewDumbBuffer(out)
}

// DestroyBuffer releases the buffer.
func (Software) DestroyBuffer(buf *kms.Buffer) {
	buf.Destroy()
}

// FillBuffer draws the animation frame: a two-tone field whose red and
// blue boundaries sweep from top-left to bottom-right as progress runs
// from 0 to 1.
func (Software) FillBuffer(buf *kms.Buffer, progress float64) (int, error) {
	FillXRGB(buf.Map, buf.Width, buf.Height, buf.Pitches[0], progress)
	return fence.None, nil
}

// FillXRGB writes the frame for the given progress into an XRGB8888
// image. Split out from FillBuffer so it can run against plain memory.
func FillXRGB(mem []byte, width, height, pitch uint32, progress float64) {
	ne := binary.NativeEndian
	ry := uint32(float64(height) * progress)
	rx := uint32(float64(width) * progress)
	for y := uint32(0); y < height; y++ {
		var b uint32
		if y >= ry {
			b = 0xff
		}
		row := mem[y*pitch:]
		for x := uint32(0); x < width; x++ {
			var r uint32
			if x >= rx {
				r = 0xff
			}
			ne.PutUint32(row[x*4:], 0xff<<24|r<<16|b)
		}
	}
}
