// Package loop runs the single-threaded repaint loop: one poll across
// the display device fd and every output's deadline timer, with all
// scheduling and buffer state driven from whichever descriptors wake it.
package loop

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"kmsloop/internal/kms"
	"kmsloop/internal/render"
)

// Loop owns the repaint loop for one device. Everything runs on the
// caller's goroutine; Stop is the only method safe to call from another.
type Loop struct {
	dev     *kms.Device
	backend render.Backend
	epoch   int64

	wakeR, wakeW int
	stop         atomic.Bool
}

func New(dev *kms.Device, backend render.Backend) (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating wakeup pipe: %w", err)
	}

	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return nil, fmt.Errorf("reading monotonic clock: %w", err)
	}

	return &Loop{
		dev:     dev,
		backend: backend,
		epoch:   ts.Nano(),
		wakeR:   p[0],
		wakeW:   p[1],
	}, nil
}

// Stop requests a clean shutdown. The loop notices between iterations;
// a submitted commit still gets its completion event before teardown
// drains the fences.
func (l *Loop) Stop() {
	l.stop.Store(true)
	unix.Write(l.wakeW, []byte{0})
}

// Run spins the repaint loop until Stop is called or a commit fails.
// A rejected atomic commit means the assembled property set is wrong,
// not a transient condition, so there is no retry.
func (l *Loop) Run() error {
	outputs := l.dev.Outputs

	// One pollfd per output timer, then the device fd, then the wake pipe.
	fds := make([]unix.PollFd, len(outputs)+2)
	for i, o := range outputs {
		fds[i] = unix.PollFd{Fd: int32(o.TimerFD), Events: unix.POLLIN}
	}
	fds[len(outputs)] = unix.PollFd{Fd: int32(l.dev.File.Fd()), Events: unix.POLLIN}
	fds[len(outputs)+1] = unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN}

	for !l.stop.Load() {
		// Group every output that needs repainting into one atomic
		// request, so the kernel sees the complete target state. After
		// the first commit each output runs its own cadence off its own
		// timer, so outputs at different refresh rates stay independent.
		req := kms.NewRequest()
		allowModeset := false
		count := 0
		for _, o := range outputs {
			if !o.NeedsRepaint {
				continue
			}
			first, err := l.repaintOne(o, req)
			if err != nil {
				return fmt.Errorf("building state for %s: %w", o.Name, err)
			}
			allowModeset = allowModeset || first
			count++
		}

		if count > 0 {
			if err := l.dev.Commit(req, allowModeset); err != nil {
				return fmt.Errorf("atomic commit: %w", err)
			}
			// The out-fence signals when this commit becomes active,
			// which is exactly when the previous buffer is reusable.
			for _, o := range outputs {
				o.CollectCommitFence()
			}
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("polling: %w", err)
		}
		if n == 0 {
			continue
		}

		for i := range fds {
			if fds[i].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				return fmt.Errorf("descriptor %d failed during poll (revents %#x)",
					fds[i].Fd, fds[i].Revents)
			}
			if fds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			switch {
			case i < len(outputs):
				// Timer fired: mark the output and disarm so the fd
				// stays quiet until completion re-arms it.
				drainFD(outputs[i].TimerFD)
				if err := outputs[i].DisarmTimer(); err != nil {
					return fmt.Errorf("disarming timer for %s: %w",
						outputs[i].Name, err)
				}
				outputs[i].NeedsRepaint = true
			case i == len(outputs):
				events, err := l.dev.ReadEvents()
				if err != nil {
					return fmt.Errorf("reading display events: %w", err)
				}
				for _, ev := range events {
					l.onCompletion(ev)
				}
			default:
				drainFD(l.wakeR)
			}
		}
	}

	log.Info().Msg("repaint loop stopped")
	return nil
}

// Close returns every output's buffers to the backend that created them
// and releases the wakeup pipe. Call after Run returns.
func (l *Loop) Close() {
	for _, o := range l.dev.Outputs {
		// The kernel's claim on committed buffers ends with the device,
		// so release ownership before handing them back.
		if o.BufferPending != nil {
			o.BufferPending.InUse = false
			o.BufferPending = nil
		}
		if o.BufferLast != nil {
			o.BufferLast.InUse = false
			o.BufferLast = nil
		}
		for _, buf := range o.Buffers {
			l.backend.DestroyBuffer(buf)
		}
		o.Buffers = nil
	}
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

func drainFD(fd int) {
	var buf [8]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
