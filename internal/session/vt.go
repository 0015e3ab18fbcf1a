package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Console ioctls, from linux/kd.h and linux/vt.h.
const (
	kdSetMode  = 0x4B3A
	kdText     = 0x00
	kdGraphics = 0x01

	kdGetKbMode = 0x4B44
	kdSetKbMode = 0x4B45
	kbOff       = 0x04

	vtOpenQry = 0x5600
)

// VT owns a virtual terminal switched into graphics mode, with the
// keyboard muted so stray input does not scribble over our frames or
// get interpreted by a shell underneath.
type VT struct {
	file        *os.File
	savedKbMode int
}

// SetupVT finds a usable VT, switches it to graphics mode and disables
// keyboard input. The VT is chosen from $TTYNO, then the controlling
// terminal on stdin, then the first free VT.
func SetupVT() (*VT, error) {
	path, err := findTTY()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	kb, err := unix.IoctlGetInt(int(f.Fd()), kdGetKbMode)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading keyboard mode on %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), kdSetKbMode, kbOff); err != nil {
		f.Close()
		return nil, fmt.Errorf("muting keyboard on %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(int(f.Fd()), kdSetMode, kdGraphics); err != nil {
		unix.IoctlSetInt(int(f.Fd()), kdSetKbMode, kb)
		f.Close()
		return nil, fmt.Errorf("setting graphics mode on %s: %w", path, err)
	}

	log.Info().Str("tty", path).Msg("VT switched to graphics mode")
	return &VT{file: f, savedKbMode: kb}, nil
}

func findTTY() (string, error) {
	if ttyno := os.Getenv("TTYNO"); ttyno != "" {
		n, err := strconv.Atoi(ttyno)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid $TTYNO %q", ttyno)
		}
		return fmt.Sprintf("/dev/tty%d", n), nil
	}

	// Running from a VT shell: take over the terminal we were started on.
	if link, err := os.Readlink("/proc/self/fd/0"); err == nil &&
		strings.HasPrefix(link, "/dev/tty") && link != "/dev/tty" {
		return link, nil
	}

	tty0, err := os.OpenFile("/dev/tty0", os.O_WRONLY, 0)
	if err != nil {
		return "", fmt.Errorf("no VT found; set $TTYNO or run from a VT: %w", err)
	}
	defer tty0.Close()
	n, err := unix.IoctlGetInt(int(tty0.Fd()), vtOpenQry)
	if err != nil || n < 0 {
		return "", fmt.Errorf("no free VT: %w", err)
	}
	return fmt.Sprintf("/dev/tty%d", n), nil
}

// Close restores text mode and the saved keyboard mode.
func (v *VT) Close() {
	if v == nil || v.file == nil {
		return
	}
	if err := unix.IoctlSetInt(int(v.file.Fd()), kdSetMode, kdText); err != nil {
		log.Warn().Err(err).Msg("restoring VT text mode")
	}
	if err := unix.IoctlSetInt(int(v.file.Fd()), kdSetKbMode, v.savedKbMode); err != nil {
		log.Warn().Err(err).Msg("restoring keyboard mode")
	}
	v.file.Close()
	v.file = nil
}
