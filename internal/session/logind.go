// Package session acquires privileged display resources. Under a logind
// session the DRM device fd is brokered over D-Bus, which works without
// root and resets the VT for us if we crash; otherwise we fall back to
// opening device nodes directly, which requires root.
package session

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"kmsloop/internal/kms"
)

const (
	logindService   = "org.freedesktop.login1"
	logindManager   = "/org/freedesktop/login1"
	managerIface    = "org.freedesktop.login1.Manager"
	sessionIface    = "org.freedesktop.login1.Session"
)

// Logind is an active logind session holding device control.
type Logind struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewLogind connects to logind and takes control of the session this
// process runs in. Returns an error when not under logind (no system
// bus, no session); callers then fall back to direct device access.
func NewLogind() (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	manager := conn.Object(logindService, logindManager)
	var path dbus.ObjectPath
	if id := os.Getenv("XDG_SESSION_ID"); id != "" {
		err = manager.Call(managerIface+".GetSession", 0, id).Store(&path)
	} else {
		err = manager.Call(managerIface+".GetSessionByPID", 0,
			uint32(os.Getpid())).Store(&path)
	}
	if err != nil {
		return nil, fmt.Errorf("finding logind session: %w", err)
	}

	s := &Logind{conn: conn, path: path}
	if err := s.object().Call(sessionIface+".Activate", 0).Err; err != nil {
		log.Debug().Err(err).Msg("could not activate session")
	}
	if err := s.object().Call(sessionIface+".TakeControl", 0, false).Err; err != nil {
		return nil, fmt.Errorf("taking session control: %w", err)
	}
	log.Info().Str("session", string(path)).Msg("took logind session control")
	return s, nil
}

func (s *Logind) object() dbus.BusObject {
	return s.conn.Object(logindService, s.path)
}

// Opener returns a kms.Opener that acquires device nodes through
// TakeDevice instead of open(2).
func (s *Logind) Opener() kms.Opener {
	return func(path string) (*os.File, error) {
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return nil, err
		}
		maj := unix.Major(uint64(st.Rdev))
		min := unix.Minor(uint64(st.Rdev))

		var fd dbus.UnixFD
		var paused bool
		err := s.object().Call(sessionIface+".TakeDevice", 0, maj, min).
			Store(&fd, &paused)
		if err != nil {
			return nil, fmt.Errorf("TakeDevice %s: %w", path, err)
		}
		if paused {
			log.Warn().Str("path", path).Msg("device handed over paused")
		}
		return os.NewFile(uintptr(fd), path), nil
	}
}

// ReleaseDevice hands a device fd back to logind. The local fd is closed
// by the caller; this only drops the session's claim.
func (s *Logind) ReleaseDevice(path string) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return
	}
	err := s.object().Call(sessionIface+".ReleaseDevice", 0,
		unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev))).Err
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("releasing device")
	}
}

// Close releases session control.
func (s *Logind) Close() {
	if err := s.object().Call(sessionIface+".ReleaseControl", 0).Err; err != nil {
		log.Debug().Err(err).Msg("releasing session control")
	}
}
