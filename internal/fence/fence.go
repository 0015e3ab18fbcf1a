// Package fence wraps Linux sync_file descriptors, the kernel's
// cross-device synchronization primitive. A fence fd signals when the GPU
// or display operation it was exported from has completed.
//
// Fence fds follow a strict single-owner protocol: every fd is closed
// exactly once, by whichever holder consumed it last. Replace and DupInto
// express the two legal transfers; holding two copies of the same fd
// without duplicating first is a use-after-close waiting to happen.
package fence

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/NeowayLabs/drm/ioctl"
	"golang.org/x/sys/unix"
)

// None is the "no fence" state. It is valid everywhere a fence fd is
// accepted and is treated as already signaled.
const None = -1

const syncIoctlBase = '>'

type syncFenceInfo struct {
	objName     [32]byte
	driverName  [32]byte
	status      int32
	flags       uint32
	timestampNs uint64
}

type syncFileInfo struct {
	name      [32]byte
	status    int32
	flags     uint32
	numFences uint32
	pad       uint32
	fenceInfo uint64
}

// SYNC_IOC_FILE_INFO from linux/sync_file.h.
var ioctlSyncFileInfo = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(syncFileInfo{})), syncIoctlBase, 4)

var errUnsignaled = errors.New("fence not yet signaled")

func fileInfo(fd int) (*syncFileInfo, error) {
	info := &syncFileInfo{}
	err := ioctl.Do(uintptr(fd), uintptr(ioctlSyncFileInfo),
		uintptr(unsafe.Pointer(info)))
	if err != nil {
		return nil, fmt.Errorf("sync_file info on fd %d: %w", fd, err)
	}
	return info, nil
}

// IsValid reports whether fd refers to a sync_file. A None fd is not a
// sync_file; callers treat it as the always-signaled state instead.
func IsValid(fd int) bool {
	if fd < 0 {
		return false
	}
	info, err := fileInfo(fd)
	return err == nil && info.numFences > 0
}

// SignaledTime returns the timestamp, in nanoseconds, at which the fence
// signaled. It fails if the fence has not signaled yet. Diagnostic use
// only; control flow must never depend on it.
func SignaledTime(fd int) (int64, error) {
	info, err := fileInfo(fd)
	if err != nil {
		return 0, err
	}
	if info.status != 1 {
		return 0, errUnsignaled
	}

	fences := make([]syncFenceInfo, info.numFences)
	info.fenceInfo = uint64(uintptr(unsafe.Pointer(&fences[0])))
	err = ioctl.Do(uintptr(fd), uintptr(ioctlSyncFileInfo),
		uintptr(unsafe.Pointer(info)))
	if err != nil {
		return 0, fmt.Errorf("sync_file fence info on fd %d: %w", fd, err)
	}

	// A sync_file may merge several fences; it signals when the last does.
	var latest uint64
	for i := range fences {
		if fences[i].timestampNs > latest {
			latest = fences[i].timestampNs
		}
	}
	return int64(latest), nil
}

// Wait blocks until the fence signals or the timeout (in milliseconds,
// negative for no timeout) expires. Only the teardown path is allowed to
// call this; the steady-state loop never blocks on a fence.
func Wait(fd int, timeoutMs int) error {
	if fd < 0 {
		return nil
	}
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("waiting for fence fd %d: %w", fd, err)
		}
		if n == 0 {
			return fmt.Errorf("timed out waiting for fence fd %d", fd)
		}
		return nil
	}
}

// Replace closes *target if set and stores source in its place, taking
// ownership of source.
func Replace(target *int, source int) {
	if *target >= 0 {
		unix.Close(*target)
	}
	*target = source
}

// DupInto duplicates source with CLOEXEC and stores the duplicate in
// *target, closing any previous value. The caller keeps ownership of
// source.
func DupInto(target *int, source int) error {
	duped, err := unix.FcntlInt(uintptr(source), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("duplicating fence fd %d: %w", source, err)
	}
	Replace(target, duped)
	return nil
}

// Close closes *target if set and resets it to None.
func Close(target *int) {
	Replace(target, None)
}
