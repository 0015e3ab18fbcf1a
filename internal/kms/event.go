package kms

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// DRM event record types from the kernel uAPI.
const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02

	eventHeaderSize = 8
	flipEventSize   = 32
)

// FlipEvent is one atomic-commit completion: the kernel sends one per
// CRTC included in a commit, at the time the new state went active in
// hardware.
type FlipEvent struct {
	Sequence uint32
	// Time is the completion timestamp in nanoseconds. CLOCK_MONOTONIC
	// when the device declares monotonic timestamps, otherwise an
	// arbitrary clock.
	Time   int64
	CrtcID uint32
}

// ReadEvents drains pending event records from the card fd. Call only
// after poll reports the fd readable; a single read can return several
// records.
func (d *Device) ReadEvents() ([]FlipEvent, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(int(d.File.Fd()), buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading KMS events: %w", err)
	}
	return parseEvents(buf[:n]), nil
}

// parseEvents walks the raw record stream. Every record starts with a
// (type, length) header; unknown types are skipped by length.
func parseEvents(data []byte) []FlipEvent {
	ne := binary.NativeEndian
	var events []FlipEvent
	for len(data) >= eventHeaderSize {
		typ := ne.Uint32(data)
		length := int(ne.Uint32(data[4:]))
		if length < eventHeaderSize || length > len(data) {
			log.Warn().Uint32("type", typ).Int("length", length).
				Msg("truncated KMS event record")
			break
		}
		if typ == eventFlipComplete && length >= flipEventSize {
			// struct drm_event_vblank: header, u64 user_data,
			// u32 tv_sec, u32 tv_usec, u32 sequence, u32 crtc_id.
			sec := int64(ne.Uint32(data[16:]))
			usec := int64(ne.Uint32(data[20:]))
			events = append(events, FlipEvent{
				Sequence: ne.Uint32(data[24:]),
				Time:     sec*1e9 + usec*1e3,
				CrtcID:   ne.Uint32(data[28:]),
			})
		}
		data = data[length:]
	}
	return events
}
