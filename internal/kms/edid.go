package kms

import (
	"errors"
	"fmt"
	"strings"
)

// Descriptor tags and offsets in the base EDID block.
const (
	edidDescAlphanumeric = 0xfe
	edidDescProductName  = 0xfc
	edidDescSerialNumber = 0xff
	edidOffsetDataBlocks = 0x36
	edidOffsetLastBlock  = 0x6c
	edidOffsetPNPID      = 0x08
	edidOffsetSerial     = 0x0c
)

// EDIDInfo is the very basic identification we pull from a monitor's
// EDID block, for logging only.
type EDIDInfo struct {
	PNPID        string
	EISAID       string
	MonitorName  string
	SerialNumber string
}

var errBadEDID = errors.New("not an EDID block")

// edidString cleans a 12-byte descriptor payload: terminate at newline,
// replace unprintable bytes, and discard the string entirely if it is
// mostly junk.
func edidString(data []byte) string {
	text := make([]byte, 0, 12)
	replaced := 0
	for _, b := range data[:12] {
		if b == 0 || b == '\n' || b == '\r' {
			break
		}
		if b < 0x20 || b > 0x7e {
			b = '-'
			replaced++
		}
		text = append(text, b)
	}
	if replaced > 4 {
		return ""
	}
	return strings.TrimSpace(string(text))
}

// ParseEDID extracts identification strings from a base EDID block. Only
// the first 128-byte block is examined; extension blocks carry nothing we
// report.
func ParseEDID(data []byte) (*EDIDInfo, error) {
	if len(data) < 128 {
		return nil, errBadEDID
	}
	if data[0] != 0x00 || data[1] != 0xff {
		return nil, errBadEDID
	}

	info := &EDIDInfo{}

	// The PNP ID is three 5-bit letters packed into two bytes, each
	// encoded 1..26. Anything outside that is a bogus manufacturer
	// field, not a decodable letter.
	b0, b1 := data[edidOffsetPNPID], data[edidOffsetPNPID+1]
	letters := [3]byte{
		(b0 & 0x7c) >> 2,
		(b0&0x3)<<3 | (b1&0xe0)>>5,
		b1 & 0x1f,
	}
	valid := true
	for _, l := range letters {
		if l < 1 || l > 26 {
			valid = false
		}
	}
	if valid {
		info.PNPID = string([]byte{
			'A' + letters[0] - 1,
			'A' + letters[1] - 1,
			'A' + letters[2] - 1,
		})
	}

	// The binary serial is a fallback when no ASCII descriptor exists.
	serial := uint32(data[edidOffsetSerial]) |
		uint32(data[edidOffsetSerial+1])<<8 |
		uint32(data[edidOffsetSerial+2])<<16 |
		uint32(data[edidOffsetSerial+3])<<24
	if serial > 0 {
		info.SerialNumber = fmt.Sprintf("%d", serial)
	}

	for i := edidOffsetDataBlocks; i <= edidOffsetLastBlock; i += 18 {
		// Descriptors with a pixel clock are detailed timings, not text.
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		switch data[i+3] {
		case edidDescProductName:
			info.MonitorName = edidString(data[i+5:])
		case edidDescSerialNumber:
			info.SerialNumber = edidString(data[i+5:])
		case edidDescAlphanumeric:
			info.EISAID = edidString(data[i+5:])
		}
	}
	return info, nil
}
