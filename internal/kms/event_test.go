package kms

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flipRecord(sec, usec, seq, crtc uint32) []byte {
	ne := binary.NativeEndian
	rec := make([]byte, flipEventSize)
	ne.PutUint32(rec[0:], eventFlipComplete)
	ne.PutUint32(rec[4:], flipEventSize)
	ne.PutUint32(rec[16:], sec)
	ne.PutUint32(rec[20:], usec)
	ne.PutUint32(rec[24:], seq)
	ne.PutUint32(rec[28:], crtc)
	return rec
}

func vblankRecord() []byte {
	ne := binary.NativeEndian
	rec := make([]byte, flipEventSize)
	ne.PutUint32(rec[0:], eventVBlank)
	ne.PutUint32(rec[4:], flipEventSize)
	return rec
}

func TestParseEventsSingleFlip(t *testing.T) {
	events := parseEvents(flipRecord(100, 500, 7, 42))
	require.Len(t, events, 1)
	assert.Equal(t, uint32(7), events[0].Sequence)
	assert.Equal(t, uint32(42), events[0].CrtcID)
	assert.Equal(t, int64(100)*1e9+int64(500)*1e3, events[0].Time)
}

func TestParseEventsMultipleRecords(t *testing.T) {
	var data []byte
	data = append(data, flipRecord(1, 0, 1, 10)...)
	data = append(data, vblankRecord()...)
	data = append(data, flipRecord(2, 0, 2, 20)...)

	events := parseEvents(data)
	require.Len(t, events, 2)
	assert.Equal(t, uint32(10), events[0].CrtcID)
	assert.Equal(t, uint32(20), events[1].CrtcID)
}

func TestParseEventsSkipsUnknownTypes(t *testing.T) {
	ne := binary.NativeEndian
	rec := make([]byte, 16)
	ne.PutUint32(rec[0:], 0x99)
	ne.PutUint32(rec[4:], 16)
	data := append(rec, flipRecord(3, 0, 3, 30)...)

	events := parseEvents(data)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(30), events[0].CrtcID)
}

func TestParseEventsTruncated(t *testing.T) {
	full := flipRecord(1, 0, 1, 10)
	data := append(full, flipRecord(2, 0, 2, 20)[:12]...)

	events := parseEvents(data)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(10), events[0].CrtcID)
}

func TestParseEventsEmpty(t *testing.T) {
	assert.Empty(t, parseEvents(nil))
	assert.Empty(t, parseEvents(make([]byte, 4)))
}
