package blktrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncatedFrame reports a short read inside a header or its declared
	// payload. The byte source cannot be resumed after it.
	ErrTruncatedFrame = errors.New("truncated trace frame")

	// ErrBadMagic reports a header whose signature does not match Magic.
	// Frame alignment past this point cannot be trusted.
	ErrBadMagic = errors.New("bad trace record magic")
)

// Record is a decoded trace record header and its payload.
type Record struct {
	Magic      uint32
	Sequence   uint32
	Time       uint64 // nanoseconds, arbitrary epoch
	Sector     uint64
	Bytes      uint32
	Action     uint32
	PID        uint32
	Device     uint32
	CPU        uint32
	Error      uint16
	PayloadLen uint16
	Comm       [CommandNameLen]byte
	Payload    []byte
}

// PayloadLen extracts the payload length from a raw header without
// validating anything else.
func PayloadLen(header []byte) int {
	return int(binary.LittleEndian.Uint16(header[offPayloadLen : offPayloadLen+2]))
}

// Decode interprets raw, a complete frame (header followed by its payload),
// as a Record. The payload is copied so the record does not alias raw.
func Decode(raw []byte) (*Record, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d of %d header bytes", ErrTruncatedFrame, len(raw), HeaderSize)
	}

	magic := binary.LittleEndian.Uint32(raw[offMagic : offMagic+4])
	if magic&MagicMask != Magic {
		return nil, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	payloadLen := PayloadLen(raw)
	if len(raw) != HeaderSize+payloadLen {
		return nil, fmt.Errorf("%w: frame is %d bytes, header declares %d",
			ErrTruncatedFrame, len(raw), HeaderSize+payloadLen)
	}

	rec := &Record{
		Magic:      magic,
		Sequence:   binary.LittleEndian.Uint32(raw[offSequence : offSequence+4]),
		Time:       binary.LittleEndian.Uint64(raw[offTime : offTime+8]),
		Sector:     binary.LittleEndian.Uint64(raw[offSector : offSector+8]),
		Bytes:      binary.LittleEndian.Uint32(raw[offBytes : offBytes+4]),
		Action:     binary.LittleEndian.Uint32(raw[offAction : offAction+4]),
		PID:        binary.LittleEndian.Uint32(raw[offPID : offPID+4]),
		Device:     binary.LittleEndian.Uint32(raw[offDevice : offDevice+4]),
		CPU:        binary.LittleEndian.Uint32(raw[offCPU : offCPU+4]),
		Error:      binary.LittleEndian.Uint16(raw[offError : offError+2]),
		PayloadLen: uint16(payloadLen), //nolint:gosec // read from a u16 field
	}
	copy(rec.Comm[:], raw[offCommand:offCommand+CommandNameLen])

	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		copy(rec.Payload, raw[HeaderSize:])
	}

	return rec, nil
}

// Encode serializes r into a frame. PayloadLen is taken from len(r.Payload).
// A zero Magic is replaced by Magic|Version.
func Encode(r *Record) []byte {
	buf := make([]byte, HeaderSize+len(r.Payload))

	magic := r.Magic
	if magic == 0 {
		magic = Magic | uint32(Version)
	}

	binary.LittleEndian.PutUint32(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offSequence:], r.Sequence)
	binary.LittleEndian.PutUint64(buf[offTime:], r.Time)
	binary.LittleEndian.PutUint64(buf[offSector:], r.Sector)
	binary.LittleEndian.PutUint32(buf[offBytes:], r.Bytes)
	binary.LittleEndian.PutUint32(buf[offAction:], r.Action)
	binary.LittleEndian.PutUint32(buf[offPID:], r.PID)
	binary.LittleEndian.PutUint32(buf[offDevice:], r.Device)
	binary.LittleEndian.PutUint32(buf[offCPU:], r.CPU)
	binary.LittleEndian.PutUint16(buf[offError:], r.Error)
	binary.LittleEndian.PutUint16(buf[offPayloadLen:], uint16(len(r.Payload))) //nolint:gosec // payloads are bounded by the u16 field
	copy(buf[offCommand:offCommand+CommandNameLen], r.Comm[:])
	copy(buf[HeaderSize:], r.Payload)

	return buf
}

// Version returns the format version from the low byte of the magic.
func (r *Record) Version() uint8 {
	return uint8(r.Magic & VersionMask) //nolint:gosec // masked to 8 bits
}

// Command returns the command name with NUL padding removed.
func (r *Record) Command() string {
	name := r.Comm[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// SetCommand stores name into the fixed-width command field, truncating it.
func (r *Record) SetCommand(name string) {
	r.Comm = [CommandNameLen]byte{}
	copy(r.Comm[:], name)
}

// Major returns the device major number.
func (r *Record) Major() uint32 {
	return r.Device >> minorBits
}

// Minor returns the device minor number.
func (r *Record) Minor() uint32 {
	return r.Device & minorMask
}

// MakeDevice encodes a major/minor pair the way Device stores it.
func MakeDevice(major, minor uint32) uint32 {
	return major<<minorBits | minor&minorMask
}

// Message returns the payload as text with trailing NULs removed.
// Notification payloads are NUL-terminated strings.
func (r *Record) Message() string {
	return string(bytes.TrimRight(r.Payload, "\x00"))
}

// HasCategory reports whether the category flag is set in the action field.
func (r *Record) HasCategory(flag uint32) bool {
	return r.Action&Category(flag) != 0
}
