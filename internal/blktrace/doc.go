// Package blktrace describes the block I/O trace record ABI and decodes it.
//
// A trace stream is a concatenation of frames. Each frame is a fixed
// HeaderSize-byte little-endian header followed by PayloadLen bytes of
// payload:
//
//	 0  magic        u32   Magic<<8 | version
//	 4  sequence     u32
//	 8  time         u64   ns
//	16  sector       u64
//	24  bytes        u32
//	28  action       u32   category<<16 | code
//	32  pid          u32
//	36  device       u32   major<<20 | minor
//	40  cpu          u32
//	44  error        u16
//	46  payload_len  u16
//	48  command      [16]byte
//	64  payload      [payload_len]byte
//
// Fields are extracted explicitly with encoding/binary; nothing is read by
// reinterpreting memory, so malformed input surfaces as ErrTruncatedFrame or
// ErrBadMagic instead of undefined behavior.
package blktrace
