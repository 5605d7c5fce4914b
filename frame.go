package stcp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of an stcp segment header in bytes. Options
// are out of scope (SPEC_FULL §1 non-goals), so unlike RFC 9293's variable
// data-offset, a Frame's header is always exactly HeaderSize bytes and the
// data-offset field is always 5.
const HeaderSize = 20

// MaxPayload is the largest payload a single segment may carry beyond the
// fixed header, per §6.
const MaxPayload = 536

// Frame is a bit-exact RFC 793 TCP header view over a byte slice, following
// the shape of the reference transport layer's own tcp.Frame but owned by
// the core so the checksum engine, carrier and demultiplexer never need to
// import the transport layer to parse a header.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as a Frame. buf must be at least HeaderSize bytes.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, errShortSegment
	}
	return Frame{buf: buf}, nil
}

// RawData returns the frame's underlying buffer, header and payload included.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestPort() uint16        { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestPort(p uint16)    { binary.BigEndian.PutUint16(f.buf[2:4], p) }
func (f Frame) Seq() Value              { return Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v Value)          { binary.BigEndian.PutUint32(f.buf[4:8], uint32(v)) }
func (f Frame) Ack() Value              { return Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v Value)          { binary.BigEndian.PutUint32(f.buf[8:12], uint32(v)) }
func (f Frame) WindowSize() uint16      { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(w uint16)  { binary.BigEndian.PutUint16(f.buf[14:16], w) }
func (f Frame) CRC() uint16             { return binary.BigEndian.Uint16(f.buf[16:18]) }
func (f Frame) SetCRC(crc uint16)       { binary.BigEndian.PutUint16(f.buf[16:18], crc) }
func (f Frame) UrgentPtr() uint16       { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(up uint16)  { binary.BigEndian.PutUint16(f.buf[18:20], up) }

// OffsetAndFlags returns the data-offset (in 32-bit words) and flags fields
// packed into bytes 12-13.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

// SetOffsetAndFlags sets the packed data-offset and flags fields.
func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	v := uint16(offset)<<12 | uint16(flags.Mask())
	binary.BigEndian.PutUint16(f.buf[12:14], v)
}

// HeaderLength returns the header length in bytes implied by the offset field.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

// Payload returns the segment's data beyond the header.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// Segment returns the logical Segment view of the frame's control fields.
func (f Frame) Segment() Segment {
	_, flags := f.OffsetAndFlags()
	return Segment{
		Seq:     f.Seq(),
		Ack:     f.Ack(),
		Window:  Size(f.WindowSize()),
		DataLen: Size(len(f.Payload())),
		Flags:   flags,
	}
}

// SetSegment writes seq, ack, flags and window from seg, and sets the
// data-offset to the standard 5 words (no options).
func (f Frame) SetSegment(seg Segment) {
	f.SetSeq(seg.Seq)
	f.SetAck(seg.Ack)
	f.SetOffsetAndFlags(HeaderSize/4, seg.Flags)
	f.SetWindowSize(uint16(seg.Window))
}

// ClearHeader zeros the fixed header region, leaving any payload untouched.
func (f Frame) ClearHeader() {
	for i := range f.buf[:HeaderSize] {
		f.buf[i] = 0
	}
}

func (f Frame) String() string {
	seg := f.Segment()
	return fmt.Sprintf("stcp :%d -> :%d seq=%d ack=%d %s len=%d",
		f.SourcePort(), f.DestPort(), seg.Seq, seg.Ack, seg.Flags, seg.DataLen)
}
