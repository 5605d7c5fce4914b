package stcp

import "math/bits"

// Value is a TCP sequence/ack number in the 32-bit sequence space.
type Value uint32

// Size is an unsigned byte/window quantity, kept distinct from Value so
// sequence arithmetic (which wraps mod 2**32) can't accidentally mix with
// plain length arithmetic. Mirrors tcp.Size in the reference transport
// layer's own package.
type Size uint32

// Add returns v+delta in the 32-bit sequence space.
func Add(v Value, delta Size) Value { return v + Value(delta) }

// Flags is the 8 low bits of the TCP flags field (reserved bits masked).
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

const flagMask Flags = 0x3f

// HasAll reports whether every bit in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any bit in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask clears any bits outside the defined flag set.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	const names = "FINSYNRSTPSHACKURG"
	buf := make([]byte, 0, 2+4*bits.OnesCount8(uint8(f)))
	buf = append(buf, '[')
	first := true
	for i := 0; i < 6; i++ {
		if f&(1<<i) == 0 {
			continue
		}
		if !first {
			buf = append(buf, ',')
		}
		first = false
		buf = append(buf, names[i*3:i*3+3]...)
	}
	return string(append(buf, ']'))
}

// Segment is the in-memory representation of a TCP-format segment's control
// fields, decoupled from the wire buffer it was parsed from or will be
// written to. The transport layer works in terms of Segment; the carrier and
// checksum engine work in terms of Frame (the wire view) and raw bytes.
type Segment struct {
	Seq     Value
	Ack     Value
	DataLen Size
	Window  Size
	Flags   Flags
}

// Len returns the segment length in sequence-space octets, which includes
// one each for SYN and FIN if present (RFC 793 sequence number usage).
func (s Segment) Len() Size {
	n := s.DataLen
	if s.Flags.HasAny(FlagSYN) {
		n++
	}
	if s.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the segment's last octet.
func (s Segment) Last() Value {
	n := s.Len()
	if n == 0 {
		return s.Seq
	}
	return Add(s.Seq, n) - 1
}
