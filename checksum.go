package stcp

// Addr is an IPv4 address used as the pseudo-header source/destination in
// Compute and Verify. This core is AF_INET-only, matching the original
// lab's assumption (see DESIGN.md Open Questions).
type Addr [4]byte

// Compute and Verify implement the checksum engine: a 16-bit one's
// complement sum over a 12-byte pseudo-header (source address, destination
// address, one zero byte, protocol number 6, segment length in network byte
// order) followed by the segment itself, with the segment's own checksum
// field treated as zero during the sum. Folding is delegated to CRC791, the
// same folding primitive the reference transport layer uses for its own
// checksums.

// Compute returns the checksum of segment as sent from src to dst. segment
// must be at least HeaderSize bytes; its checksum field is treated as zero
// regardless of its current contents.
func Compute(src, dst Addr, segment []byte) uint16 {
	if len(segment) < HeaderSize {
		panic("stcp: segment shorter than header in Compute")
	}
	var c CRC791
	c.AddUint32(beUint32(src[:]))
	c.AddUint32(beUint32(dst[:]))
	c.AddUint16(uint16(6)) // zero byte + protocol=TCP(6)
	c.AddUint16(uint16(len(segment)))
	c.WriteEven(segment[:16]) // source port .. offset/flags
	// skip checksum field segment[16:18]
	c.AddUint16(0)
	c.WriteEven(segment[18:20]) // urgent pointer
	return NeverZeroChecksum(c.PayloadSum16(segment[HeaderSize:]))
}

// Verify reports whether segment's checksum field matches Compute for a
// segment that travelled from src to dst (the direction the checksum was
// originally computed in; callers verifying an inbound segment pass the
// peer as src and the local address as dst).
func Verify(src, dst Addr, segment []byte) bool {
	f, err := NewFrame(segment)
	if err != nil {
		return false
	}
	want := f.CRC()
	scratch := make([]byte, len(segment))
	copy(scratch, segment)
	sf, _ := NewFrame(scratch)
	sf.SetCRC(0)
	return Compute(src, dst, scratch) == want
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
