package tcp

// Value is a sequence or acknowledgment number in TCP's 32-bit sequence
// space, which wraps around modulo 2**32 per RFC9293.
type Value uint32

// Size is an unsigned quantity of octets, used for window sizes and data
// lengths, kept as a distinct type from Value so the two arithmetics are
// never accidentally mixed.
type Size uint32

// Sizeof returns the number of octets between seq a (inclusive) and seq b
// (exclusive) going forward in sequence space, i.e. b-a performed modulo
// 2**32.
func Sizeof(a, b Value) Size { return Size(b - a) }

// LessThan reports whether v comes before other in sequence space, using
// signed-difference wraparound comparison per RFC9293 ("Sequence Number
// Arithmetic").
func (v Value) LessThan(other Value) bool {
	return int32(v-other) < 0
}

// LessThanEq reports whether v comes before or is equal to other in
// sequence space.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// InWindow reports whether v falls within [nxt, nxt+wnd) in sequence space.
func (v Value) InWindow(nxt Value, wnd Size) bool {
	if wnd == 0 {
		return v == nxt
	}
	offset := Value(v - nxt)
	return offset < Value(wnd)
}
