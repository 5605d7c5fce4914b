// Package wire holds the small set of frame-validation primitives the
// reference transport layer's TCP handler needs: a bit-position error
// accumulator and the handful of sentinel errors it raises. Adapted from
// soypat/lneto's validation.go/errors.go split, merged into one file since
// this core only carries the TCP-relevant subset (no Ethernet/ARP/IPv6
// frame validation, which has no home in a carrier-based transport with no
// IP layer).
package wire

import (
	"errors"
	"fmt"
)

// Validator accumulates validation errors found while parsing a frame,
// optionally tagging each with the bit range it was found at.
type Validator struct {
	checkEvil      bool
	allowMultiErrs bool
	accum          []error
	accumBitpos    []BitPosErr
}

func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBitpos = v.accumBitpos[:0]
}

func (v *Validator) HasError() bool { return len(v.accum) != 0 }

func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns the accumulated error, if any, and resets the accumulator
// so the Validator can be reused for the next frame without carrying over
// stale errors.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

func (v *Validator) AddError(err error) {
	if err == nil {
		panic("wire: AddError argument cannot be nil")
	} else if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("wire: AddBitPosErr err argument cannot be nil")
	} else if bitLen <= 0 {
		panic("wire: AddBitPosErr bitLen must be positive")
	}
	v.accumBitpos = append(v.accumBitpos, BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
	v.accum = append(v.accum, &v.accumBitpos[len(v.accumBitpos)-1])
}

// BitPosErr is a validation error tagged with the bit range of the header
// field it was found in.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

// Sentinel errors raised by TCP frame validation and option parsing.
var (
	ErrShortBuffer       = errors.New("wire: short buffer")
	ErrInvalidLengthField = errors.New("wire: invalid length field")
	ErrInvalidField      = errors.New("wire: invalid field")
	ErrZeroSource        = errors.New("wire: zero source port")
	ErrZeroDestination   = errors.New("wire: zero destination port")
	ErrMismatch          = errors.New("wire: mismatch")
	ErrInvalidConfig     = errors.New("wire: invalid config")
	ErrPacketDrop        = errors.New("wire: packet dropped")
)

// IPProto identifies an IP protocol number. Only the TCP value is carried
// since this core has no IP layer.
type IPProto uint8

const IPProtoTCP IPProto = 6
