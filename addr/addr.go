// Package addr defines the machine-address primitives shared by every
// scanning engine: a byte-addressed, word-sized Address, a contiguous
// MemoryRange, and a saturating SignedOffset used by the pointer walker.
//
// All multi-byte values are interpreted little-endian. Targets with a
// big-endian byte order are not supported; see Address.Bytes.
package addr

import "fmt"

// Address names a single byte in the target's virtual memory.
type Address uint64

// Null is the zero address, used as the lower bound of a full-space sweep.
const Null Address = 0

// Add returns a + off, saturating at zero on underflow rather than wrapping.
func (a Address) Add(off SignedOffset) Address {
	if off >= 0 {
		return a + Address(off)
	}
	neg := Address(-off)
	if neg > a {
		return 0
	}
	return a - neg
}

// Bytes renders a as a little-endian byte array of the given pointer width
// (4 or 8). The width is not validated: any other non-negative addrSize
// yields that many low-order bytes.
func (a Address) Bytes(addrSize int) []byte {
	buf := make([]byte, addrSize)
	v := uint64(a)
	for i := 0; i < addrSize; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// FromLittleEndian decodes a little-endian byte slice of length 4 or 8 into
// an Address. Shorter slices are zero-extended; for longer slices only the
// first (lowest-order) 8 bytes are kept.
func FromLittleEndian(b []byte) Address {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = (v << 8) | uint64(b[i])
	}
	return Address(v)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// MemoryRange describes a contiguous mapped region of the target's address
// space. Callers that build slices of MemoryRange are expected to keep them
// disjoint and sorted by Base, the invariant every range-query helper in
// this module relies on.
type MemoryRange struct {
	Base Address
	Size uint64
}

// End returns the address one past the last byte in the range.
func (r MemoryRange) End() Address {
	return r.Base + Address(r.Size)
}

// Contains reports whether a falls within [Base, Base+Size).
func (r MemoryRange) Contains(a Address) bool {
	return a >= r.Base && a < r.End()
}

// SignedOffset expresses a-b with the saturating wrap rule from spec §3: if
// a>=b the difference is non-negative, otherwise it is -(b-a). Differences
// whose magnitude exceeds math.MaxInt64 wrap.
type SignedOffset int64

// SignedDiff computes a-b with the saturating rule above.
func SignedDiff(a, b Address) SignedOffset {
	if a >= b {
		return SignedOffset(a - b)
	}
	return -SignedOffset(b - a)
}

// Abs returns the absolute value of o.
func (o SignedOffset) Abs() SignedOffset {
	if o < 0 {
		return -o
	}
	return o
}
