package dbus

import (
	"encoding/binary"
	"fmt"
)

// Format selects the wire format used to (de)serialize a Value tree.
type Format int

const (
	// FormatDBus is the classic D-Bus marshaling format: fixed
	// alignment, explicit array/string lengths, no framing offsets.
	FormatDBus Format = iota
	// FormatGVariant is the GLib GVariant format: minimal alignment
	// padding, trailing framing offsets for variable-sized elements,
	// no lengths stored inline.
	FormatGVariant
)

// OptionEncoding selects how a Maybe ("m<T>") value not backed by
// GVariant is represented: as an array of at most one element (works
// in both wire formats) or as a true GVariant Maybe (requires
// FormatGVariant). This is fixed per Context, never chosen per-call,
// so a stream can never mix the two encodings of the same logical
// type.
type OptionEncoding int

const (
	OptionAsArray OptionEncoding = iota
	OptionAsMaybe
)

// Context carries the parameters that both the encoder and decoder
// need: the wire format, byte order, the starting offset of the
// buffer relative to the start of its enclosing stream (D-Bus aligns
// the body relative to the start of the message, not the start of the
// body), and the option encoding in effect for this connection.
type Context struct {
	Format      Format
	Order       binary.ByteOrder
	StartOffset int
	Option      OptionEncoding
}

// NewDBusContext returns the Context used by ordinary D-Bus messages:
// FormatDBus in the given byte order, options encoded as arrays.
func NewDBusContext(order binary.ByteOrder, startOffset int) Context {
	return Context{Format: FormatDBus, Order: order, StartOffset: startOffset, Option: OptionAsArray}
}

// NewGVariantContext returns the Context used for GVariant-encoded
// values (e.g. a Variant body read off a kernel interface), with
// OptionAsMaybe available.
func NewGVariantContext(order binary.ByteOrder, startOffset int, opt OptionEncoding) (Context, error) {
	if opt == OptionAsMaybe {
		return Context{Format: FormatGVariant, Order: order, StartOffset: startOffset, Option: opt}, nil
	}
	return Context{Format: FormatGVariant, Order: order, StartOffset: startOffset, Option: opt}, nil
}

// ValidateOptionEncoding rejects a connection Config that requests
// OptionAsMaybe together with FormatDBus — Maybe has no D-Bus wire
// representation.
func ValidateOptionEncoding(f Format, opt OptionEncoding) error {
	if f == FormatDBus && opt == OptionAsMaybe {
		return CodecError{Kind: CodecInvalidValue, Reason: "OptionAsMaybe requires FormatGVariant"}
	}
	return nil
}

// fdTable accumulates UnixFD indices assigned during encoding, and is
// consulted by index during decoding. The raw descriptors travel
// out-of-band (SCM_RIGHTS) and are attached to the table by the
// transport layer before decoding runs.
type fdTable struct {
	fds []int
}

func (t *fdTable) add(fd int) uint32 {
	t.fds = append(t.fds, fd)
	return uint32(len(t.fds) - 1)
}

func (t *fdTable) at(idx uint32) (int, error) {
	if int(idx) >= len(t.fds) {
		return 0, CodecError{Kind: CodecInvalidValue, Reason: fmt.Sprintf("unix fd index %d out of range", idx)}
	}
	return t.fds[idx], nil
}

// depthGuard enforces the container-nesting limits: 32 for structs
// and arrays, 64 for variants.
type depthGuard struct {
	container int
	variant   int
}

func (g *depthGuard) enterContainer() error {
	g.container++
	if g.container > maxStructDepth {
		return CodecError{Kind: CodecDepthExceeded, Reason: "container nesting exceeds limit"}
	}
	return nil
}
func (g *depthGuard) leaveContainer() { g.container-- }

func (g *depthGuard) enterVariant() error {
	g.variant++
	if g.variant > maxVariantDepth {
		return CodecError{Kind: CodecDepthExceeded, Reason: "variant nesting exceeds limit"}
	}
	return nil
}
func (g *depthGuard) leaveVariant() { g.variant-- }

// maxArraySize is the D-Bus-mandated limit on a single marshaled
// array, in bytes.
const maxArraySize = 64 * 1024 * 1024

// alignPad returns the padding needed to advance pos (already offset by
// startOffset) to a multiple of n.
func alignPad(pos, startOffset, n int) int {
	abs := pos + startOffset
	rem := abs % n
	if rem == 0 {
		return 0
	}
	return n - rem
}
