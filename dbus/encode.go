package dbus

import (
	"fmt"
	"math"
)

// encoder accumulates encoded bytes plus any Unix file descriptors
// referenced along the way. One encoder serializes one complete body;
// ctx.StartOffset lets it align correctly when the body is not itself
// at the start of the enclosing message. inputFds resolves the UnixFD
// values being encoded (which carry an index, not a raw descriptor)
// back to a real fd; fds accumulates the output table that travels
// out-of-band alongside the encoded bytes, one entry per UnixFD value
// encoded, in encounter order (the same fd encoded twice gets two
// entries).
type encoder struct {
	ctx      Context
	buf      []byte
	inputFds []int
	fds      fdTable
	depth    depthGuard
}

// Encode serializes v according to ctx, returning the encoded bytes
// and the list of raw Unix file descriptors referenced by any UnixFD
// values within v, in index order. Encode supplies no input fd table,
// so a UnixFD value in v fails to encode with an out-of-range index;
// use EncodeFDs when v contains UnixFD values.
func Encode(ctx Context, v Value) ([]byte, []int, error) {
	return EncodeFDs(ctx, []Value{v}, nil)
}

// EncodeAll serializes a sequence of top-level values back to back,
// as a message body does.
func EncodeAll(ctx Context, vs []Value) ([]byte, []int, error) {
	return EncodeFDs(ctx, vs, nil)
}

// EncodeFDs is Encode/EncodeAll with an explicit input fd table: a
// UnixFD(i) value anywhere in vs resolves to inputFds[i].
func EncodeFDs(ctx Context, vs []Value, inputFds []int) ([]byte, []int, error) {
	e := &encoder{ctx: ctx, inputFds: inputFds}
	if ctx.Format == FormatGVariant {
		if err := e.encodeGVariantFields(vs); err != nil {
			return nil, nil, err
		}
		return e.buf, e.fds.fds, nil
	}
	for _, v := range vs {
		if err := e.encodeValue(v); err != nil {
			return nil, nil, err
		}
	}
	return e.buf, e.fds.fds, nil
}

func (e *encoder) pos() int { return len(e.buf) }

func (e *encoder) align(n int) {
	pad := alignPad(e.pos(), e.ctx.StartOffset, n)
	for i := 0; i < pad; i++ {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeUint32(v uint32) {
	e.align(4)
	b := make([]byte, 4)
	e.ctx.Order.PutUint32(b, v)
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeUint64(v uint64) {
	e.align(8)
	b := make([]byte, 8)
	e.ctx.Order.PutUint64(b, v)
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeUint16(v uint16) {
	e.align(2)
	b := make([]byte, 2)
	e.ctx.Order.PutUint16(b, v)
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeRawString(s string) {
	e.align(4)
	b := make([]byte, 4)
	e.ctx.Order.PutUint32(b, uint32(len(s)))
	e.buf = append(e.buf, b...)
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

func (e *encoder) writeSignatureBytes(sig string) {
	e.writeByte(byte(len(sig)))
	e.buf = append(e.buf, sig...)
	e.writeByte(0)
}

func (e *encoder) encodeValue(v Value) error {
	if e.ctx.Format == FormatGVariant {
		switch x := v.(type) {
		case Boolean:
			if x {
				e.writeByte(1)
			} else {
				e.writeByte(0)
			}
			return nil
		case String:
			e.writeGVariantString(string(x))
			return nil
		case ObjectPath:
			if err := validateObjectPath(string(x)); err != nil {
				return err
			}
			e.writeGVariantString(string(x))
			return nil
		case SignatureValue:
			e.writeGVariantString(Signature(x).String())
			return nil
		case *Array:
			return e.encodeGVariantArray(x)
		case *Struct:
			return e.encodeGVariantStruct(x)
		case *Dict:
			return e.encodeGVariantDict(x)
		case *Variant:
			return e.encodeGVariantVariant(x)
		case *Maybe:
			return e.encodeMaybe(x)
		}
		// Fixed-size scalars (Byte, Int16/Uint16, Int32/Uint32,
		// Int64/Uint64, Double, UnixFD) share the same alignment and
		// layout in both wire formats; fall through to the shared switch.
	}
	switch x := v.(type) {
	case Byte:
		e.writeByte(byte(x))
	case Boolean:
		var b uint32
		if x {
			b = 1
		}
		e.writeUint32(b)
	case Int16:
		e.writeUint16(uint16(x))
	case Uint16:
		e.writeUint16(uint16(x))
	case Int32:
		e.writeUint32(uint32(x))
	case Uint32:
		e.writeUint32(uint32(x))
	case Int64:
		e.writeUint64(uint64(x))
	case Uint64:
		e.writeUint64(uint64(x))
	case Double:
		e.writeUint64(math.Float64bits(float64(x)))
	case String:
		e.writeRawString(string(x))
	case ObjectPath:
		if err := validateObjectPath(string(x)); err != nil {
			return err
		}
		e.writeRawString(string(x))
	case SignatureValue:
		e.writeSignatureBytes(Signature(x).String())
	case UnixFD:
		if int(x) >= len(e.inputFds) {
			return CodecError{Kind: CodecInvalidValue, Reason: fmt.Sprintf("unix fd index %d out of range", x)}
		}
		e.writeUint32(e.fds.add(e.inputFds[x]))
	case *Array:
		return e.encodeArray(x)
	case *Struct:
		return e.encodeStruct(x)
	case *Dict:
		return e.encodeDict(x)
	case *Variant:
		return e.encodeVariant(x)
	case *Maybe:
		return e.encodeMaybe(x)
	default:
		return CodecError{Kind: CodecInvalidValue, Reason: fmt.Sprintf("cannot encode value of type %T", v)}
	}
	return nil
}

func (e *encoder) encodeArray(a *Array) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()

	e.align(4)
	lenPos := e.pos()
	e.buf = append(e.buf, 0, 0, 0, 0) // placeholder length
	elemAlign := Align(a.Elem.String()[0])
	e.align(elemAlign)
	bodyStart := e.pos()
	for _, el := range a.Vals {
		e.align(elemAlign)
		if err := e.encodeValue(el); err != nil {
			return err
		}
	}
	n := e.pos() - bodyStart
	if n > maxArraySize {
		return CodecError{Kind: CodecInvalidValue, Reason: "array exceeds 64 MiB limit"}
	}
	e.ctx.Order.PutUint32(e.buf[lenPos:lenPos+4], uint32(n))
	return nil
}

func (e *encoder) encodeStruct(s *Struct) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()

	e.align(8)
	for _, f := range s.Fields {
		if err := e.encodeValue(f); err != nil {
			return err
		}
	}
	// The trailing pad back to the 8-byte boundary is part of the
	// structure, so a lone (y) occupies a full 8 bytes.
	e.align(8)
	return nil
}

func (e *encoder) encodeDict(d *Dict) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()

	e.align(4)
	lenPos := e.pos()
	e.buf = append(e.buf, 0, 0, 0, 0)
	e.align(8)
	bodyStart := e.pos()
	for _, ent := range d.Entries {
		e.align(8)
		if err := e.encodeValue(ent.Key); err != nil {
			return err
		}
		if err := e.encodeValue(ent.Val); err != nil {
			return err
		}
	}
	n := e.pos() - bodyStart
	e.ctx.Order.PutUint32(e.buf[lenPos:lenPos+4], uint32(n))
	return nil
}

func (e *encoder) encodeVariant(v *Variant) error {
	if err := e.depth.enterVariant(); err != nil {
		return err
	}
	defer e.depth.leaveVariant()

	e.writeSignatureBytes(v.Sig.String())
	return e.encodeValue(v.Val)
}

func (e *encoder) encodeMaybe(m *Maybe) error {
	switch e.ctx.Option {
	case OptionAsArray:
		arr := &Array{Elem: m.Elem}
		if m.Val != nil {
			arr.Vals = []Value{m.Val}
		}
		return e.encodeValue(arr)
	case OptionAsMaybe:
		if e.ctx.Format != FormatGVariant {
			return CodecError{Kind: CodecInvalidValue, Reason: "OptionAsMaybe requires FormatGVariant"}
		}
		return e.encodeGVariantMaybe(m)
	default:
		return CodecError{Kind: CodecInvalidValue, Reason: "unknown option encoding"}
	}
}

func validateObjectPath(p string) error {
	if p == "/" {
		return nil
	}
	if len(p) == 0 || p[0] != '/' {
		return NameError{Kind: "object path", Value: p}
	}
	if len(p) > 1 && p[len(p)-1] == '/' {
		return NameError{Kind: "object path", Value: p}
	}
	for _, seg := range splitPathSegments(p) {
		if seg == "" {
			return NameError{Kind: "object path", Value: p}
		}
		for _, c := range seg {
			if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
				return NameError{Kind: "object path", Value: p}
			}
		}
	}
	return nil
}

func splitPathSegments(p string) []string {
	if p == "/" {
		return nil
	}
	var segs []string
	start := 1
	for i := 1; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			segs = append(segs, p[start:i])
			start = i + 1
		}
	}
	return segs
}

