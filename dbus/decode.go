package dbus

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"
)

// decoder reads a Value tree out of buf according to ctx and sig.
type decoder struct {
	ctx   Context
	buf   []byte
	pos   int
	fds   *fdTable
	depth depthGuard
}

// Decode deserializes one complete value of type sig out of data.
// fds supplies the out-of-band file descriptors referenced by any
// UnixFD values (by index); pass nil if none are expected.
func Decode(ctx Context, sig Signature, data []byte, fds []int) (Value, error) {
	d := &decoder{ctx: ctx, buf: data, fds: &fdTable{fds: fds}}
	v, err := d.decodeValue(sig.String(), len(data))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeAll deserializes a sequence of top-level values, as a message
// body does, given its full signature split into top-level types.
func DecodeAll(ctx Context, sigs []Signature, data []byte, fds []int) ([]Value, error) {
	d := &decoder{ctx: ctx, buf: data, fds: &fdTable{fds: fds}}
	if ctx.Format == FormatGVariant {
		fieldSigs := make([]string, len(sigs))
		for i, s := range sigs {
			fieldSigs[i] = s.String()
		}
		return d.decodeGVariantFields(fieldSigs, len(data))
	}
	out := make([]Value, 0, len(sigs))
	for _, s := range sigs {
		v, err := d.decodeValue(s.String(), len(data))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) align(n int) error {
	pad := alignPad(d.pos, d.ctx.StartOffset, n)
	if d.pos+pad > len(d.buf) {
		return CodecError{Kind: CodecInsufficientData, Reason: "truncated while aligning"}
	}
	d.pos += pad
	return nil
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return CodecError{Kind: CodecInsufficientData, Reason: "truncated buffer"}
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUint16() (uint16, error) {
	if err := d.align(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.ctx.Order.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *decoder) readUint32() (uint32, error) {
	if err := d.align(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.ctx.Order.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *decoder) readUint64() (uint64, error) {
	if err := d.align(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.ctx.Order.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *decoder) readRawString() (string, error) {
	ln, err := d.readUint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(ln) + 1); err != nil {
		return "", err
	}
	raw := d.buf[d.pos : d.pos+int(ln)]
	if d.buf[d.pos+int(ln)] != 0 {
		return "", CodecError{Kind: CodecInvalidValue, Reason: "string missing NUL terminator"}
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return "", CodecError{Kind: CodecInteriorNul, Reason: "string contains interior NUL"}
	}
	if !utf8.Valid(raw) {
		return "", CodecError{Kind: CodecUtf8, Reason: "string is not valid UTF-8"}
	}
	s := string(raw)
	d.pos += int(ln) + 1
	return s, nil
}

func (d *decoder) readSignatureBytes() (string, error) {
	ln, err := d.readByte()
	if err != nil {
		return "", err
	}
	if err := d.need(int(ln) + 1); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(ln)])
	d.pos += int(ln) + 1
	return s, nil
}

// decodeValue decodes one complete value of type sig, ending no later
// than the absolute buffer position end. end is meaningful only for
// GVariant's non-fixed types (string/array/struct/variant/maybe),
// which carry no inline length and rely on it, directly or via their
// own trailing framing offsets, to know where they stop; the D-Bus
// branch ignores it, since every D-Bus container is self-delimiting.
func (d *decoder) decodeValue(sig string, end int) (Value, error) {
	if len(sig) == 0 {
		return nil, CodecError{Kind: CodecMissingSignature, Reason: "empty signature"}
	}
	if d.ctx.Format == FormatGVariant {
		switch sig[0] {
		case TypeBoolean:
			b, err := d.readByte()
			return Boolean(b != 0), err
		case TypeString:
			s, err := d.readGVariantString(end)
			return String(s), err
		case TypeObjectPath:
			s, err := d.readGVariantString(end)
			if err != nil {
				return nil, err
			}
			if err := validateObjectPath(s); err != nil {
				return nil, err
			}
			return ObjectPath(s), nil
		case TypeSignature:
			s, err := d.readGVariantString(end)
			if err != nil {
				return nil, err
			}
			parsed, err := ParseSignature(s)
			if err != nil {
				return nil, err
			}
			return SignatureValue(parsed), nil
		case TypeArray:
			return d.decodeGVariantArrayValue(sig, end)
		case TypeStruct:
			return d.decodeGVariantStructBody(sig, end)
		case TypeVariant:
			return d.decodeGVariantVariantBody(end)
		case TypeMaybe:
			return d.decodeGVariantMaybe(sig[1:], end)
		}
		// Fixed-size scalars and UnixFD fall through to the shared
		// switch below, which is format-agnostic for those types.
	}
	switch sig[0] {
	case TypeByte:
		b, err := d.readByte()
		return Byte(b), err
	case TypeBoolean:
		u, err := d.readUint32()
		return Boolean(u != 0), err
	case TypeInt16:
		u, err := d.readUint16()
		return Int16(u), err
	case TypeUint16:
		u, err := d.readUint16()
		return Uint16(u), err
	case TypeInt32:
		u, err := d.readUint32()
		return Int32(u), err
	case TypeUint32:
		u, err := d.readUint32()
		return Uint32(u), err
	case TypeInt64:
		u, err := d.readUint64()
		return Int64(u), err
	case TypeUint64:
		u, err := d.readUint64()
		return Uint64(u), err
	case TypeDouble:
		u, err := d.readUint64()
		return Double(math.Float64frombits(u)), err
	case TypeString:
		s, err := d.readRawString()
		return String(s), err
	case TypeObjectPath:
		s, err := d.readRawString()
		if err != nil {
			return nil, err
		}
		if err := validateObjectPath(s); err != nil {
			return nil, err
		}
		return ObjectPath(s), nil
	case TypeSignature:
		s, err := d.readSignatureBytes()
		if err != nil {
			return nil, err
		}
		parsed, err := ParseSignature(s)
		if err != nil {
			return nil, err
		}
		return SignatureValue(parsed), nil
	case TypeUnixFD:
		idx, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		if _, err := d.fds.at(idx); err != nil {
			return nil, err
		}
		return UnixFD(idx), nil
	case TypeArray:
		return d.decodeArray(sig, end)
	case TypeStruct:
		return d.decodeStruct(sig, end)
	case TypeDictEntry:
		return nil, CodecError{Kind: CodecInvalidValue, Reason: "bare dict entry outside array"}
	case TypeVariant:
		return d.decodeVariant(end)
	case TypeMaybe:
		return d.decodeMaybe(sig, end)
	default:
		return nil, CodecError{Kind: CodecInvalidValue, Reason: fmt.Sprintf("invalid type code %q", sig[0])}
	}
}

func (d *decoder) decodeArray(sig string, end int) (Value, error) {
	if err := d.depth.enterContainer(); err != nil {
		return nil, err
	}
	defer d.depth.leaveContainer()

	elemSig := sig[1:]
	n, err := d.readUint32()
	if err != nil {
		return nil, err
	}
	if n > maxArraySize {
		return nil, CodecError{Kind: CodecInvalidValue, Reason: "array exceeds 64 MiB limit"}
	}
	elemAlign := Align(elemSig[0])
	if err := d.align(elemAlign); err != nil {
		return nil, err
	}
	bodyEnd := d.pos + int(n)
	if bodyEnd > len(d.buf) {
		return nil, CodecError{Kind: CodecInsufficientData, Reason: "truncated array"}
	}

	if elemSig[0] == TypeDictEntry {
		dict := &Dict{}
		first := true
		for d.pos < bodyEnd {
			if err := d.align(8); err != nil {
				return nil, err
			}
			if d.pos >= bodyEnd {
				break
			}
			keySig, valSig, rest := splitDictEntrySig(elemSig)
			_ = rest
			key, err := d.decodeValue(keySig, bodyEnd)
			if err != nil {
				return nil, err
			}
			val, err := d.decodeValue(valSig, bodyEnd)
			if err != nil {
				return nil, err
			}
			if first {
				dict.KeySig = MustParseSignature(keySig)
				dict.ValSig = MustParseSignature(valSig)
				first = false
			}
			dict.Entries = append(dict.Entries, DictEntry{Key: key, Val: val})
		}
		if first {
			keySig, valSig, _ := splitDictEntrySig(elemSig)
			dict.KeySig = MustParseSignature(keySig)
			dict.ValSig = MustParseSignature(valSig)
		}
		d.pos = bodyEnd
		return dict, nil
	}

	arr := &Array{Elem: MustParseSignature(elemSig)}
	for d.pos < bodyEnd {
		if err := d.align(elemAlign); err != nil {
			return nil, err
		}
		if d.pos >= bodyEnd {
			break
		}
		v, err := d.decodeValue(elemSig, bodyEnd)
		if err != nil {
			return nil, err
		}
		arr.Vals = append(arr.Vals, v)
	}
	d.pos = bodyEnd
	return arr, nil
}

// splitDictEntrySig splits "{KV}" into K's signature, V's signature
// and whatever trailed after the closing brace (always empty here;
// kept for symmetry with a general type splitter).
func splitDictEntrySig(sig string) (key, val, rest string) {
	body := sig[1 : len(sig)-1] // strip '{' ... '}'
	key = body[:1]
	val = body[1:]
	return key, val, ""
}

func (d *decoder) decodeStruct(sig string, end int) (Value, error) {
	if err := d.depth.enterContainer(); err != nil {
		return nil, err
	}
	defer d.depth.leaveContainer()

	if err := d.align(8); err != nil {
		return nil, err
	}
	inner := sig[1 : len(sig)-1]
	s := &Struct{}
	p := &sigParser{s: inner}
	for p.pos < len(inner) {
		start := p.pos
		if _, err := p.parseOne(0); err != nil {
			return nil, err
		}
		fieldSig := inner[start:p.pos]
		v, err := d.decodeValue(fieldSig, end)
		if err != nil {
			return nil, err
		}
		s.Fields = append(s.Fields, v)
	}
	// Consume the structure's trailing pad, tolerating a peer that
	// ends its buffer right after the last field.
	pad := alignPad(d.pos, d.ctx.StartOffset, 8)
	if d.pos+pad > len(d.buf) {
		pad = len(d.buf) - d.pos
	}
	d.pos += pad
	return s, nil
}

func (d *decoder) decodeVariant(end int) (Value, error) {
	if err := d.depth.enterVariant(); err != nil {
		return nil, err
	}
	defer d.depth.leaveVariant()

	sigStr, err := d.readSignatureBytes()
	if err != nil {
		return nil, err
	}
	sig, err := ParseSignature(sigStr)
	if err != nil {
		return nil, err
	}
	v, err := d.decodeValue(sig.String(), end)
	if err != nil {
		return nil, err
	}
	return &Variant{Sig: sig, Val: v}, nil
}

func (d *decoder) decodeMaybe(sig string, end int) (Value, error) {
	elemSig := sig[1:]
	switch d.ctx.Option {
	case OptionAsArray:
		v, err := d.decodeValue("a"+elemSig, end)
		if err != nil {
			return nil, err
		}
		arr := v.(*Array)
		m := &Maybe{Elem: MustParseSignature(elemSig)}
		if len(arr.Vals) > 0 {
			m.Val = arr.Vals[0]
		}
		return m, nil
	case OptionAsMaybe:
		if d.ctx.Format != FormatGVariant {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: "OptionAsMaybe requires FormatGVariant"}
		}
		return d.decodeGVariantMaybe(elemSig, end)
	default:
		return nil, CodecError{Kind: CodecInvalidValue, Reason: "unknown option encoding"}
	}
}
