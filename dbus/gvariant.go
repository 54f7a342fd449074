package dbus

// GVariant-specific encoding rules: the true Maybe ("m<T>") type, and
// the trailing framing-offset scheme GVariant uses instead of D-Bus's
// inline length prefixes for strings, arrays, structures and variants.
//
// The offset-size rule below follows the GVariant serialization
// description: each container uses the smallest of 1/2/4/8-byte
// offsets that can index its own encoded size.

// FramingOffsetSize returns the number of bytes used to encode each
// trailing offset in a GVariant container whose total encoded size
// (including its own offsets) is containerSize.
func FramingOffsetSize(containerSize int) int {
	switch {
	case containerSize == 0:
		return 1
	case containerSize <= 1<<8:
		return 1
	case containerSize <= 1<<16:
		return 2
	case containerSize <= 1<<32:
		return 4
	default:
		return 8
	}
}

// chooseGVariantOffsetSize picks the offset width a just-encoded
// container should use, given the size of its data (not counting the
// offsets table) and how many offsets it needs. The table's own size
// depends on the width being chosen, so this resolves the small
// circularity by growing the candidate width until FramingOffsetSize
// agrees it's big enough for the resulting total.
func chooseGVariantOffsetSize(dataSize, numOffsets int) int {
	size := 1
	for {
		total := dataSize + numOffsets*size
		chosen := FramingOffsetSize(total)
		if chosen <= size {
			return size
		}
		size = chosen
	}
}

// gvariantAlign returns the GVariant alignment boundary, in bytes, for
// a complete type signature. Fixed-size scalars keep their D-Bus
// alignment; strings/object paths/signatures relax to 1 (they carry no
// padding, only a NUL terminator); arrays and maybes take their
// element's alignment; structures and dict entries take the maximum
// alignment of their fields.
func gvariantAlign(sig string) int {
	if sig == "" {
		return 1
	}
	switch sig[0] {
	case TypeByte, TypeBoolean, TypeString, TypeObjectPath, TypeSignature:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeVariant:
		return 8
	case TypeArray, TypeMaybe:
		return gvariantAlign(sig[1:])
	case TypeStruct, TypeDictEntry:
		return gvariantFieldsAlign(sig[1 : len(sig)-1])
	default:
		return 1
	}
}

func gvariantFieldsAlign(inner string) int {
	align := 1
	for _, fieldSig := range splitCompleteTypes(inner) {
		if a := gvariantAlign(fieldSig); a > align {
			align = a
		}
	}
	return align
}

// splitCompleteTypes splits a concatenated signature body (struct
// interior, or a message's top-level signature) into its complete
// types, e.g. "sii(si)" -> ["s", "i", "i", "(si)"].
func splitCompleteTypes(s string) []string {
	var out []string
	p := &sigParser{s: s}
	for p.pos < len(s) {
		start := p.pos
		p.parseOne(0)
		out = append(out, s[start:p.pos])
	}
	return out
}

// fixedSizeOf returns the encoded size in bytes of a value whose
// signature is fixed-sized (isFixedSized(sig) must already be true);
// the caller is responsible for never calling this on a variable-sized
// type.
func fixedSizeOf(sig string) int {
	switch sig[0] {
	case TypeByte, TypeBoolean:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble:
		return 8
	case TypeStruct, TypeDictEntry:
		return fixedFieldsSize(sig[1 : len(sig)-1])
	default:
		return 1
	}
}

func fixedFieldsSize(inner string) int {
	pos := 0
	align := 1
	for _, fieldSig := range splitCompleteTypes(inner) {
		a := gvariantAlign(fieldSig)
		if a > align {
			align = a
		}
		pos = alignUp(pos, a)
		pos += fixedSizeOf(fieldSig)
	}
	return alignUp(pos, align)
}

func alignUp(pos, n int) int {
	if rem := pos % n; rem != 0 {
		pos += n - rem
	}
	return pos
}

// writeGVariantOffsetTable appends offsets (each the position, relative
// to start, one past the element it marks) to e.buf, sized per
// chooseGVariantOffsetSize. No-op when there is nothing to record.
func (e *encoder) writeGVariantOffsetTable(start int, offsets []int) {
	if len(offsets) == 0 {
		return
	}
	dataSize := e.pos() - start
	size := chooseGVariantOffsetSize(dataSize, len(offsets))
	for _, off := range offsets {
		e.writeGVariantOffsetRaw(off, size)
	}
}

func (e *encoder) writeGVariantOffsetRaw(val, size int) {
	b := make([]byte, size)
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		e.ctx.Order.PutUint16(b, uint16(val))
	case 4:
		e.ctx.Order.PutUint32(b, uint32(val))
	default:
		e.ctx.Order.PutUint64(b, uint64(val))
	}
	e.buf = append(e.buf, b...)
}

// readGVariantOffsetAt reads one offset-table entry at the absolute
// buffer position pos, sized size bytes.
func (d *decoder) readGVariantOffsetAt(pos, size int) (int, error) {
	if pos < 0 || pos+size > len(d.buf) {
		return 0, CodecError{Kind: CodecInsufficientData, Reason: "truncated gvariant framing offset"}
	}
	switch size {
	case 1:
		return int(d.buf[pos]), nil
	case 2:
		return int(d.ctx.Order.Uint16(d.buf[pos:])), nil
	case 4:
		return int(d.ctx.Order.Uint32(d.buf[pos:])), nil
	default:
		return int(d.ctx.Order.Uint64(d.buf[pos:])), nil
	}
}

// writeGVariantString appends s followed by a single NUL terminator,
// with no length prefix and no alignment padding (GVariant strings
// align to 1 byte).
func (e *encoder) writeGVariantString(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// readGVariantString reads bytes up to the first NUL within [pos, end)
// and returns them, leaving d.pos one past the NUL.
func (d *decoder) readGVariantString(end int) (string, error) {
	i := d.pos
	for i < end && d.buf[i] != 0 {
		i++
	}
	if i >= end {
		return "", CodecError{Kind: CodecInsufficientData, Reason: "gvariant string missing NUL terminator"}
	}
	s := string(d.buf[d.pos:i])
	d.pos = i + 1
	return s, nil
}

// encodeGVariantArray encodes a according to GVariant's array framing:
// fixed-size elements are simply concatenated (their count is
// recoverable from the container's total size alone); variable-sized
// elements each get a trailing offset, including the last one, since
// nothing else would let a decoder recover the element count.
func (e *encoder) encodeGVariantArray(a *Array) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()

	elemSig := a.Elem.String()
	elemAlign := gvariantAlign(elemSig)
	start := e.pos()

	if isFixedSized(elemSig) {
		for _, el := range a.Vals {
			e.align(elemAlign)
			if err := e.encodeValue(el); err != nil {
				return err
			}
		}
		return nil
	}

	offsets := make([]int, 0, len(a.Vals))
	for _, el := range a.Vals {
		e.align(elemAlign)
		if err := e.encodeValue(el); err != nil {
			return err
		}
		offsets = append(offsets, e.pos()-start)
	}
	e.writeGVariantOffsetTable(start, offsets)
	return nil
}

// encodeGVariantDict encodes d as GVariant's array-of-dict-entry form,
// the same framing encodeGVariantArray uses with the entry type "{KV}"
// as the element.
func (e *encoder) encodeGVariantDict(d *Dict) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()

	entrySig := "{" + d.KeySig.String() + d.ValSig.String() + "}"
	entryAlign := gvariantAlign(entrySig)
	start := e.pos()

	if isFixedSized(entrySig) {
		for _, ent := range d.Entries {
			e.align(entryAlign)
			if err := e.encodeGVariantFields([]Value{ent.Key, ent.Val}); err != nil {
				return err
			}
		}
		return nil
	}

	offsets := make([]int, 0, len(d.Entries))
	for _, ent := range d.Entries {
		e.align(entryAlign)
		if err := e.encodeGVariantFields([]Value{ent.Key, ent.Val}); err != nil {
			return err
		}
		offsets = append(offsets, e.pos()-start)
	}
	e.writeGVariantOffsetTable(start, offsets)
	return nil
}

// encodeGVariantStruct encodes s's fields back to back; shared with the
// top-level body encoder and dict entries via encodeGVariantFields,
// since a struct is just a fixed-arity field list wrapped in parens.
func (e *encoder) encodeGVariantStruct(s *Struct) error {
	if err := e.depth.enterContainer(); err != nil {
		return err
	}
	defer e.depth.leaveContainer()
	return e.encodeGVariantFields(s.Fields)
}

// encodeGVariantFields encodes a fixed-arity sequence of values
// (struct fields, a dict entry's key/val, or a message's top-level
// body): every field is aligned per its own type, and every field
// except the last gets a trailing offset if it isn't fixed-sized — the
// last field's end is always inherited from the enclosing container's
// own end, never recorded.
func (e *encoder) encodeGVariantFields(fields []Value) error {
	start := e.pos()
	offsets := make([]int, 0, len(fields))
	for i, f := range fields {
		sig := f.DBusSignature().String()
		e.align(gvariantAlign(sig))
		if err := e.encodeValue(f); err != nil {
			return err
		}
		if i != len(fields)-1 && !isFixedSized(sig) {
			offsets = append(offsets, e.pos()-start)
		}
	}
	e.writeGVariantOffsetTable(start, offsets)
	return nil
}

// encodeGVariantVariant encodes v as value bytes, a single NUL byte,
// then the raw (unterminated) signature bytes. A decoder recovers the
// split by scanning backward from the container's end for the last NUL
// byte, which is unambiguous because GVariant type-string characters
// are never NUL.
func (e *encoder) encodeGVariantVariant(v *Variant) error {
	if err := e.depth.enterVariant(); err != nil {
		return err
	}
	defer e.depth.leaveVariant()

	if err := e.encodeValue(v.Val); err != nil {
		return err
	}
	e.writeByte(0)
	e.buf = append(e.buf, v.Sig.String()...)
	return nil
}

// encodeGVariantMaybe encodes m as a GVariant Maybe: Nothing is zero
// bytes, Just(v) is v's encoding followed by a single zero byte when v
// is not itself fixed-sized (the trailing byte lets the reader find
// where v's framing ends without a length prefix).
func (e *encoder) encodeGVariantMaybe(m *Maybe) error {
	if m.Val == nil {
		return nil
	}
	if err := e.encodeValue(m.Val); err != nil {
		return err
	}
	if !isFixedSized(m.Elem.String()) {
		e.writeByte(0)
	}
	return nil
}

// decodeGVariantArrayValue is encodeGVariantArray's inverse. end is the
// absolute position one past this array's last byte.
func (d *decoder) decodeGVariantArrayValue(sig string, end int) (Value, error) {
	if err := d.depth.enterContainer(); err != nil {
		return nil, err
	}
	defer d.depth.leaveContainer()

	elemSig := sig[1:]
	start := d.pos

	if elemSig[0] == TypeDictEntry {
		return d.decodeGVariantDictBody(elemSig, start, end)
	}

	arr := &Array{Elem: MustParseSignature(elemSig)}
	elemAlign := gvariantAlign(elemSig)

	if isFixedSized(elemSig) {
		elemSize := fixedSizeOf(elemSig)
		for d.pos < end {
			if err := d.align(elemAlign); err != nil {
				return nil, err
			}
			if d.pos >= end {
				break
			}
			elemStart := d.pos
			v, err := d.decodeValue(elemSig, elemStart+elemSize)
			if err != nil {
				return nil, err
			}
			arr.Vals = append(arr.Vals, v)
			d.pos = elemStart + elemSize
		}
		d.pos = end
		return arr, nil
	}

	if end == start {
		return arr, nil
	}
	offsetSize := FramingOffsetSize(end - start)
	tableStartRel, err := d.readGVariantOffsetAt(end-offsetSize, offsetSize)
	if err != nil {
		return nil, err
	}
	tableStart := start + tableStartRel
	if tableStart < start || tableStart > end {
		return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant array offset table out of range"}
	}
	numOffsets := (end - tableStart) / offsetSize

	elemStart := start
	for i := 0; i < numOffsets; i++ {
		off, err := d.readGVariantOffsetAt(tableStart+i*offsetSize, offsetSize)
		if err != nil {
			return nil, err
		}
		elemEnd := start + off
		if elemEnd < elemStart || elemEnd > tableStart {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant array element offset out of range"}
		}
		d.pos = elemStart
		if err := d.align(elemAlign); err != nil {
			return nil, err
		}
		v, err := d.decodeValue(elemSig, elemEnd)
		if err != nil {
			return nil, err
		}
		arr.Vals = append(arr.Vals, v)
		elemStart = elemEnd
	}
	d.pos = end
	return arr, nil
}

// decodeGVariantVariantBody is encodeGVariantVariant's inverse: it
// scans backward from end for the NUL byte separating the value bytes
// from the trailing signature, which is unambiguous because GVariant
// type-string characters are never NUL.
func (d *decoder) decodeGVariantVariantBody(end int) (Value, error) {
	if err := d.depth.enterVariant(); err != nil {
		return nil, err
	}
	defer d.depth.leaveVariant()

	i := end - 1
	for i >= d.pos && d.buf[i] != 0 {
		i--
	}
	if i < d.pos {
		return nil, CodecError{Kind: CodecMissingSignature, Reason: "gvariant variant missing signature separator"}
	}
	sigStr := string(d.buf[i+1 : end])
	sig, err := ParseSignature(sigStr)
	if err != nil {
		return nil, err
	}
	valEnd := i
	v, err := d.decodeValue(sig.String(), valEnd)
	if err != nil {
		return nil, err
	}
	d.pos = end
	return &Variant{Sig: sig, Val: v}, nil
}

// decodeGVariantDictBody is decodeGVariantArrayValue's dict-entry
// counterpart: a dict is an array of {key,val} entries, each decoded as
// a two-field list by decodeGVariantFields. A key that is not
// fixed-sized (a string, say) carries one field offset inside its
// entry; the value, being the entry's last field, never records its
// own offset. The array-level entry offsets below frame the entries.
func (d *decoder) decodeGVariantDictBody(entrySig string, start, end int) (Value, error) {
	keySig, valSig, _ := splitDictEntrySig(entrySig)
	dict := &Dict{KeySig: MustParseSignature(keySig), ValSig: MustParseSignature(valSig)}
	entryAlign := gvariantAlign(entrySig)

	if isFixedSized(entrySig) {
		entrySize := fixedSizeOf(entrySig)
		for d.pos < end {
			if err := d.align(entryAlign); err != nil {
				return nil, err
			}
			if d.pos >= end {
				break
			}
			vals, err := d.decodeGVariantFields([]string{keySig, valSig}, d.pos+entrySize)
			if err != nil {
				return nil, err
			}
			dict.Entries = append(dict.Entries, DictEntry{Key: vals[0], Val: vals[1]})
		}
		d.pos = end
		return dict, nil
	}

	if end == start {
		return dict, nil
	}
	offsetSize := FramingOffsetSize(end - start)
	tableStartRel, err := d.readGVariantOffsetAt(end-offsetSize, offsetSize)
	if err != nil {
		return nil, err
	}
	tableStart := start + tableStartRel
	if tableStart < start || tableStart > end {
		return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant dict offset table out of range"}
	}
	numOffsets := (end - tableStart) / offsetSize

	entryStart := start
	for i := 0; i < numOffsets; i++ {
		off, err := d.readGVariantOffsetAt(tableStart+i*offsetSize, offsetSize)
		if err != nil {
			return nil, err
		}
		entryEnd := start + off
		if entryEnd < entryStart || entryEnd > tableStart {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant dict entry offset out of range"}
		}
		d.pos = entryStart
		if err := d.align(entryAlign); err != nil {
			return nil, err
		}
		vals, err := d.decodeGVariantFields([]string{keySig, valSig}, entryEnd)
		if err != nil {
			return nil, err
		}
		dict.Entries = append(dict.Entries, DictEntry{Key: vals[0], Val: vals[1]})
		entryStart = entryEnd
	}
	d.pos = end
	return dict, nil
}

// decodeGVariantStructBody is encodeGVariantStruct's inverse.
func (d *decoder) decodeGVariantStructBody(sig string, end int) (Value, error) {
	if err := d.depth.enterContainer(); err != nil {
		return nil, err
	}
	defer d.depth.leaveContainer()

	fieldSigs := splitCompleteTypes(sig[1 : len(sig)-1])
	vals, err := d.decodeGVariantFields(fieldSigs, end)
	if err != nil {
		return nil, err
	}
	return &Struct{Fields: vals}, nil
}

// decodeGVariantFields is encodeGVariantFields's inverse, shared by
// struct decode, dict-entry decode and DecodeAll's top-level body.
func (d *decoder) decodeGVariantFields(fieldSigs []string, end int) ([]Value, error) {
	n := len(fieldSigs)
	if n == 0 {
		d.pos = end
		return nil, nil
	}
	start := d.pos

	numOffsets := 0
	for i, s := range fieldSigs {
		if i != n-1 && !isFixedSized(s) {
			numOffsets++
		}
	}
	tableStart := end
	offsetSize := 0
	if numOffsets > 0 {
		offsetSize = FramingOffsetSize(end - start)
		tableStart = end - numOffsets*offsetSize
		if tableStart < start {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant field offset table overruns container"}
		}
	}

	vals := make([]Value, n)
	offIdx := 0
	for i, s := range fieldSigs {
		if err := d.align(gvariantAlign(s)); err != nil {
			return nil, err
		}
		var fieldEnd int
		switch {
		case i == n-1:
			fieldEnd = tableStart
		case isFixedSized(s):
			fieldEnd = d.pos + fixedSizeOf(s)
		default:
			off, err := d.readGVariantOffsetAt(tableStart+offIdx*offsetSize, offsetSize)
			if err != nil {
				return nil, err
			}
			fieldEnd = start + off
			offIdx++
		}
		if fieldEnd < d.pos || fieldEnd > tableStart {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: "gvariant field offset out of range"}
		}
		v, err := d.decodeValue(s, fieldEnd)
		if err != nil {
			return nil, err
		}
		vals[i] = v
		d.pos = fieldEnd
	}
	d.pos = end
	return vals, nil
}

// decodeGVariantMaybe is encodeGVariantMaybe's inverse. Because a true
// GVariant Maybe carries no inline tag, distinguishing Nothing from
// Just relies entirely on position: an empty span means Nothing.
func (d *decoder) decodeGVariantMaybe(elemSig string, end int) (Value, error) {
	if d.pos >= end {
		d.pos = end
		return &Maybe{Elem: MustParseSignature(elemSig)}, nil
	}
	if isFixedSized(elemSig) {
		v, err := d.decodeValue(elemSig, end)
		if err != nil {
			return nil, err
		}
		return &Maybe{Elem: MustParseSignature(elemSig), Val: v}, nil
	}
	valEnd := end - 1 // trailing framing byte marks Just present
	v, err := d.decodeValue(elemSig, valEnd)
	if err != nil {
		return nil, err
	}
	d.pos = end
	return &Maybe{Elem: MustParseSignature(elemSig), Val: v}, nil
}
