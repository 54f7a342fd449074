package dbus

import "fmt"

// Value is a decoded D-Bus value. The concrete type identifies the
// D-Bus type: Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64,
// Uint64, Double, String, ObjectPath, Signature, UnixFD, *Array,
// *Struct, *Dict, *Variant, *Maybe.
type Value interface {
	// DBusSignature returns the signature of this value.
	DBusSignature() Signature
}

type (
	Byte           byte
	Boolean        bool
	Int16          int16
	Uint16         uint16
	Int32          int32
	Uint32         uint32
	Int64          int64
	Uint64         uint64
	Double         float64
	String         string
	ObjectPath     string
	SignatureValue Signature
	// UnixFD is an index into a message's out-of-band file
	// descriptor list, not a raw fd number.
	UnixFD uint32
)

func (Byte) DBusSignature() Signature           { return MustParseSignature("y") }
func (Boolean) DBusSignature() Signature        { return MustParseSignature("b") }
func (Int16) DBusSignature() Signature          { return MustParseSignature("n") }
func (Uint16) DBusSignature() Signature         { return MustParseSignature("q") }
func (Int32) DBusSignature() Signature          { return MustParseSignature("i") }
func (Uint32) DBusSignature() Signature         { return MustParseSignature("u") }
func (Int64) DBusSignature() Signature          { return MustParseSignature("x") }
func (Uint64) DBusSignature() Signature         { return MustParseSignature("t") }
func (Double) DBusSignature() Signature         { return MustParseSignature("d") }
func (String) DBusSignature() Signature         { return MustParseSignature("s") }
func (ObjectPath) DBusSignature() Signature     { return MustParseSignature("o") }
func (SignatureValue) DBusSignature() Signature { return MustParseSignature("g") }
func (UnixFD) DBusSignature() Signature         { return MustParseSignature("h") }

// Array is an ordered, homogeneously-typed D-Bus array ("a<T>").
type Array struct {
	Elem Signature
	Vals []Value
}

func (a *Array) DBusSignature() Signature {
	return Signature{str: "a" + a.Elem.String()}
}

// Struct is a fixed-arity, heterogeneously-typed D-Bus structure.
type Struct struct {
	Fields []Value
}

func (s *Struct) DBusSignature() Signature {
	str := "("
	for _, f := range s.Fields {
		str += f.DBusSignature().String()
	}
	str += ")"
	return Signature{str: str}
}

// DictEntry is one key/value pair of a Dict.
type DictEntry struct {
	Key Value
	Val Value
}

// Dict is a D-Bus array of dict entries ("a{KV}"), exposed with map
// semantics over basic-typed keys.
type Dict struct {
	KeySig  Signature
	ValSig  Signature
	Entries []DictEntry
}

func (d *Dict) DBusSignature() Signature {
	return Signature{str: "a{" + d.KeySig.String() + d.ValSig.String() + "}"}
}

// Variant holds a value together with its signature, letting it travel
// inside containers whose element type isn't known statically.
type Variant struct {
	Sig Signature
	Val Value
}

func (*Variant) DBusSignature() Signature { return MustParseSignature("v") }

// Maybe is GVariant's optional value ("m<T>"); nil Val means Nothing.
type Maybe struct {
	Elem Signature
	Val  Value // nil if absent
}

func (m *Maybe) DBusSignature() Signature {
	return Signature{str: "m" + m.Elem.String()}
}

// TryClone deep-copies v, duplicating the real descriptor behind any
// UnixFD value it contains so the copy and the original own
// independent descriptors. fds is the out-of-band descriptor
// table v's UnixFD indices resolve into, as attached by the codec
// layer (fdTable) or carried on a *Message; it is read, never mutated.
//
// TryClone returns the cloned value together with a new descriptor
// table the clone's UnixFD indices resolve into. It fails, and leaves
// no descriptor leaked, if dup(2) on any referenced fd fails — e.g.
// EMFILE when the process is out of descriptor slots.
func TryClone(v Value, fds []int) (Value, []int, error) {
	cloned := append([]int(nil), fds...)
	dupped := make(map[uint32]bool)
	out, err := tryCloneValue(v, fds, cloned, dupped)
	if err != nil {
		closeDuppedFDs(cloned, dupped)
		return nil, nil, err
	}
	return out, cloned, nil
}

// tryCloneValue is TryClone's recursive worker. orig is the fd table
// being cloned from; cloned starts as a copy of orig and has its
// entries replaced, index by index, the first time that index is
// referenced by a UnixFD value; dupped tracks which indices have
// already been replaced so a value referencing the same fd twice
// doesn't dup it twice.
func tryCloneValue(v Value, orig, cloned []int, dupped map[uint32]bool) (Value, error) {
	switch x := v.(type) {
	case *Array:
		out := &Array{Elem: x.Elem, Vals: make([]Value, len(x.Vals))}
		for i, e := range x.Vals {
			c, err := tryCloneValue(e, orig, cloned, dupped)
			if err != nil {
				return nil, err
			}
			out.Vals[i] = c
		}
		return out, nil
	case *Struct:
		out := &Struct{Fields: make([]Value, len(x.Fields))}
		for i, e := range x.Fields {
			c, err := tryCloneValue(e, orig, cloned, dupped)
			if err != nil {
				return nil, err
			}
			out.Fields[i] = c
		}
		return out, nil
	case *Dict:
		out := &Dict{KeySig: x.KeySig, ValSig: x.ValSig, Entries: make([]DictEntry, len(x.Entries))}
		for i, e := range x.Entries {
			ck, err := tryCloneValue(e.Key, orig, cloned, dupped)
			if err != nil {
				return nil, err
			}
			cv, err := tryCloneValue(e.Val, orig, cloned, dupped)
			if err != nil {
				return nil, err
			}
			out.Entries[i] = DictEntry{Key: ck, Val: cv}
		}
		return out, nil
	case *Variant:
		c, err := tryCloneValue(x.Val, orig, cloned, dupped)
		if err != nil {
			return nil, err
		}
		return &Variant{Sig: x.Sig, Val: c}, nil
	case *Maybe:
		if x.Val == nil {
			return &Maybe{Elem: x.Elem}, nil
		}
		c, err := tryCloneValue(x.Val, orig, cloned, dupped)
		if err != nil {
			return nil, err
		}
		return &Maybe{Elem: x.Elem, Val: c}, nil
	case UnixFD:
		idx := uint32(x)
		if int(idx) >= len(orig) {
			return nil, CodecError{Kind: CodecInvalidValue, Reason: fmt.Sprintf("unix fd index %d out of range", idx)}
		}
		if !dupped[idx] {
			dup, err := dupFD(orig[idx])
			if err != nil {
				return nil, fmt.Errorf("dbus: cannot clone unix fd %d: %w", orig[idx], err)
			}
			cloned[idx] = dup
			dupped[idx] = true
		}
		return x, nil
	default:
		// Basic types are Go value types; returning v copies it.
		return v, nil
	}
}

// closeDuppedFDs releases every descriptor TryClone already
// duplicated before the failure that aborted it, so a failed clone
// never leaks fds.
func closeDuppedFDs(cloned []int, dupped map[uint32]bool) {
	for idx := range dupped {
		closeFD(cloned[idx])
	}
}

// String implements fmt.Stringer for debugging; it is not the D-Bus
// STRING encoding.
func (v *Variant) String() string {
	return fmt.Sprintf("Variant(%s, %v)", v.Sig, v.Val)
}
