package dbus

import (
	"fmt"
	"strings"
)

// Type codes, one ASCII byte per D-Bus/GVariant basic or container type.
const (
	TypeByte       = 'y'
	TypeBoolean    = 'b'
	TypeInt16      = 'n'
	TypeUint16     = 'q'
	TypeInt32      = 'i'
	TypeUint32     = 'u'
	TypeInt64      = 'x'
	TypeUint64     = 't'
	TypeDouble     = 'd'
	TypeString     = 's'
	TypeObjectPath = 'o'
	TypeSignature  = 'g'
	TypeUnixFD     = 'h'
	TypeArray      = 'a'
	TypeStruct     = '('
	TypeStructEnd  = ')'
	TypeVariant    = 'v'
	TypeDictEntry  = '{'
	TypeDictEnd    = '}'
	TypeMaybe      = 'm' // GVariant only
)

const maxStructDepth = 32
const maxVariantDepth = 64

// Signature is a validated D-Bus/GVariant type signature, e.g. "a{sv}".
type Signature struct {
	str string
}

// ParseSignature validates s and returns a Signature, or an error
// describing the first malformed type code.
func ParseSignature(s string) (Signature, error) {
	p := &sigParser{s: s}
	for p.pos < len(s) {
		if _, err := p.parseOne(0); err != nil {
			return Signature{}, err
		}
	}
	return Signature{str: s}, nil
}

// MustParseSignature is ParseSignature but panics on error; intended
// for signatures fixed at compile time.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func (s Signature) String() string { return s.str }
func (s Signature) Empty() bool    { return s.str == "" }

// Types splits a signature into its top-level complete types, e.g.
// "sii(si)" -> ["s", "i", "i", "(si)"].
func (s Signature) Types() []Signature {
	var out []Signature
	p := &sigParser{s: s.str}
	for p.pos < len(s.str) {
		start := p.pos
		p.parseOne(0)
		out = append(out, Signature{str: s.str[start:p.pos]})
	}
	return out
}

type sigParser struct {
	s   string
	pos int
}

func (p *sigParser) parseOne(depth int) (byte, error) {
	if p.pos >= len(p.s) {
		return 0, fmt.Errorf("dbus: truncated signature %q", p.s)
	}
	if depth > maxStructDepth {
		return 0, fmt.Errorf("dbus: signature %q exceeds max container nesting", p.s)
	}
	c := p.s[p.pos]
	p.pos++
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD, TypeVariant:
		return c, nil
	case TypeArray:
		if _, err := p.parseOne(depth + 1); err != nil {
			return 0, err
		}
		return c, nil
	case TypeMaybe:
		if _, err := p.parseOne(depth + 1); err != nil {
			return 0, err
		}
		return c, nil
	case TypeStruct:
		n := 0
		for p.pos < len(p.s) && p.s[p.pos] != TypeStructEnd {
			if _, err := p.parseOne(depth + 1); err != nil {
				return 0, err
			}
			n++
		}
		if p.pos >= len(p.s) {
			return 0, fmt.Errorf("dbus: unterminated struct in signature %q", p.s)
		}
		if n == 0 {
			return 0, fmt.Errorf("dbus: empty struct in signature %q", p.s)
		}
		p.pos++ // consume ')'
		return c, nil
	case TypeDictEntry:
		if p.pos < 2 || p.s[p.pos-2] != TypeArray {
			return 0, fmt.Errorf("dbus: dict entry outside an array in signature %q", p.s)
		}
		key, err := p.parseOne(depth + 1)
		if err != nil {
			return 0, err
		}
		if !isBasicType(key) {
			return 0, fmt.Errorf("dbus: dict entry key must be a basic type in %q", p.s)
		}
		if _, err := p.parseOne(depth + 1); err != nil {
			return 0, err
		}
		if p.pos >= len(p.s) || p.s[p.pos] != TypeDictEnd {
			return 0, fmt.Errorf("dbus: dict entry must have exactly one key and one value in %q", p.s)
		}
		p.pos++ // consume '}'
		return c, nil
	default:
		return 0, fmt.Errorf("dbus: invalid type code %q in signature %q", c, p.s)
	}
}

func isBasicType(c byte) bool {
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeUnixFD:
		return true
	}
	return false
}

// Align returns the alignment boundary, in bytes, required before a
// value of the type whose signature starts with c.
func Align(c byte) int {
	switch c {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeBoolean, TypeInt32, TypeUint32, TypeString, TypeObjectPath,
		TypeArray, TypeUnixFD:
		return 4
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	case TypeMaybe:
		return 1
	default:
		return 1
	}
}

// IsFixedSized reports whether every value encoded with signature sig
// has the same size regardless of content — true for basic numeric
// types and structures built only from fixed-sized types, false for
// strings, signatures, arrays, variants and maybes.
func (s Signature) IsFixedSized() bool {
	return isFixedSized(s.str)
}

func isFixedSized(sig string) bool {
	if sig == "" {
		return true
	}
	switch sig[0] {
	case TypeString, TypeObjectPath, TypeSignature, TypeArray, TypeVariant, TypeMaybe:
		return false
	case TypeStruct:
		p := &sigParser{s: sig}
		if _, err := p.parseOne(0); err != nil {
			return false
		}
		return isFixedSized(sig[1:p.pos-1]) && isFixedSized(sig[p.pos:])
	case TypeDictEntry:
		return false
	default:
		return isFixedSized(sig[1:])
	}
}

// EqualTopLevel reports whether s and other describe the same body
// type, treating a single top-level structure as equal to the bare
// concatenation of its fields: "(ay)" equals "ay" at the top level,
// matching the convention that a message body signature omits its
// outer tuple. Inside containers parentheses stay significant, so
// "a(ay)" never equals "aay".
func (s Signature) EqualTopLevel(other Signature) bool {
	if s.str == other.str {
		return true
	}
	return stripOuterParens(s.str) == stripOuterParens(other.str)
}

// stripOuterParens removes the outer parentheses of a signature that
// is exactly one top-level structure; anything else passes through.
func stripOuterParens(sig string) string {
	if len(sig) < 2 || sig[0] != TypeStruct {
		return sig
	}
	p := &sigParser{s: sig}
	if _, err := p.parseOne(0); err != nil || p.pos != len(sig) {
		return sig
	}
	return sig[1 : len(sig)-1]
}

// StringNoParens returns the textual signature with its outer
// parentheses stripped when the whole signature is exactly one
// structure, matching the convention for message body signatures.
func (s Signature) StringNoParens() string {
	return stripOuterParens(s.str)
}

// ElementSignature returns the signature of an array's element type,
// i.e. strips the leading 'a'.
func (s Signature) ElementSignature() Signature {
	if !strings.HasPrefix(s.str, "a") {
		return Signature{}
	}
	return Signature{str: s.str[1:]}
}
