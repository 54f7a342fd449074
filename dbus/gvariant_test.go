package dbus

import (
	"encoding/binary"
	"testing"
)

func gvCtx(t *testing.T) Context {
	t.Helper()
	ctx, err := NewGVariantContext(binary.LittleEndian, 0, OptionAsArray)
	if err != nil {
		t.Fatalf("NewGVariantContext: %v", err)
	}
	return ctx
}

func TestGVariantBooleanIsOneByte(t *testing.T) {
	ctx := gvCtx(t)
	raw, _, err := Encode(ctx, Boolean(true))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw) != 1 || raw[0] != 1 {
		t.Fatalf("got %v, want single byte [1]", raw)
	}
	raw0, _, err := Encode(ctx, Boolean(false))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw0) != 1 || raw0[0] != 0 {
		t.Fatalf("got %v, want single byte [0]", raw0)
	}
}

func TestGVariantStringIsNulTerminatedOnly(t *testing.T) {
	ctx := gvCtx(t)
	raw, _, err := Encode(ctx, String("hi"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte("hi\x00")
	if string(raw) != string(want) {
		t.Fatalf("got %v, want %v (no length prefix, single NUL)", raw, want)
	}
	v, err := Decode(ctx, MustParseSignature("s"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if v != String("hi") {
		t.Errorf("got %v, want hi", v)
	}
}

func TestGVariantFixedArrayHasNoOffsetTable(t *testing.T) {
	ctx := gvCtx(t)
	arr := &Array{Elem: MustParseSignature("i"), Vals: []Value{Int32(1), Int32(2), Int32(3)}}
	raw, _, err := Encode(ctx, arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw) != 12 {
		t.Fatalf("got %d bytes, want 12 (3 concatenated int32s, no trailing offsets)", len(raw))
	}
	want := []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	for i, b := range want {
		if raw[i] != b {
			t.Fatalf("byte %d = %#x, want %#x: %v", i, raw[i], b, raw)
		}
	}
	v, err := Decode(ctx, MustParseSignature("ai"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := v.(*Array)
	if len(got.Vals) != 3 || got.Vals[0] != Int32(1) || got.Vals[1] != Int32(2) || got.Vals[2] != Int32(3) {
		t.Errorf("round trip mismatch: %+v", got.Vals)
	}
}

func TestGVariantStringArrayFraming(t *testing.T) {
	ctx := gvCtx(t)
	arr := &Array{Elem: MustParseSignature("s"), Vals: []Value{String("a"), String("bb")}}
	raw, _, err := Encode(ctx, arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{'a', 0, 'b', 'b', 0, 2, 5}
	if len(raw) != len(want) {
		t.Fatalf("got %d bytes %v, want %d bytes %v", len(raw), raw, len(want), want)
	}
	for i, b := range want {
		if raw[i] != b {
			t.Fatalf("byte %d = %#x, want %#x: got %v want %v", i, raw[i], b, raw, want)
		}
	}
	v, err := Decode(ctx, MustParseSignature("as"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := v.(*Array)
	if len(got.Vals) != 2 || got.Vals[0] != String("a") || got.Vals[1] != String("bb") {
		t.Errorf("round trip mismatch: %+v", got.Vals)
	}
}

func TestGVariantEmptyArrayRoundTrips(t *testing.T) {
	ctx := gvCtx(t)
	arr := &Array{Elem: MustParseSignature("s")}
	raw, _, err := Encode(ctx, arr)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("got %d bytes, want 0 for an empty array", len(raw))
	}
	v, err := Decode(ctx, MustParseSignature("as"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(v.(*Array).Vals) != 0 {
		t.Errorf("got non-empty array from empty encoding")
	}
}

func TestGVariantStructFraming(t *testing.T) {
	ctx := gvCtx(t)
	s := &Struct{Fields: []Value{String("x"), Int32(5)}}
	raw, _, err := Encode(ctx, s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{'x', 0, 0, 0, 5, 0, 0, 0, 2}
	if len(raw) != len(want) {
		t.Fatalf("got %d bytes %v, want %d bytes %v", len(raw), raw, len(want), want)
	}
	for i, b := range want {
		if raw[i] != b {
			t.Fatalf("byte %d = %#x, want %#x: got %v want %v", i, raw[i], b, raw, want)
		}
	}
	v, err := Decode(ctx, MustParseSignature("(si)"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := v.(*Struct)
	if len(got.Fields) != 2 || got.Fields[0] != String("x") || got.Fields[1] != Int32(5) {
		t.Errorf("round trip mismatch: %+v", got.Fields)
	}
}

func TestGVariantVariantRoundTrip(t *testing.T) {
	ctx := gvCtx(t)
	v := &Variant{Sig: MustParseSignature("s"), Val: String("inner")}
	raw, _, err := Encode(ctx, v)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(ctx, MustParseSignature("v"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gv := got.(*Variant)
	if gv.Val != String("inner") || gv.Sig.String() != "s" {
		t.Errorf("got %+v, want Variant(s, inner)", gv)
	}
}

func TestGVariantDictRoundTrip(t *testing.T) {
	ctx := gvCtx(t)
	d := &Dict{
		KeySig: MustParseSignature("s"), ValSig: MustParseSignature("i"),
		Entries: []DictEntry{
			{Key: String("a"), Val: Int32(1)},
			{Key: String("bb"), Val: Int32(2)},
		},
	}
	raw, _, err := Encode(ctx, d)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(ctx, MustParseSignature("a{si}"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gd := got.(*Dict)
	if len(gd.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(gd.Entries))
	}
	if gd.Entries[0].Key != String("a") || gd.Entries[0].Val != Int32(1) {
		t.Errorf("entry 0 mismatch: %+v", gd.Entries[0])
	}
	if gd.Entries[1].Key != String("bb") || gd.Entries[1].Val != Int32(2) {
		t.Errorf("entry 1 mismatch: %+v", gd.Entries[1])
	}
}

func TestGVariantMaybeRoundTrip(t *testing.T) {
	ctx, err := NewGVariantContext(binary.LittleEndian, 0, OptionAsMaybe)
	if err != nil {
		t.Fatalf("NewGVariantContext: %v", err)
	}

	just := &Maybe{Elem: MustParseSignature("s"), Val: String("present")}
	raw, _, err := Encode(ctx, just)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(ctx, MustParseSignature("ms"), raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.(*Maybe).Val != String("present") {
		t.Errorf("got %+v, want Just(present)", got)
	}

	nothing := &Maybe{Elem: MustParseSignature("s")}
	raw2, _, err := Encode(ctx, nothing)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(raw2) != 0 {
		t.Fatalf("got %d bytes for Nothing, want 0", len(raw2))
	}
	got2, err := Decode(ctx, MustParseSignature("ms"), raw2, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got2.(*Maybe).Val != nil {
		t.Errorf("got non-nil value for Nothing maybe")
	}
}

func TestGVariantMessageBodyFraming(t *testing.T) {
	ctx := gvCtx(t)
	raw, _, err := EncodeAll(ctx, []Value{String("first"), Int32(7)})
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	got, err := DecodeAll(ctx, []Signature{MustParseSignature("s"), MustParseSignature("i")}, raw, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if len(got) != 2 || got[0] != String("first") || got[1] != Int32(7) {
		t.Errorf("got %+v, want [first 7]", got)
	}
}
