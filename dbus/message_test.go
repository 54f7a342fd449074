package dbus

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMessageBuilderMethodCallRoundTrip(t *testing.T) {
	ctx := NewDBusContext(binary.LittleEndian, 0)
	b, err := NewMethodCall("/org/example/Foo", "org.example.Iface", "DoThing", "org.example.Dest").
		WithBody(ctx, String("hello"), Int32(42))
	if err != nil {
		t.Fatalf("WithBody error: %v", err)
	}
	msg, err := b.Build(7, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	raw, err := EncodeMessage(msg, binary.LittleEndian)
	if err != nil {
		t.Fatalf("EncodeMessage error: %v", err)
	}
	if len(raw)%8 != 0 {
		t.Errorf("encoded message length %d is not 8-byte aligned", len(raw))
	}

	got, order, err := DecodeMessage(bytes.NewReader(raw), nil)
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if order != binary.LittleEndian {
		t.Errorf("order = %v, want LittleEndian", order)
	}
	if got.Type != TypeMethodCall || got.Path != "/org/example/Foo" || got.Interface != "org.example.Iface" ||
		got.Member != "DoThing" || got.Destination != "org.example.Dest" || got.Serial != 7 {
		t.Errorf("decoded header mismatch: %+v", got)
	}
	vals, err := got.Body(ctx)
	if err != nil {
		t.Fatalf("Body error: %v", err)
	}
	if len(vals) != 2 || vals[0] != String("hello") || vals[1] != Int32(42) {
		t.Errorf("decoded body mismatch: %+v", vals)
	}
}

func TestMessageValidRejectsMissingRequiredFields(t *testing.T) {
	m := &Message{Type: TypeMethodCall}
	if err := m.Valid(); err == nil {
		t.Error("expected error for method call missing path/member")
	}

	m2 := &Message{Type: TypeSignal, Path: "/a", Interface: "a.b", Member: "C"}
	if err := m2.Valid(); err != nil {
		t.Errorf("unexpected error for well-formed signal: %v", err)
	}
}

func TestWantsReply(t *testing.T) {
	b := NewMethodCall("/a", "a.b", "C", "a.b.c")
	msg, err := b.Build(1, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.WantsReply() {
		t.Error("expected plain method call to want a reply")
	}

	b2 := NewMethodCall("/a", "a.b", "C", "a.b.c").WithFlags(FlagNoReplyExpected)
	msg2, err := b2.Build(2, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if msg2.WantsReply() {
		t.Error("expected NoReplyExpected method call to not want a reply")
	}

	sig, err := NewSignal("/a", "a.b", "C").Build(3, binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	if sig.WantsReply() {
		t.Error("signals never want a reply")
	}
}
