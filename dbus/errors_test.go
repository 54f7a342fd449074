package dbus

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

func TestCodecErrorKinds(t *testing.T) {
	ctx := NewDBusContext(binary.LittleEndian, 0)

	decodeKind := func(t *testing.T, sig string, data []byte) CodecKind {
		t.Helper()
		_, err := Decode(ctx, MustParseSignature(sig), data, nil)
		var ce CodecError
		if !errors.As(err, &ce) {
			t.Fatalf("got %T (%v), want CodecError", err, err)
		}
		return ce.Kind
	}

	if k := decodeKind(t, "s", []byte{2, 0, 0, 0, 0xff, 0xfe, 0}); k != CodecUtf8 {
		t.Errorf("invalid UTF-8 reported as %v, want %v", k, CodecUtf8)
	}
	if k := decodeKind(t, "s", []byte{3, 0, 0, 0, 'a', 0, 'b', 0}); k != CodecInteriorNul {
		t.Errorf("interior NUL reported as %v, want %v", k, CodecInteriorNul)
	}
	if k := decodeKind(t, "u", []byte{1, 2}); k != CodecInsufficientData {
		t.Errorf("short buffer reported as %v, want %v", k, CodecInsufficientData)
	}

	var v Value = Int32(1)
	for i := 0; i < maxStructDepth+1; i++ {
		v = &Struct{Fields: []Value{v}}
	}
	_, _, err := Encode(ctx, v)
	var ce CodecError
	if !errors.As(err, &ce) || ce.Kind != CodecDepthExceeded {
		t.Errorf("over-deep nesting reported as %v, want CodecDepthExceeded", err)
	}
}

func TestBodyAsSignatureMismatch(t *testing.T) {
	ctx := NewDBusContext(binary.LittleEndian, 0)
	b, err := NewSignal("/org/example/Foo", "org.example.Iface", "Tick").
		WithBody(ctx, String("hi"))
	if err != nil {
		t.Fatalf("WithBody: %v", err)
	}
	msg, err := b.Build(1, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := msg.BodyAs(ctx, MustParseSignature("s")); err != nil {
		t.Fatalf("matching signature rejected: %v", err)
	}
	_, err = msg.BodyAs(ctx, MustParseSignature("i"))
	var ce CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("got %T (%v), want CodecError", err, err)
	}
	if ce.Kind != CodecSignatureMismatch || ce.Expected != "i" || ce.Found != "s" {
		t.Errorf("got %+v, want SignatureMismatch expected=i found=s", ce)
	}
}

func TestAddressErrorTagged(t *testing.T) {
	_, err := ParseAddresses("not-an-address")
	var ae AddressError
	if !errors.As(err, &ae) {
		t.Fatalf("got %T (%v), want AddressError", err, err)
	}

	_, err = ParseAddresses("unix:path=/tmp/trunc%2")
	if !errors.As(err, &ae) {
		t.Errorf("truncated percent-encoding: got %T (%v), want AddressError", err, err)
	}
}

func TestMatchTableConcurrentRefcount(t *testing.T) {
	mt := newMatchTable()
	const workers = 16
	var firsts, lasts int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mt.acquire("rule") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firsts != 1 {
		t.Errorf("%d goroutines observed the first reference, want exactly 1", firsts)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if mt.release("rule") {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if lasts != 1 {
		t.Errorf("%d goroutines observed the last reference, want exactly 1", lasts)
	}
}
