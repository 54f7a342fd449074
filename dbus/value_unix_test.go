//go:build unix

package dbus

import (
	"encoding/binary"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestTryCloneDupsUnixFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	orig := []int{int(r.Fd())}
	cloned, newFds, err := TryClone(UnixFD(0), orig)
	if err != nil {
		t.Fatalf("TryClone error: %v", err)
	}
	if cloned != UnixFD(0) {
		t.Errorf("cloned index = %v, want UnixFD(0)", cloned)
	}
	if len(newFds) != 1 {
		t.Fatalf("len(newFds) = %d, want 1", len(newFds))
	}
	if newFds[0] == orig[0] {
		t.Error("cloned fd equals original fd; dup(2) did not happen")
	}
	defer unix.Close(newFds[0])

	// Closing the clone's descriptor must not affect the original: write
	// through the pipe and confirm the original read end still works.
	unix.Close(newFds[0])
	msg := []byte("ping")
	if _, err := w.Write(msg); err != nil {
		t.Fatalf("write after closing clone's dup'd fd: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("read after closing clone's dup'd fd: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("got %q, want %q", buf, msg)
	}
}

func TestMessageCloneDupsFds(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	ctx := NewDBusContext(binary.LittleEndian, 0)
	b, err := NewMethodCall("/org/example/Foo", "org.example.Iface", "SendFD", "org.example.Dest").
		WithBodyFDs(ctx, []Value{UnixFD(0)}, []int{int(r.Fd())})
	if err != nil {
		t.Fatalf("WithBodyFDs error: %v", err)
	}
	msg, err := b.Build(1, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	clone, err := msg.Clone(ctx)
	if err != nil {
		t.Fatalf("Clone error: %v", err)
	}
	defer unix.Close(clone.fds[0])

	if clone.fds[0] == msg.fds[0] {
		t.Error("clone shares the original message's fd instead of owning a dup")
	}
}
