package dbus

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// pipeTransport adapts a net.Conn (as returned by net.Pipe) to the
// Transport interface for tests that don't need a real SASL handshake
// or SCM_RIGHTS fd passing.
type pipeTransport struct {
	conn net.Conn
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *pipeTransport) Close() error                { return p.conn.Close() }
func (p *pipeTransport) CanPassFDs() bool            { return false }
func (p *pipeTransport) PeerCredentials() (int, int, error) {
	return 0, 0, AuthenticationError{Reason: "pipe transport has no credentials"}
}
func (p *pipeTransport) ReadMessage() (*Message, binary.ByteOrder, error) {
	return DecodeMessage(p.conn, nil)
}
func (p *pipeTransport) WriteMessage(m *Message, order binary.ByteOrder) error {
	raw, err := EncodeMessage(m, order)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(raw)
	return err
}

func newConnectionPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	a, b := net.Pipe()
	var err error
	client, err = NewConnection(&pipeTransport{conn: a}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("NewConnection(client) error: %v", err)
	}
	server, err = NewConnection(&pipeTransport{conn: b}, binary.LittleEndian)
	if err != nil {
		t.Fatalf("NewConnection(server) error: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestPeerToPeerMethodCall(t *testing.T) {
	client, server := newConnectionPair(t)

	os := NewObjectServer(server)
	iface := NewInterface("org.example.Echo")
	iface.AddMethod("Ping", func(msg *Message, body []Value) ([]Value, error) {
		return []Value{String("pong")}, nil
	})
	os.Export("/org/example/Foo", iface)

	reply, err := client.Call("/org/example/Foo", "org.example.Echo", "Ping", "")
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	vals, err := reply.Body(client.Context())
	if err != nil {
		t.Fatalf("Body error: %v", err)
	}
	if len(vals) != 1 || vals[0] != String("pong") {
		t.Errorf("got %+v, want [pong]", vals)
	}
}

func TestPeerToPeerUnknownMethod(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	os.Export("/org/example/Foo", NewInterface("org.example.Echo"))

	_, err := client.Call("/org/example/Foo", "org.example.Echo", "Missing", "")
	if err == nil {
		t.Fatal("expected error calling unknown method")
	}
	callErr, ok := err.(*CallError)
	if !ok {
		t.Fatalf("got %T, want *CallError", err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("got error name %q", callErr.Name)
	}
}

func TestPeerToPeerIntrospect(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	iface := NewInterface("org.example.Echo")
	iface.AddMethod("Ping", func(msg *Message, body []Value) ([]Value, error) {
		return nil, nil
	})
	os.Export("/org/example/Foo", iface)

	reply, err := client.Call("/org/example/Foo", ifaceIntrospectable, "Introspect", "")
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	vals, err := reply.Body(client.Context())
	if err != nil || len(vals) != 1 {
		t.Fatalf("Body error: %v, vals=%+v", err, vals)
	}
	xmlStr := string(vals[0].(String))
	if len(xmlStr) == 0 {
		t.Error("expected non-empty introspection XML")
	}
}

func TestPeerToPeerProperties(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	iface := NewInterface("org.example.Counter")
	count := Int32(0)
	iface.AddProperty("Count", &Property{
		Sig:          MustParseSignature("i"),
		Get:          func() (Value, error) { return count, nil },
		Set:          func(v Value) error { count = v.(Int32); return nil },
		EmitsChanged: EmitsChangedTrue,
	})
	os.Export("/org/example/Counter", iface)

	v, err := client.Object("", "/org/example/Counter").GetProperty("org.example.Counter", "Count")
	if err != nil {
		t.Fatalf("GetProperty error: %v", err)
	}
	if v != Int32(0) {
		t.Errorf("got %v, want 0", v)
	}

	if err := client.Object("", "/org/example/Counter").SetProperty("org.example.Counter", "Count", Int32(5)); err != nil {
		t.Fatalf("SetProperty error: %v", err)
	}

	v2, err := client.Object("", "/org/example/Counter").GetProperty("org.example.Counter", "Count")
	if err != nil {
		t.Fatalf("GetProperty error: %v", err)
	}
	if v2 != Int32(5) {
		t.Errorf("got %v, want 5", v2)
	}
}

func TestCallTimeout(t *testing.T) {
	client, server := newConnectionPair(t)
	_ = server // server never replies
	client.cfg.methodTimeout = 20 * time.Millisecond
	_, err := client.Call("/no/such/path", "no.such.Iface", "NoSuchMethod", "")
	if err != ErrTimeout {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}
