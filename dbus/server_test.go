package dbus

import (
	"strings"
	"testing"
	"time"
)

func TestDispatchOmittedInterfaceFirstRegisteredWins(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)

	first := NewInterface("org.example.First")
	first.AddMethod("Do", func(msg *Message, body []Value) ([]Value, error) {
		return []Value{String("first")}, nil
	})
	second := NewInterface("org.example.Second")
	second.AddMethod("Do", func(msg *Message, body []Value) ([]Value, error) {
		return []Value{String("second")}, nil
	})
	os.Export("/org/example/Foo", first)
	os.Export("/org/example/Foo", second)

	reply, err := client.Call("/org/example/Foo", "", "Do", "")
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	vals, err := reply.Body(client.Context())
	if err != nil || len(vals) != 1 {
		t.Fatalf("Body error: %v, vals=%+v", err, vals)
	}
	if vals[0] != String("first") {
		t.Errorf("got %v, want the first-registered interface's handler", vals[0])
	}
}

func TestDispatchDeclaredInputSignature(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)

	iface := NewInterface("org.example.Echo")
	iface.AddMethodIn("Echo", MustParseSignature("s"), func(msg *Message, body []Value) ([]Value, error) {
		return body, nil
	})
	os.Export("/org/example/Foo", iface)

	if _, err := client.Call("/org/example/Foo", "org.example.Echo", "Echo", "", String("hi")); err != nil {
		t.Fatalf("well-typed call failed: %v", err)
	}

	_, err := client.Call("/org/example/Foo", "org.example.Echo", "Echo", "", Int32(5))
	callErr, ok := err.(*CallError)
	if !ok {
		t.Fatalf("got %T (%v), want *CallError", err, err)
	}
	if callErr.Name != "org.freedesktop.DBus.Error.InvalidArgs" {
		t.Errorf("got error name %q, want InvalidArgs", callErr.Name)
	}
}

func TestDispatchUnknownObjectAndInterface(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	os.Export("/org/example/Foo", NewInterface("org.example.Echo"))

	_, err := client.Call("/no/such/object", "org.example.Echo", "Do", "")
	if ce, ok := err.(*CallError); !ok || ce.Name != "org.freedesktop.DBus.Error.UnknownObject" {
		t.Errorf("got %v, want UnknownObject", err)
	}

	_, err = client.Call("/org/example/Foo", "no.such.Iface", "Do", "")
	if ce, ok := err.(*CallError); !ok || ce.Name != "org.freedesktop.DBus.Error.UnknownInterface" {
		t.Errorf("got %v, want UnknownInterface", err)
	}
}

func recvSignal(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return nil
	}
}

func TestPropertiesChangedEmission(t *testing.T) {
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
	secret := Int32(0)
	iface.AddProperty("Secret", &Property{
		Sig:          MustParseSignature("i"),
		Get:          func() (Value, error) { return secret, nil },
		Set:          func(v Value) error { secret = v.(Int32); return nil },
		EmitsChanged: EmitsChangedInvalidates,
	})
	os.Export("/org/example/Counter", iface)

	rule, err := ParseMatchRule("type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'")
	if err != nil {
		t.Fatalf("ParseMatchRule: %v", err)
	}
	ch, cancel, err := client.Subscribe(rule)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	obj := client.Object("", "/org/example/Counter")
	if err := obj.SetProperty("org.example.Counter", "Count", Int32(7)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}

	sig := recvSignal(t, ch)
	vals, err := sig.Body(client.Context())
	if err != nil || len(vals) != 3 {
		t.Fatalf("signal body error: %v, vals=%+v", err, vals)
	}
	if vals[0] != String("org.example.Counter") {
		t.Errorf("interface arg = %v", vals[0])
	}
	changed := vals[1].(*Dict)
	if len(changed.Entries) != 1 || changed.Entries[0].Key != String("Count") {
		t.Fatalf("changed_properties = %+v, want Count", changed.Entries)
	}
	if v := changed.Entries[0].Val.(*Variant).Val; v != Int32(7) {
		t.Errorf("changed value = %v, want 7", v)
	}

	// An "invalidates" property reports its name only, no value.
	if err := obj.SetProperty("org.example.Counter", "Secret", Int32(9)); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	sig = recvSignal(t, ch)
	vals, err = sig.Body(client.Context())
	if err != nil || len(vals) != 3 {
		t.Fatalf("signal body error: %v, vals=%+v", err, vals)
	}
	if n := len(vals[1].(*Dict).Entries); n != 0 {
		t.Errorf("changed_properties has %d entries, want 0", n)
	}
	invalidated := vals[2].(*Array)
	if len(invalidated.Vals) != 1 || invalidated.Vals[0] != String("Secret") {
		t.Errorf("invalidated_properties = %+v, want [Secret]", invalidated.Vals)
	}
}

func TestObjectManagerGetManagedObjects(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	os.EnableObjectManager("/org/example")

	iface := NewInterface("org.example.Thing")
	name := String("widget")
	iface.AddProperty("Name", &Property{
		Sig: MustParseSignature("s"),
		Get: func() (Value, error) { return name, nil },
	})
	os.Export("/org/example/child", iface)

	reply, err := client.Call("/org/example", ifaceObjectManager, "GetManagedObjects", "")
	if err != nil {
		t.Fatalf("GetManagedObjects: %v", err)
	}
	vals, err := reply.Body(client.Context())
	if err != nil || len(vals) != 1 {
		t.Fatalf("body error: %v, vals=%+v", err, vals)
	}
	outer := vals[0].(*Dict)
	if len(outer.Entries) != 1 {
		t.Fatalf("managed objects = %+v, want one child", outer.Entries)
	}
	if outer.Entries[0].Key != ObjectPath("/org/example/child") {
		t.Errorf("managed path = %v", outer.Entries[0].Key)
	}
	inner := outer.Entries[0].Val.(*Dict)
	if len(inner.Entries) != 1 || inner.Entries[0].Key != String("org.example.Thing") {
		t.Errorf("managed interfaces = %+v", inner.Entries)
	}
}

func TestInterfacesAddedAndRemovedSignals(t *testing.T) {
	client, server := newConnectionPair(t)
	os := NewObjectServer(server)
	os.EnableObjectManager("/org/example")

	rule, err := ParseMatchRule("type='signal',interface='org.freedesktop.DBus.ObjectManager'")
	if err != nil {
		t.Fatalf("ParseMatchRule: %v", err)
	}
	ch, cancel, err := client.Subscribe(rule)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	os.Export("/org/example/child", NewInterface("org.example.Thing"))

	added := recvSignal(t, ch)
	if added.Member != "InterfacesAdded" || added.Path != "/org/example" {
		t.Errorf("got %s at %s, want InterfacesAdded at the manager path", added.Member, added.Path)
	}
	vals, err := added.Body(client.Context())
	if err != nil || len(vals) != 2 {
		t.Fatalf("body error: %v, vals=%+v", err, vals)
	}
	if vals[0] != ObjectPath("/org/example/child") {
		t.Errorf("added path = %v", vals[0])
	}

	os.Unexport("/org/example/child", "org.example.Thing")
	removed := recvSignal(t, ch)
	if removed.Member != "InterfacesRemoved" {
		t.Errorf("got %s, want InterfacesRemoved", removed.Member)
	}
	vals, err = removed.Body(client.Context())
	if err != nil || len(vals) != 2 {
		t.Fatalf("body error: %v, vals=%+v", err, vals)
	}
	names := vals[1].(*Array)
	if len(names.Vals) != 1 || names.Vals[0] != String("org.example.Thing") {
		t.Errorf("removed interfaces = %+v", names.Vals)
	}
}

func TestIntrospectListsChildNodes(t *testing.T) {
	_, server := newConnectionPair(t)
	os := NewObjectServer(server)
	os.Export("/org/example/a", NewInterface("org.example.A"))
	os.Export("/org/example/a/b", NewInterface("org.example.B"))
	os.Export("/org/example/a/b/c", NewInterface("org.example.C"))

	xmlStr, err := os.introspectXML("/org/example/a")
	if err != nil {
		t.Fatalf("introspectXML: %v", err)
	}
	if !strings.Contains(xmlStr, `name="org.example.A"`) {
		t.Errorf("missing exported interface in:\n%s", xmlStr)
	}
	if !strings.Contains(xmlStr, `<node name="b"`) {
		t.Errorf("missing immediate child node in:\n%s", xmlStr)
	}
	if strings.Contains(xmlStr, `<node name="c"`) {
		t.Errorf("grandchild listed as immediate child in:\n%s", xmlStr)
	}
}
