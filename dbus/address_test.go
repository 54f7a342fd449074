package dbus

import "testing"

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses("unix:path=/run/dbus/system_bus_socket")
	if err != nil {
		t.Fatalf("ParseAddresses error: %v", err)
	}
	if len(addrs) != 1 || addrs[0].Transport != "unix" || addrs[0].Params["path"] != "/run/dbus/system_bus_socket" {
		t.Errorf("got %+v", addrs)
	}
}

func TestParseAddressesMultipleEntries(t *testing.T) {
	addrs, err := ParseAddresses("unix:path=/a;tcp:host=localhost,port=1234")
	if err != nil {
		t.Fatalf("ParseAddresses error: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d entries, want 2", len(addrs))
	}
	if addrs[1].Transport != "tcp" || addrs[1].Params["host"] != "localhost" || addrs[1].Params["port"] != "1234" {
		t.Errorf("got %+v", addrs[1])
	}
}

func TestPercentDecode(t *testing.T) {
	addrs, err := ParseAddresses("unix:path=/tmp/has%20space")
	if err != nil {
		t.Fatalf("ParseAddresses error: %v", err)
	}
	if addrs[0].Params["path"] != "/tmp/has space" {
		t.Errorf("got %q, want %q", addrs[0].Params["path"], "/tmp/has space")
	}
}

func TestParseAddressesMalformed(t *testing.T) {
	if _, err := ParseAddresses("not-an-address"); err == nil {
		t.Error("expected error for address missing a colon")
	}
}

func TestParseAddressFullForm(t *testing.T) {
	addrs, err := ParseAddresses("unix:path=/tmp/dbus-foo,guid=0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("ParseAddresses error: %v", err)
	}
	a := addrs[0]
	if a.Transport != "unix" || a.Params["path"] != "/tmp/dbus-foo" {
		t.Errorf("got %+v", a)
	}
	if a.Params["guid"] != "0123456789abcdef0123456789abcdef" {
		t.Errorf("guid = %q", a.Params["guid"])
	}

	addrs, err = ParseAddresses("tcp:host=localhost,port=4142,family=ipv6,noncefile=/a/file/path%20to%20file%201234")
	if err != nil {
		t.Fatalf("ParseAddresses error: %v", err)
	}
	a = addrs[0]
	if a.Transport != "tcp" || a.Params["host"] != "localhost" || a.Params["port"] != "4142" {
		t.Errorf("got %+v", a)
	}
	if a.Params["noncefile"] != "/a/file/path to file 1234" {
		t.Errorf("noncefile = %q, percent-decoding failed", a.Params["noncefile"])
	}
}
