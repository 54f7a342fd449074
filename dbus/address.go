package dbus

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Address is one parsed entry of a D-Bus address string: a transport
// name plus its key/value parameters, percent-decoded. A full address
// string is a semicolon-separated list of entries tried in order until
// one connects (Glossary); within an entry, commas separate the
// key/value pairs.
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddresses splits a D-Bus address string ("transport:k=v,k=v;...")
// into its ordered list of entries.
func ParseAddresses(s string) ([]Address, error) {
	var out []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		a, err := parseOneAddress(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, AddressError{Addr: s, Reason: "empty address"}
	}
	return out, nil
}

func parseOneAddress(entry string) (Address, error) {
	colon := strings.IndexByte(entry, ':')
	if colon < 0 {
		return Address{}, AddressError{Addr: entry, Reason: "missing transport separator"}
	}
	a := Address{Transport: entry[:colon], Params: map[string]string{}}
	rest := entry[colon+1:]
	if rest == "" {
		return a, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return Address{}, AddressError{Addr: entry, Reason: fmt.Sprintf("malformed key/value %q", kv)}
		}
		key := kv[:eq]
		val, err := percentDecode(kv[eq+1:])
		if err != nil {
			return Address{}, err
		}
		a.Params[key] = val
	}
	return a, nil
}

func percentDecode(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", AddressError{Addr: s, Reason: "truncated percent-encoding"}
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", AddressError{Addr: s, Reason: fmt.Sprintf("invalid percent-encoding: %v", err)}
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// SessionBusAddress returns the address used to reach the session bus:
// $DBUS_SESSION_BUS_ADDRESS if set, otherwise the conventional
// "unix:path=$XDG_RUNTIME_DIR/bus" fallback used on Linux. autolaunch:
// and launchd: entries are parsed by ParseAddresses but Dial rejects
// them with ErrUnsupportedTransport — this module does not implement
// the platform-specific bus-discovery helpers those transports need.
func SessionBusAddress() (string, error) {
	if a := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); a != "" {
		return a, nil
	}
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return "unix:path=" + rt + "/bus", nil
	}
	return "", AddressError{Reason: "DBUS_SESSION_BUS_ADDRESS not set and XDG_RUNTIME_DIR unavailable"}
}

// SystemBusAddress returns the address used to reach the system bus:
// $DBUS_SYSTEM_BUS_ADDRESS if set, otherwise the standard system
// socket path.
func SystemBusAddress() (string, error) {
	if a := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); a != "" {
		return a, nil
	}
	return "unix:path=/var/run/dbus/system_bus_socket", nil
}
