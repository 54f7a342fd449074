package dbus

import (
	"encoding/binary"
	"io"
)

// maxUnixFds is the maximum number of file descriptors this module
// will pass in or out of a single message.
const maxUnixFds = 16

// Transport is the byte-stream abstraction a Connection runs the wire
// protocol over. Concrete implementations: unix domain sockets (with
// SCM_RIGHTS fd passing), TCP/nonce-TCP, and Linux VSOCK.
type Transport interface {
	io.ReadWriteCloser
	// ReadMessage reads one full message, returning any file
	// descriptors that arrived out-of-band alongside it.
	ReadMessage() (*Message, binary.ByteOrder, error)
	// WriteMessage writes a fully-built message, sending fds
	// out-of-band when the transport supports it.
	WriteMessage(m *Message, order binary.ByteOrder) error
	// CanPassFDs reports whether this transport supports SCM_RIGHTS
	// (or the moral equivalent); UnixFD values are rejected on
	// transports that can't.
	CanPassFDs() bool
	// PeerCredentials returns the connecting peer's uid/pid if the
	// transport can determine them (unix sockets via SO_PEERCRED), or
	// an error otherwise.
	PeerCredentials() (uid, pid int, err error)
}

// vsockDialer is registered by transport_vsock.go's init on platforms
// that build it (Linux); left nil elsewhere, where "vsock" addresses
// fail with ErrUnsupportedTransport.
var vsockDialer func(Address, []AuthMechanism) (Transport, error)

// Dial connects to the given D-Bus address string, trying each
// semicolon-separated entry in order until one succeeds.
func Dial(address string, mechs []AuthMechanism) (Transport, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		t, err := dialOne(a, mechs)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func dialOne(a Address, mechs []AuthMechanism) (Transport, error) {
	switch a.Transport {
	case "unix":
		return dialUnix(a, mechs)
	case "tcp":
		return dialTCP(a, mechs, false)
	case "nonce-tcp":
		return dialTCP(a, mechs, true)
	case "vsock":
		if vsockDialer == nil {
			return nil, ErrUnsupportedTransport
		}
		return vsockDialer(a, mechs)
	case "autolaunch", "launchd":
		return nil, ErrUnsupportedTransport
	default:
		return nil, AddressError{Addr: a.Transport, Reason: "unknown transport"}
	}
}
