//go:build linux

package dbus

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// vsockTransport is a D-Bus transport over Linux AF_VSOCK, used to
// reach a bus running in a host from a guest VM. Raw file-descriptor
// plumbing (no net.Conn equivalent exists for AF_VSOCK in the standard
// library) goes through golang.org/x/sys/unix, the same dependency
// transport_unix.go uses for SCM_RIGHTS.
type vsockTransport struct {
	fd   int
	auth *AuthResult
}

func init() {
	vsockDialer = dialVsock
}

func dialVsock(a Address, mechs []AuthMechanism) (Transport, error) {
	cidStr, ok := a.Params["cid"]
	if !ok {
		return nil, AddressError{Addr: "vsock", Reason: "missing cid"}
	}
	portStr, ok := a.Params["port"]
	if !ok {
		return nil, AddressError{Addr: "vsock", Reason: "missing port"}
	}
	cid, err := strconv.ParseUint(cidStr, 10, 32)
	if err != nil {
		return nil, AddressError{Addr: "vsock", Reason: fmt.Sprintf("invalid cid %q: %v", cidStr, err)}
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return nil, AddressError{Addr: "vsock", Reason: fmt.Sprintf("invalid port %q: %v", portStr, err)}
	}
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, TransportError{Op: "dial", Err: err}
	}
	sa := &unix.SockaddrVM{CID: uint32(cid), Port: uint32(port)}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, TransportError{Op: "dial", Err: err}
	}
	t := &vsockTransport{fd: fd}
	res, err := Authenticate(t, mechs, false)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	t.auth = res
	return t, nil
}

func (t *vsockTransport) Read(p []byte) (int, error)  { return unix.Read(t.fd, p) }
func (t *vsockTransport) Write(p []byte) (int, error) { return unix.Write(t.fd, p) }
func (t *vsockTransport) Close() error                { return unix.Close(t.fd) }
func (t *vsockTransport) CanPassFDs() bool            { return false }

func (t *vsockTransport) ServerGUID() string {
	if t.auth == nil {
		return ""
	}
	return t.auth.GUID
}

func (t *vsockTransport) PeerCredentials() (uid, pid int, err error) {
	return 0, 0, TransportError{Op: "peer credentials", Reason: "not available on vsock"}
}

func (t *vsockTransport) ReadMessage() (*Message, binary.ByteOrder, error) {
	return DecodeMessage(&fdReader{fd: t.fd}, nil)
}

func (t *vsockTransport) WriteMessage(m *Message, order binary.ByteOrder) error {
	if len(m.fds) > 0 {
		return TransportError{Op: "write", Reason: "vsock cannot carry unix file descriptors"}
	}
	raw, err := EncodeMessage(m, order)
	if err != nil {
		return err
	}
	_, err = unix.Write(t.fd, raw)
	return err
}

// fdReader adapts a raw fd to io.Reader for DecodeMessage.
type fdReader struct{ fd int }

func (r *fdReader) Read(p []byte) (int, error) { return unix.Read(r.fd, p) }
