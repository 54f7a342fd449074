//go:build unix

package dbus

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// oobReader wraps a *net.UnixConn so every byte DecodeMessage consumes
// goes through ReadMsgUnix instead of plain Read, accumulating any
// SCM_RIGHTS ancillary data delivered alongside it. Ancillary data
// travels attached to the specific recvmsg(2) call that reads the
// regular bytes it was sent with; a plain Read (or a non-consuming
// MSG_PEEK) silently drops it, so this is the only reliable way to
// recover passed descriptors.
type oobReader struct {
	conn *net.UnixConn
	oob  []byte
	buf  [unixOOBBufSize]byte
}

const unixOOBBufSize = 4096

func (o *oobReader) Read(p []byte) (int, error) {
	n, oobn, flags, _, err := o.conn.ReadMsgUnix(p, o.buf[:])
	if err != nil {
		return n, err
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, TransportError{Op: "read", Reason: "control data truncated: too many unix fds received"}
	}
	o.oob = append(o.oob, o.buf[:oobn]...)
	return n, nil
}

// unixTransport is a D-Bus transport over a Unix domain socket, with
// SCM_RIGHTS used to pass UnixFD-bearing messages.
type unixTransport struct {
	conn *net.UnixConn
	rdr  *oobReader
	auth *AuthResult
}

func dialUnix(a Address, mechs []AuthMechanism) (Transport, error) {
	path, ok := a.Params["path"]
	if !ok {
		if abstract, ok := a.Params["abstract"]; ok {
			path = "@" + abstract
		} else {
			return nil, AddressError{Addr: "unix", Reason: "missing path/abstract"}
		}
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, TransportError{Op: "dial", Err: err}
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, TransportError{Op: "dial", Reason: "unexpected connection type"}
	}
	res, err := Authenticate(uc, mechs, true)
	if err != nil {
		uc.Close()
		return nil, err
	}
	return &unixTransport{conn: uc, auth: res}, nil
}

func (t *unixTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *unixTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *unixTransport) Close() error                { return t.conn.Close() }

// CanPassFDs reports whether the handshake's NEGOTIATE_UNIX_FD round
// succeeded; SCM_RIGHTS is only used once the server agreed.
func (t *unixTransport) CanPassFDs() bool { return t.auth != nil && t.auth.CanPassFDs }

// ServerGUID returns the GUID the server identified itself with
// during authentication.
func (t *unixTransport) ServerGUID() string {
	if t.auth == nil {
		return ""
	}
	return t.auth.GUID
}

func (t *unixTransport) PeerCredentials() (uid, pid int, err error) {
	raw, err := t.conn.SyscallConn()
	if err != nil {
		return 0, 0, err
	}
	var cred *unix.Ucred
	var innerErr error
	err = raw.Control(func(fd uintptr) {
		cred, innerErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, 0, err
	}
	if innerErr != nil {
		return 0, 0, innerErr
	}
	return int(cred.Uid), int(cred.Pid), nil
}

// ReadMessage reads one complete message, consuming its bytes through
// an oobReader so any SCM_RIGHTS descriptors sent alongside it are
// captured rather than silently discarded. The message's header
// declares how many fds it carries (FieldUnixFds); that count must
// match what recvmsg actually delivered; a mismatch means the peer and
// this side disagree about descriptor framing and the message cannot
// be trusted.
func (t *unixTransport) ReadMessage() (*Message, binary.ByteOrder, error) {
	if t.rdr == nil {
		t.rdr = &oobReader{conn: t.conn}
	} else {
		t.rdr.oob = t.rdr.oob[:0]
	}
	m, order, err := DecodeMessage(t.rdr, nil)
	if err != nil {
		return nil, nil, err
	}
	fds, err := parseUnixRights(t.rdr.oob)
	if err != nil {
		return nil, nil, err
	}
	if len(fds) != int(m.UnixFds) {
		closeParsedFDs(fds)
		return nil, nil, TransportError{Op: "read", Reason: fmt.Sprintf("message declares %d unix fds, received %d", m.UnixFds, len(fds))}
	}
	m.fds = fds
	return m, order, nil
}

func parseUnixRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, c := range cmsgs {
		parsed, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue
		}
		fds = append(fds, parsed...)
	}
	return fds, nil
}

func closeParsedFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// WriteMessage writes m, sending any referenced file descriptors
// out-of-band via SCM_RIGHTS ahead of the message bytes.
func (t *unixTransport) WriteMessage(m *Message, order binary.ByteOrder) error {
	raw, err := EncodeMessage(m, order)
	if err != nil {
		return err
	}
	if len(m.fds) == 0 {
		_, err := t.conn.Write(raw)
		return err
	}
	if !t.CanPassFDs() {
		return TransportError{Op: "write", Reason: "peer did not agree to unix fd passing"}
	}
	if len(m.fds) > maxUnixFds {
		return TransportError{Op: "write", Reason: "message exceeds 16 unix fd limit"}
	}
	oob := unix.UnixRights(m.fds...)
	_, _, err = t.conn.WriteMsgUnix(raw, oob, nil)
	return err
}
