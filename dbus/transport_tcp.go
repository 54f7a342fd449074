package dbus

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"net"
	"os"
)

// tcpTransport is a D-Bus transport over plain or nonce-authenticated
// TCP. TCP transports never support SCM_RIGHTS; WriteMessage refuses
// any message that carries file descriptors with a TransportError.
type tcpTransport struct {
	conn net.Conn
	auth *AuthResult
}

func dialTCP(a Address, mechs []AuthMechanism, nonce bool) (Transport, error) {
	host, ok := a.Params["host"]
	if !ok {
		host = "localhost"
	}
	port, ok := a.Params["port"]
	if !ok {
		return nil, AddressError{Addr: "tcp", Reason: "missing port"}
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, TransportError{Op: "dial", Err: err}
	}
	if nonce {
		nonceFile, ok := a.Params["noncefile"]
		if !ok {
			conn.Close()
			return nil, AddressError{Addr: "nonce-tcp", Reason: "missing noncefile"}
		}
		if err := sendNonce(conn, nonceFile); err != nil {
			conn.Close()
			return nil, err
		}
	}
	res, err := Authenticate(conn, mechs, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &tcpTransport{conn: conn, auth: res}, nil
}

func sendNonce(conn net.Conn, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return TransportError{Op: "nonce", Err: err}
	}
	if _, err := conn.Write(data); err != nil {
		return TransportError{Op: "nonce", Err: err}
	}
	return nil
}

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }
func (t *tcpTransport) CanPassFDs() bool            { return false }

func (t *tcpTransport) ServerGUID() string {
	if t.auth == nil {
		return ""
	}
	return t.auth.GUID
}

func (t *tcpTransport) PeerCredentials() (uid, pid int, err error) {
	return 0, 0, TransportError{Op: "peer credentials", Reason: "not available on tcp"}
}

func (t *tcpTransport) ReadMessage() (*Message, binary.ByteOrder, error) {
	return DecodeMessage(t.conn, nil)
}

func (t *tcpTransport) WriteMessage(m *Message, order binary.ByteOrder) error {
	if len(m.fds) > 0 {
		return TransportError{Op: "write", Reason: "tcp cannot carry unix file descriptors"}
	}
	raw, err := EncodeMessage(m, order)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(raw)
	return err
}

// generateNonce returns 16 random bytes, hex-encoded. Nothing in this
// package calls it: only the dialing side of nonce-tcp is implemented,
// and sendNonce writes the nonce file's contents as they are.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
