package dbus

import "fmt"

// InvalidMessageError reports a message that failed structural
// validation: a missing required header field, a bad signature,
// or a message exceeding a hard limit.
type InvalidMessageError struct {
	Reason string
}

func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("dbus: invalid message: %s", e.Reason)
}

// ProtocolError reports a violation of the message framing itself: a
// version mismatch, a zero serial, or a message exceeding the 128 MiB
// limit.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("dbus: protocol error: %s", e.Reason)
}

// CodecKind identifies which way a serialize/deserialize operation
// failed, so callers can distinguish a truncated buffer from, say, a
// string that isn't UTF-8.
type CodecKind int

const (
	CodecInsufficientData CodecKind = iota
	CodecIncorrectEndian
	CodecUtf8
	CodecInteriorNul
	CodecSignatureMismatch
	CodecMissingSignature
	CodecDepthExceeded
	CodecFdsNotSupported
	CodecInvalidValue
)

func (k CodecKind) String() string {
	switch k {
	case CodecInsufficientData:
		return "insufficient data"
	case CodecIncorrectEndian:
		return "incorrect endian"
	case CodecUtf8:
		return "invalid utf-8"
	case CodecInteriorNul:
		return "interior nul"
	case CodecSignatureMismatch:
		return "signature mismatch"
	case CodecMissingSignature:
		return "missing signature"
	case CodecDepthExceeded:
		return "depth exceeded"
	case CodecFdsNotSupported:
		return "fds not supported"
	case CodecInvalidValue:
		return "invalid value"
	default:
		return fmt.Sprintf("codec kind %d", int(k))
	}
}

// CodecError reports a serialize/deserialize failure, tagged with the
// Kind of failure. Expected/Found are set only for
// CodecSignatureMismatch.
type CodecError struct {
	Kind     CodecKind
	Reason   string
	Expected string
	Found    string
}

func (e CodecError) Error() string {
	if e.Kind == CodecSignatureMismatch && e.Expected != "" {
		return fmt.Sprintf("dbus: %s: expected %q, found %q", e.Kind, e.Expected, e.Found)
	}
	if e.Reason == "" {
		return fmt.Sprintf("dbus: %s", e.Kind)
	}
	return fmt.Sprintf("dbus: %s: %s", e.Kind, e.Reason)
}

// AddressError reports a D-Bus address string that fails the
// transport:key=value grammar or names parameters a transport cannot
// work with.
type AddressError struct {
	Addr   string
	Reason string
}

func (e AddressError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("dbus: bad address: %s", e.Reason)
	}
	return fmt.Sprintf("dbus: bad address %q: %s", e.Addr, e.Reason)
}

// TransportError reports an IO-level failure on the underlying
// socket, or an attempt to use a capability (fd passing) the
// transport doesn't have. Err, when set, is the underlying cause and
// unwraps for errors.Is/As.
type TransportError struct {
	Op     string
	Reason string
	Err    error
}

func (e TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("dbus: transport %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("dbus: transport %s: %s", e.Op, e.Reason)
	}
}

func (e TransportError) Unwrap() error { return e.Err }

// AuthenticationError reports a SASL handshake failure: no mechanism
// accepted, a line exceeding the 16 KiB cap, or the 8-exchange cap hit.
type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("dbus: authentication failed: %s", e.Reason)
}

// CallError is the Go-side representation of a METHOD_ERROR reply: the
// bus-defined error name (e.g. "org.freedesktop.DBus.Error.NoReply")
// plus its body, already decoded into args when possible.
type CallError struct {
	Name string
	Body []Value
}

func (e *CallError) Error() string {
	if len(e.Body) > 0 {
		if s, ok := e.Body[0].(String); ok {
			return fmt.Sprintf("dbus: %s: %s", e.Name, string(s))
		}
	}
	return fmt.Sprintf("dbus: %s", e.Name)
}

// NameError reports a name, path, interface or member that fails the
// D-Bus grammar (Glossary).
type NameError struct {
	Kind  string // "bus name", "object path", "interface", "member"
	Value string
}

func (e NameError) Error() string {
	return fmt.Sprintf("dbus: invalid %s %q", e.Kind, e.Value)
}

// ErrConnectionClosed is returned by Call once the connection has
// entered its Draining or closed state, and by Send and the operations
// built on it once the connection is closed.
var ErrConnectionClosed = fmt.Errorf("dbus: connection closed")

// ErrTimeout is returned by Call when no reply arrives within the
// connection's configured method timeout.
var ErrTimeout = fmt.Errorf("dbus: call timed out")

// ErrUnsupportedTransport is returned by Dial for address transports
// this module only parses but does not connect (autolaunch:, launchd:).
var ErrUnsupportedTransport = fmt.Errorf("dbus: unsupported transport")

// ErrLagged is reported by Stream.Lagged when a subscriber's bounded
// queue overran and the reader dropped its oldest messages instead of
// blocking.
type ErrLagged struct {
	Dropped uint64
}

func (e *ErrLagged) Error() string {
	return fmt.Sprintf("dbus: subscriber lagged, dropped %d messages", e.Dropped)
}
