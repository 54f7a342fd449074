package dbus

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the D-Bus message kind carried in the fixed header.
type MessageType byte

const (
	TypeMethodCall   MessageType = 1
	TypeMethodReturn MessageType = 2
	TypeError        MessageType = 3
	TypeSignal       MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Flags is a bitwise OR of message header flags.
type Flags byte

const (
	FlagNoReplyExpected               Flags = 1 << 0
	FlagNoAutoStart                   Flags = 1 << 1
	FlagAllowInteractiveAuthorization Flags = 1 << 2
)

// HeaderField identifies one entry of the header field array.
type HeaderField byte

const (
	FieldInvalid     HeaderField = 0
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFds     HeaderField = 9
)

// requiredFields lists, per message type, the header fields that must
// be present for the message to be valid.
var requiredFields = map[MessageType][]HeaderField{
	TypeMethodCall:   {FieldPath, FieldMember},
	TypeMethodReturn: {FieldReplySerial},
	TypeError:        {FieldErrorName, FieldReplySerial},
	TypeSignal:       {FieldPath, FieldInterface, FieldMember},
}

const protocolVersion = 1
const headPrologueSize = 16
const maxMessageSize = 134217728 // 128 MiB

// Message is an immutable, fully-decoded D-Bus message: fixed header,
// header fields and, lazily, a decoded body.
type Message struct {
	Type        MessageType
	Flags       Flags
	Serial      uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   Signature
	UnixFds     uint32

	bodyRaw []byte
	fds     []int
	order   binary.ByteOrder

	// RecvSeq is the connection-local monotonic position at which this
	// message was read off the transport, establishing a total
	// order over everything received on one connection.
	RecvSeq uint64
}

// Body decodes and returns this message's body values, split per the
// top-level types of its signature. The decode happens once per call;
// callers that need repeated access should cache the result.
func (m *Message) Body(ctx Context) ([]Value, error) {
	if m.Signature.Empty() {
		return nil, nil
	}
	return DecodeAll(ctx, m.Signature.Types(), m.bodyRaw, m.fds)
}

// BodyAs is Body with a signature check: it fails before decoding
// anything when the message's signature doesn't match want. A single
// top-level structure matches the bare concatenation of its fields,
// so a caller expecting "(ay)" accepts a body signed "ay".
func (m *Message) BodyAs(ctx Context, want Signature) ([]Value, error) {
	if !m.Signature.EqualTopLevel(want) {
		return nil, CodecError{Kind: CodecSignatureMismatch, Expected: want.String(), Found: m.Signature.String()}
	}
	return m.Body(ctx)
}

// RawBody returns the undecoded message body bytes.
func (m *Message) RawBody() []byte { return m.bodyRaw }

// Clone returns an independent copy of m. If the body carries any
// UnixFD values, the clone's fds are dup(2)-ed off of m's so that
// closing either message's descriptors never affects the other. Fails
// if any descriptor cannot be duplicated, e.g. EMFILE.
func (m *Message) Clone(ctx Context) (*Message, error) {
	clone := *m
	if len(m.fds) == 0 {
		return &clone, nil
	}
	vals, err := m.Body(ctx)
	if err != nil {
		return nil, err
	}
	clonedFds := append([]int(nil), m.fds...)
	dupped := make(map[uint32]bool)
	clonedVals := make([]Value, len(vals))
	for i, v := range vals {
		cv, err := tryCloneValue(v, m.fds, clonedFds, dupped)
		if err != nil {
			closeDuppedFDs(clonedFds, dupped)
			return nil, err
		}
		clonedVals[i] = cv
	}
	raw, _, err := EncodeFDs(ctx, clonedVals, clonedFds)
	if err != nil {
		closeDuppedFDs(clonedFds, dupped)
		return nil, err
	}
	clone.bodyRaw = raw
	clone.fds = clonedFds
	return &clone, nil
}

// Valid reports whether m carries every header field its Type
// requires.
func (m *Message) Valid() error {
	for _, f := range requiredFields[m.Type] {
		if !m.hasField(f) {
			return InvalidMessageError{Reason: fmt.Sprintf("%s message missing required field %v", m.Type, f)}
		}
	}
	return nil
}

func (m *Message) hasField(f HeaderField) bool {
	switch f {
	case FieldPath:
		return m.Path != ""
	case FieldInterface:
		return m.Interface != ""
	case FieldMember:
		return m.Member != ""
	case FieldErrorName:
		return m.ErrorName != ""
	case FieldReplySerial:
		return m.ReplySerial != 0
	default:
		return false
	}
}

// WantsReply reports whether the sender expects a METHOD_RETURN or
// ERROR in response to this (method call) message.
func (m *Message) WantsReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// MessageBuilder constructs a Message of one kind. The zero value is
// not usable; use NewMethodCall / NewMethodReturn / NewError / NewSignal.
type MessageBuilder struct {
	msg Message
}

func NewMethodCall(path ObjectPath, iface, member, destination string) *MessageBuilder {
	return &MessageBuilder{msg: Message{
		Type: TypeMethodCall, Path: path, Interface: iface, Member: member, Destination: destination,
	}}
}

func NewMethodReturn(replySerial uint32, destination string) *MessageBuilder {
	return &MessageBuilder{msg: Message{
		Type: TypeMethodReturn, ReplySerial: replySerial, Destination: destination,
	}}
}

func NewError(replySerial uint32, errorName, destination string) *MessageBuilder {
	return &MessageBuilder{msg: Message{
		Type: TypeError, ReplySerial: replySerial, ErrorName: errorName, Destination: destination,
	}}
}

func NewSignal(path ObjectPath, iface, member string) *MessageBuilder {
	return &MessageBuilder{msg: Message{
		Type: TypeSignal, Path: path, Interface: iface, Member: member,
	}}
}

func (b *MessageBuilder) WithFlags(f Flags) *MessageBuilder { b.msg.Flags = f; return b }

func (b *MessageBuilder) WithSender(s string) *MessageBuilder { b.msg.Sender = s; return b }

// WithBody sets the message body, encoding vs with ctx and recording
// their combined signature. vs must not contain UnixFD values; use
// WithBodyFDs for those.
func (b *MessageBuilder) WithBody(ctx Context, vs ...Value) (*MessageBuilder, error) {
	return b.WithBodyFDs(ctx, vs, nil)
}

// WithBodyFDs is WithBody for a body that references real file
// descriptors: inputFds[i] is the descriptor UnixFD(i) resolves to
// anywhere within vs.
func (b *MessageBuilder) WithBodyFDs(ctx Context, vs []Value, inputFds []int) (*MessageBuilder, error) {
	sigStr := ""
	for _, v := range vs {
		sigStr += v.DBusSignature().String()
	}
	raw, fds, err := EncodeFDs(ctx, vs, inputFds)
	if err != nil {
		return nil, err
	}
	b.msg.bodyRaw = raw
	b.msg.fds = fds
	b.msg.UnixFds = uint32(len(fds))
	if sigStr != "" {
		sig, err := ParseSignature(sigStr)
		if err != nil {
			return nil, err
		}
		b.msg.Signature = sig
	}
	return b, nil
}

// Build finalizes the message, assigning serial and validating
// required fields. order records the byte order the body was encoded
// with, needed to decode it again later.
func (b *MessageBuilder) Build(serial uint32, order binary.ByteOrder) (*Message, error) {
	b.msg.Serial = serial
	b.msg.order = order
	if err := b.msg.Valid(); err != nil {
		return nil, err
	}
	return &b.msg, nil
}
