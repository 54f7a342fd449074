package dbus

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeMessage serializes m into the classic D-Bus wire format: a
// 16-byte fixed header, the header field array (aligned to 8 bytes
// total), and the body. order must match the order m's body was
// encoded with.
func EncodeMessage(m *Message, order binary.ByteOrder) ([]byte, error) {
	buf := make([]byte, headPrologueSize)
	var endian byte = 'l'
	if order == binary.BigEndian {
		endian = 'B'
	}
	buf[0] = endian
	buf[1] = byte(m.Type)
	buf[2] = byte(m.Flags)
	buf[3] = protocolVersion
	order.PutUint32(buf[4:8], uint32(len(m.bodyRaw)))
	order.PutUint32(buf[8:12], m.Serial)

	hdrEnc := &encoder{ctx: Context{Format: FormatDBus, Order: order, StartOffset: 0}}
	hdrEnc.buf = append(hdrEnc.buf, buf...) // so alignment is relative to message start
	fieldsLenPos := len(hdrEnc.buf)

	writeField := func(code HeaderField, encode func()) {
		hdrEnc.align(8)
		hdrEnc.writeByte(byte(code))
		encode()
	}

	if m.Path != "" {
		writeField(FieldPath, func() {
			hdrEnc.writeSignatureBytes("o")
			hdrEnc.encodeValue(m.Path)
		})
	}
	if m.Interface != "" {
		writeField(FieldInterface, func() {
			hdrEnc.writeSignatureBytes("s")
			hdrEnc.encodeValue(String(m.Interface))
		})
	}
	if m.Member != "" {
		writeField(FieldMember, func() {
			hdrEnc.writeSignatureBytes("s")
			hdrEnc.encodeValue(String(m.Member))
		})
	}
	if m.ErrorName != "" {
		writeField(FieldErrorName, func() {
			hdrEnc.writeSignatureBytes("s")
			hdrEnc.encodeValue(String(m.ErrorName))
		})
	}
	if m.ReplySerial != 0 {
		writeField(FieldReplySerial, func() {
			hdrEnc.writeSignatureBytes("u")
			hdrEnc.encodeValue(Uint32(m.ReplySerial))
		})
	}
	if m.Destination != "" {
		writeField(FieldDestination, func() {
			hdrEnc.writeSignatureBytes("s")
			hdrEnc.encodeValue(String(m.Destination))
		})
	}
	if m.Sender != "" {
		writeField(FieldSender, func() {
			hdrEnc.writeSignatureBytes("s")
			hdrEnc.encodeValue(String(m.Sender))
		})
	}
	if !m.Signature.Empty() {
		writeField(FieldSignature, func() {
			hdrEnc.writeSignatureBytes("g")
			hdrEnc.encodeValue(SignatureValue(m.Signature))
		})
	}
	if m.UnixFds > 0 {
		writeField(FieldUnixFds, func() {
			hdrEnc.writeSignatureBytes("u")
			hdrEnc.encodeValue(Uint32(m.UnixFds))
		})
	}

	fieldsLen := len(hdrEnc.buf) - fieldsLenPos
	full := hdrEnc.buf
	// Splice the fields-array length (at offset 12) into what we've
	// already emitted directly into buf (the first 16 bytes).
	order.PutUint32(full[12:16], uint32(fieldsLen))

	for len(full)%8 != 0 {
		full = append(full, 0)
	}

	total := len(full) + len(m.bodyRaw)
	if total > maxMessageSize {
		return nil, ProtocolError{Reason: "message exceeds 128 MiB limit"}
	}
	full = append(full, m.bodyRaw...)
	return full, nil
}

// DecodeMessage reads one complete message from r. It returns the raw
// body bytes unparsed; callers obtain typed values via (*Message).Body.
func DecodeMessage(r io.Reader, fds []int) (*Message, binary.ByteOrder, error) {
	head := make([]byte, headPrologueSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, nil, err
	}
	var order binary.ByteOrder
	switch head[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, nil, CodecError{Kind: CodecIncorrectEndian, Reason: fmt.Sprintf("invalid byte order marker %q", head[0])}
	}
	if head[3] != protocolVersion {
		return nil, nil, ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", head[3])}
	}
	m := &Message{
		Type:   MessageType(head[1]),
		Flags:  Flags(head[2]),
		order:  order,
		Serial: order.Uint32(head[8:12]),
	}
	if m.Serial == 0 {
		return nil, nil, ProtocolError{Reason: "zero serial"}
	}
	bodyLen := order.Uint32(head[4:8])
	fieldsLen := order.Uint32(head[12:16])

	if int64(headPrologueSize)+int64(fieldsLen)+int64(bodyLen) > maxMessageSize {
		return nil, nil, ProtocolError{Reason: "message exceeds 128 MiB limit"}
	}

	fieldsBuf := make([]byte, fieldsLen)
	if _, err := io.ReadFull(r, fieldsBuf); err != nil {
		return nil, nil, err
	}

	dec := &decoder{ctx: Context{Format: FormatDBus, Order: order, StartOffset: 0}, fds: &fdTable{fds: fds}}
	dec.buf = append(dec.buf, head...)
	dec.buf = append(dec.buf, fieldsBuf...)
	dec.pos = headPrologueSize
	end := headPrologueSize + int(fieldsLen)
	for dec.pos < end {
		if err := dec.align(8); err != nil {
			return nil, nil, err
		}
		if dec.pos >= end {
			break
		}
		code, err := dec.readByte()
		if err != nil {
			return nil, nil, err
		}
		sigStr, err := dec.readSignatureBytes()
		if err != nil {
			return nil, nil, err
		}
		val, err := dec.decodeValue(sigStr, end)
		if err != nil {
			return nil, nil, err
		}
		switch HeaderField(code) {
		case FieldPath:
			m.Path = val.(ObjectPath)
		case FieldInterface:
			m.Interface = string(val.(String))
		case FieldMember:
			m.Member = string(val.(String))
		case FieldErrorName:
			m.ErrorName = string(val.(String))
		case FieldReplySerial:
			m.ReplySerial = uint32(val.(Uint32))
		case FieldDestination:
			m.Destination = string(val.(String))
		case FieldSender:
			m.Sender = string(val.(String))
		case FieldSignature:
			m.Signature = Signature(val.(SignatureValue))
		case FieldUnixFds:
			m.UnixFds = uint32(val.(Uint32))
		}
	}

	// Consume header padding up to the 8-byte boundary.
	headerTotal := headPrologueSize + int(fieldsLen)
	pad := 0
	for (headerTotal+pad)%8 != 0 {
		pad++
	}
	if pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, nil, err
		}
	}

	if bodyLen > 0 {
		m.bodyRaw = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, m.bodyRaw); err != nil {
			return nil, nil, err
		}
	}
	m.fds = fds

	if err := m.Valid(); err != nil {
		return nil, nil, err
	}
	return m, order, nil
}
