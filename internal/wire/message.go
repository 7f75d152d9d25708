package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync/atomic"
)

// Type is the DBus message type (method_call/method_return/error/signal).
type Type uint8

const (
	TypeInvalid Type = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var typeNames = map[Type]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t Type) String() string { return typeNames[t] }

// Flags are the bitmask flags carried in the fixed message header.
type Flags uint8

const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
	// FlagGlobalBroadcast marks a session-less signal the sender wants
	// fanned out to every connected bus2bus peer, distinct from
	// FlagNoAutoStart: most signals carry neither.
	FlagGlobalBroadcast
)

// Header field codes, extended past the standard DBus set (1-9) with the
// daemon-internal fields this bus needs for delivery bookkeeping.
const (
	FieldPath             byte = 1
	FieldInterface        byte = 2
	FieldMember           byte = 3
	FieldErrorName        byte = 4
	FieldReplySerial      byte = 5
	FieldDestination      byte = 6
	FieldSender           byte = 7
	FieldSignature        byte = 8
	FieldUnixFDs          byte = 9
	FieldTimestamp        byte = 10
	FieldTimeToLive       byte = 11
	FieldCompressionToken byte = 12
	FieldSessionID        byte = 13
)

var serialCounter uint32

func nextSerial() uint32 {
	return atomic.AddUint32(&serialCounter, 1)
}

// Message is the in-memory representation of one DBus-compatible message,
// extended with the delivery metadata the router and endpoints need:
// Sender (the unique name bound at auth time or by Hello), SessionID (for
// session multicast), TTL/Timestamp (for tx-queue backpressure drop) and
// an optional slice of attached file descriptors.
type Message struct {
	Type        Type
	Flags       Flags
	Protocol    byte
	Serial      uint32
	ReplySerial uint32

	Path      ObjectPath
	Interface string
	Member    string
	ErrorName string
	Dest      string
	Sender    string
	Signature Signature

	SessionID      uint32
	TimeToLiveMS   uint16
	TimestampUnix  uint32
	CompressionTok uint32

	Body []interface{}
	FDs  []int
}

// NewMessage allocates a Message with Protocol 1 and a fresh serial.
func NewMessage(t Type) *Message {
	return &Message{
		Type:     t,
		Protocol: 1,
		Serial:   nextSerial(),
	}
}

// Remarshal returns a copy of m with the sender and serial replaced, the
// form bus2bus forwarding uses when relaying a signal or gossip message
// under the local endpoint's identity.
func (m *Message) Remarshal(newSender string, newSerial uint32) *Message {
	cp := *m
	cp.Sender = newSender
	cp.Serial = newSerial
	return &cp
}

type headerField struct {
	Code  byte
	Value Variant
}

// Marshal encodes m to DBus little-endian wire format.
func (m *Message) Marshal() ([]byte, error) {
	order := binary.LittleEndian

	bodyEnc := newEncoder(order, 0)
	sig, err := m.bodySignature()
	if err != nil {
		return nil, err
	}
	for _, v := range m.Body {
		if err := bodyEnc.appendValue(reflect.ValueOf(v)); err != nil {
			return nil, err
		}
	}
	body := bodyEnc.data.Bytes()

	var fields []headerField
	if m.Path != "" {
		fields = append(fields, headerField{FieldPath, Variant{m.Path}})
	}
	if m.Interface != "" {
		fields = append(fields, headerField{FieldInterface, Variant{m.Interface}})
	}
	if m.Member != "" {
		fields = append(fields, headerField{FieldMember, Variant{m.Member}})
	}
	if m.ErrorName != "" {
		fields = append(fields, headerField{FieldErrorName, Variant{m.ErrorName}})
	}
	if m.ReplySerial != 0 {
		fields = append(fields, headerField{FieldReplySerial, Variant{m.ReplySerial}})
	}
	if m.Dest != "" {
		fields = append(fields, headerField{FieldDestination, Variant{m.Dest}})
	}
	if m.Sender != "" {
		fields = append(fields, headerField{FieldSender, Variant{m.Sender}})
	}
	if sig != "" {
		fields = append(fields, headerField{FieldSignature, Variant{sig}})
	}
	if len(m.FDs) > 0 {
		fields = append(fields, headerField{FieldUnixFDs, Variant{uint32(len(m.FDs))}})
	}
	if m.TimestampUnix != 0 {
		fields = append(fields, headerField{FieldTimestamp, Variant{m.TimestampUnix}})
	}
	if m.TimeToLiveMS != 0 {
		fields = append(fields, headerField{FieldTimeToLive, Variant{m.TimeToLiveMS}})
	}
	if m.CompressionTok != 0 {
		fields = append(fields, headerField{FieldCompressionToken, Variant{m.CompressionTok}})
	}
	if m.SessionID != 0 {
		fields = append(fields, headerField{FieldSessionID, Variant{m.SessionID}})
	}

	buf := new(bytes.Buffer)
	buf.WriteByte('l')
	buf.WriteByte(byte(m.Type))
	buf.WriteByte(byte(m.Flags))
	buf.WriteByte(m.Protocol)
	binary.Write(buf, order, uint32(len(body)))
	binary.Write(buf, order, m.Serial)

	fieldsEnc := newEncoder(order, buf.Len())
	if err := fieldsEnc.appendValue(reflect.ValueOf(fields)); err != nil {
		return nil, err
	}
	buf.Write(fieldsEnc.data.Bytes())
	for (buf.Len())%8 != 0 {
		buf.WriteByte(0)
	}
	buf.Write(body)

	return buf.Bytes(), nil
}

func (m *Message) bodySignature() (Signature, error) {
	var sig Signature
	for _, v := range m.Body {
		s, err := SignatureOf(reflect.TypeOf(v))
		if err != nil {
			return "", err
		}
		sig += s
	}
	return sig, nil
}

// FixedHeaderLen is how many bytes of hdr are needed to know the full
// message length, used by stream readers to size their next read.
const FixedHeaderLen = 16

// BodyLength parses only the fixed header to learn the length of what
// follows: at least FixedHeaderLen bytes must already be in hdr.
func BodyLength(hdr []byte) (order binary.ByteOrder, bodyLen uint32, err error) {
	if len(hdr) < FixedHeaderLen {
		return nil, 0, fmt.Errorf("wire: short header")
	}
	switch hdr[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, 0, fmt.Errorf("wire: unknown endianness byte %q", hdr[0])
	}
	bodyLen = order.Uint32(hdr[4:8])
	return order, bodyLen, nil
}

// Unmarshal decodes a full message (fixed header + field array + body)
// from buf, which must contain at least as many bytes as BodyLength plus
// the header-array length demands.
func Unmarshal(buf []byte) (*Message, error) {
	if len(buf) < FixedHeaderLen {
		return nil, fmt.Errorf("wire: short message")
	}
	order, bodyLen, err := BodyLength(buf)
	if err != nil {
		return nil, err
	}

	m := &Message{
		Type:     Type(buf[1]),
		Flags:    Flags(buf[2]),
		Protocol: buf[3],
		Serial:   order.Uint32(buf[8:12]),
	}

	dec := newDecoder(buf[12:], order, 12)
	var fields []headerField
	fieldsSig := Signature("a(yv)")
	fv := reflect.ValueOf(&fields).Elem()
	if err := dec.decode(fieldsSig, fv); err != nil {
		return nil, fmt.Errorf("wire: decoding header fields: %w", err)
	}

	var sig Signature
	for _, f := range fields {
		switch f.Code {
		case FieldPath:
			m.Path, _ = f.Value.Value.(ObjectPath)
		case FieldInterface:
			m.Interface, _ = f.Value.Value.(string)
		case FieldMember:
			m.Member, _ = f.Value.Value.(string)
		case FieldErrorName:
			m.ErrorName, _ = f.Value.Value.(string)
		case FieldReplySerial:
			m.ReplySerial, _ = f.Value.Value.(uint32)
		case FieldDestination:
			m.Dest, _ = f.Value.Value.(string)
		case FieldSender:
			m.Sender, _ = f.Value.Value.(string)
		case FieldSignature:
			sig, _ = f.Value.Value.(Signature)
		case FieldTimestamp:
			m.TimestampUnix, _ = f.Value.Value.(uint32)
		case FieldTimeToLive:
			m.TimeToLiveMS, _ = f.Value.Value.(uint16)
		case FieldCompressionToken:
			m.CompressionTok, _ = f.Value.Value.(uint32)
		case FieldSessionID:
			m.SessionID, _ = f.Value.Value.(uint32)
		}
	}
	m.Signature = sig

	dec.align(8)
	bodyStart := dec.pos
	bodyBuf := buf[12+bodyStart:]
	if uint32(len(bodyBuf)) < bodyLen {
		return nil, fmt.Errorf("wire: short body")
	}
	bodyBuf = bodyBuf[:bodyLen]

	if len(sig) > 0 {
		bodyDec := newDecoder(bodyBuf, order, 0)
		body, err := bodyDec.decodeAll(sig)
		if err != nil {
			return nil, fmt.Errorf("wire: decoding body: %w", err)
		}
		m.Body = body
	}

	return m, nil
}

// decodeAll decodes a full top-level body given its combined signature,
// producing one Go value per complete type in the signature.
func (d *decoder) decodeAll(sig Signature) ([]interface{}, error) {
	var out []interface{}
	for len(sig) > 0 {
		var one Signature
		var err error
		one, sig, err = splitOne(sig)
		if err != nil {
			return nil, err
		}
		t, err := goTypeFor(one)
		if err != nil {
			return nil, err
		}
		v := reflect.New(t).Elem()
		if _, err := d.decodeValue(one, v); err != nil {
			return nil, err
		}
		out = append(out, v.Interface())
	}
	return out, nil
}
