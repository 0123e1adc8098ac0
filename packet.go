// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package parley

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Packet is the parsed format of a parley wire packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(p.Payload)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding packet: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	buf := [8]byte{'P', 'W', p.Protocol, byte(p.Type)}
	binary.BigEndian.PutUint32(buf[4:], uint32(len(p.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [8]byte
	nr, err := io.ReadFull(r, buf[:])
	if err == io.EOF {
		return int64(nr), io.EOF // orderly shutdown at a packet boundary
	} else if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	if m := string(buf[:3]); m != "PW\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", m)
	}

	p.Protocol = buf[2]
	p.Type = PacketType(buf[3])

	if psize := binary.BigEndian.Uint32(buf[4:]); psize > 0 {
		p.Payload = make([]byte, int(psize))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketData, PacketReplyData:
		var d Data
		if err := d.UnmarshalBinary(p.Payload); err == nil {
			pay = d.String()
		}
	case PacketReply:
		var rsp Reply
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(PW%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a parley packet.
//
// All packet type values from 0 to 127 inclusive are reserved by the protocol
// and MUST NOT be used for any other purpose. Packet type values from 128-255
// are reserved for use by the implementation.
type PacketType byte

const (
	PacketRequest   PacketType = 2 // Opens a conversation at the remote endpoint
	PacketData      PacketType = 3 // A request-bound payload chunk (poster to host)
	PacketReply     PacketType = 4 // A reply segment (host to poster)
	PacketReplyData PacketType = 5 // A reply-bound payload chunk (host to poster)

	maxReservedType = 127
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketData:
		return "DATA"
	case PacketReply:
		return "REPLY"
	case PacketReplyData:
		return "REPLY_DATA"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// MaxOpLen is the maximum permitted length in bytes of an operation name.
const MaxOpLen = 255

// reqWantReply is the request flag bit marking a conversation whose poster
// expects reply segments. Requests without it are notifications.
const reqWantReply = 1

// Request is the payload format for a parley request packet. A request opens
// a hosting conversation at the remote endpoint. Seq is the conversation's
// correlation token; it is 0 exactly when the request is a notification, for
// which no reply (and no request payload) may follow.
type Request struct {
	Seq       uint32
	WantReply bool
	Op        string
	Args      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	if len(r.Op) > MaxOpLen {
		panic(fmt.Sprintf("operation name too long (%d bytes)", len(r.Op)))
	}
	buf := make([]byte, 6+len(r.Op)+len(r.Args)) // 4 seq, 1 flags, 1 op length
	binary.BigEndian.PutUint32(buf[0:], r.Seq)
	if r.WantReply {
		buf[4] = reqWantReply
	}
	buf[5] = byte(len(r.Op))
	n := copy(buf[6:], r.Op)
	copy(buf[6+n:], r.Args)
	return buf
}

// UnmarshalBinary decodes data into a parley request payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 6 { // 4 seq, 1 flags, 1 op length
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	oplen := int(data[5])
	if 6+oplen > len(data) {
		return fmt.Errorf("operation name truncated (%d > %d bytes)", 6+oplen, len(data))
	}
	r.Seq = binary.BigEndian.Uint32(data[0:])
	r.WantReply = data[4]&reqWantReply != 0
	r.Op = string(data[6 : 6+oplen])
	if rest := data[6+oplen:]; len(rest) > 0 {
		r.Args = rest
	} else {
		r.Args = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(Seq=%v, Op=%q, Reply=%v, Args=%+v)", r.Seq, r.Op, r.WantReply, r.Args)
}

// Data is the payload format for the payload chunk packets. The same format
// serves both directions: a DATA packet binds the chunk to the hosting
// conversation with the given token at the receiver, and a REPLY_DATA packet
// binds it to the receiver's posting conversation.
type Data struct {
	Seq   uint32
	Chunk []byte
}

// Encode encodes the chunk data in binary format.
func (d Data) Encode() []byte {
	buf := make([]byte, 4+len(d.Chunk))
	binary.BigEndian.PutUint32(buf[0:], d.Seq)
	copy(buf[4:], d.Chunk)
	return buf
}

// UnmarshalBinary decodes data into a parley chunk payload.
// It implements encoding.BinaryUnmarshaler.
func (d *Data) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short data payload (%d bytes)", len(data))
	}
	d.Seq = binary.BigEndian.Uint32(data[0:])
	if rest := data[4:]; len(rest) > 0 {
		d.Chunk = rest
	} else {
		d.Chunk = nil
	}
	return nil
}

// String returns a human-friendly rendering of the chunk.
func (d Data) String() string { return fmt.Sprintf("Data(Seq=%v, [%d bytes])", d.Seq, len(d.Chunk)) }

// Reply is the payload format for a parley reply packet, one segment of the
// ordered reply stream of a single conversation.
type Reply struct {
	Seq  uint32
	Kind ReplyKind
	Body []byte
}

// Encode encodes the reply segment in binary format.
func (r Reply) Encode() []byte {
	buf := make([]byte, 5+len(r.Body)) // 4 seq, 1 kind
	binary.BigEndian.PutUint32(buf[0:], r.Seq)
	buf[4] = byte(r.Kind)
	copy(buf[5:], r.Body)
	return buf
}

// UnmarshalBinary decodes data into a parley reply payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Reply) UnmarshalBinary(data []byte) error {
	if len(data) < 5 { // 4 seq, 1 kind
		return fmt.Errorf("short reply payload (%d bytes)", len(data))
	}
	r.Seq = binary.BigEndian.Uint32(data[0:])
	r.Kind = ReplyKind(data[4])
	if r.Kind > ReplyError {
		return fmt.Errorf("invalid reply kind %d", r.Kind)
	}
	if rest := data[5:]; len(rest) > 0 {
		r.Body = rest
	} else {
		r.Body = nil
	}
	return nil
}

// String returns a human-friendly rendering of the reply segment.
func (r Reply) String() string {
	var body string
	if r.Kind == ReplyError {
		var ed ErrorData
		if ed.UnmarshalBinary(r.Body) == nil {
			body = fmt.Sprintf("ErrorData(Code=%d, %q)", ed.Code, ed.Message)
		}
	}
	if body == "" {
		if len(r.Body) > 16 {
			body = fmt.Sprintf("Body=%+v ...", r.Body[:16])
		} else {
			body = fmt.Sprintf("Body=%+v", r.Body)
		}
	}
	return fmt.Sprintf("Reply(Seq=%v, Kind=%v, %s)", r.Seq, r.Kind, body)
}

// ReplyKind describes the role of one segment in a conversation's reply
// stream. All kind values not defined here are reserved.
type ReplyKind byte

const (
	ReplyText  ReplyKind = 0 // A text segment of the reply
	ReplyEnd   ReplyKind = 1 // The conversation completed; no more segments follow
	ReplyError ReplyKind = 2 // The conversation failed; body holds ErrorData
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyText:
		return "TEXT"
	case ReplyEnd:
		return "END"
	case ReplyError:
		return "ERROR"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}

// ErrorData is the reply body format for a conversation error segment.
type ErrorData struct {
	Code    uint16
	Message string
}

// Error implements the error interface, allowing an ErrorData value to be
// used as an error. Handlers may return an ErrorData to control the error
// code reported to the poster.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, 65535)
	buf := make([]byte, 2+len(msg)) // 2 code
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	copy(buf[2:], msg)
	return buf
}

// UnmarshalBinary decodes data into a parley error data payload.
// It implements encoding.BinaryUnmarshaler.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	// Special case: An empty body is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 2 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(data[2:])
	return nil
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes. If s exceeds this length, it is truncated at a point ≤ n so
// that the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}
