// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package chat defines the data types exchanged between the chat service and
// its clients, with their binary encodings.
package chat

import (
	"fmt"
	"time"

	"github.com/creachadair/parley/packet"
)

// A Message is one utterance posted in a room.
type Message struct {
	From string    // the nickname of the poster
	Text string    // the message content
	Time time.Time // when the service accepted the message
}

// String renders m in the form shown in a room transcript.
func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Time.Format(time.DateTime), m.From, m.Text)
}

func (m Message) encodeTo(b *packet.Builder) {
	b.VPutString(m.From)
	b.VPutString(m.Text)
	b.Int64(m.Time.Unix())
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	var b packet.Builder
	m.encodeTo(&b)
	return b.Bytes()
}

func decodeMessage(s *packet.Scanner) (Message, error) {
	from, err := packet.VGet[string](s)
	if err != nil {
		return Message{}, fmt.Errorf("message poster: %w", err)
	}
	text, err := packet.VGet[string](s)
	if err != nil {
		return Message{}, fmt.Errorf("message text: %w", err)
	}
	when, err := s.Int64()
	if err != nil {
		return Message{}, fmt.Errorf("message time: %w", err)
	}
	return Message{From: from, Text: text, Time: time.Unix(when, 0).UTC()}, nil
}

// UnmarshalBinary decodes data into m. It implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	msg, err := decodeMessage(s)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// A RoomLog is a batch of messages from one room: the new message pushed to
// the members when one is posted, or the retained transcript pushed to a
// chatter entering the room.
type RoomLog struct {
	Room string
	Msgs []Message
}

// Encode encodes r in binary format.
func (r RoomLog) Encode() []byte {
	var b packet.Builder
	b.VPutString(r.Room)
	b.Vint30(uint32(len(r.Msgs)))
	for _, m := range r.Msgs {
		m.encodeTo(&b)
	}
	return b.Bytes()
}

// UnmarshalBinary decodes data into r. It implements encoding.BinaryUnmarshaler.
func (r *RoomLog) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	room, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("room id: %w", err)
	}
	n, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("message count: %w", err)
	}
	msgs := make([]Message, 0, n)
	for range n {
		m, err := decodeMessage(s)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	r.Room = room
	if len(msgs) == 0 {
		r.Msgs = nil
	} else {
		r.Msgs = msgs
	}
	return nil
}

// String renders the transcript one message per line, preceded by a room
// banner.
func (r RoomLog) String() string {
	out := fmt.Sprintf(" *** room #%s ***", r.Room)
	for _, m := range r.Msgs {
		out += "\n" + m.String()
	}
	return out
}

// A FileInfo describes one file available in a room's shared area.
type FileInfo struct {
	Name string
	Size int64
}

// EncodeFileList encodes a list of file descriptions in binary format.
func EncodeFileList(fs []FileInfo) []byte {
	var b packet.Builder
	b.Vint30(uint32(len(fs)))
	for _, f := range fs {
		b.VPutString(f.Name)
		b.Int64(f.Size)
	}
	return b.Bytes()
}

// DecodeFileList decodes a list of file descriptions from binary format.
func DecodeFileList(data []byte) ([]FileInfo, error) {
	s := packet.NewScanner(data)
	n, err := s.Vint30()
	if err != nil {
		return nil, fmt.Errorf("file count: %w", err)
	}
	var out []FileInfo
	for range n {
		name, err := packet.VGet[string](s)
		if err != nil {
			return nil, fmt.Errorf("file name: %w", err)
		}
		size, err := s.Int64()
		if err != nil {
			return nil, fmt.Errorf("file size: %w", err)
		}
		out = append(out, FileInfo{Name: name, Size: size})
	}
	return out, nil
}

// A Welcome is the service's reply to a client's initial greeting.
type Welcome struct {
	Nick   string // the nickname assigned to the session
	Room   string // the room the session was placed in
	Notice string // the service's greeting banner
}

// Encode encodes w in binary format.
func (w Welcome) Encode() []byte {
	var b packet.Builder
	b.VPutString(w.Nick)
	b.VPutString(w.Room)
	b.VPutString(w.Notice)
	return b.Bytes()
}

// UnmarshalBinary decodes data into w. It implements encoding.BinaryUnmarshaler.
func (w *Welcome) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if w.Nick, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("welcome nick: %w", err)
	}
	if w.Room, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("welcome room: %w", err)
	}
	if w.Notice, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("welcome notice: %w", err)
	}
	return nil
}

// A SayRequest announces a message about to be posted: the poster's local
// tracking ID and the length in bytes of the text that follows as the request
// payload.
type SayRequest struct {
	ID     uint32
	Length int64
}

// Encode encodes r in binary format.
func (r SayRequest) Encode() []byte {
	var b packet.Builder
	b.Uint32(r.ID)
	b.Int64(r.Length)
	return b.Bytes()
}

// UnmarshalBinary decodes data into r. It implements encoding.BinaryUnmarshaler.
func (r *SayRequest) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if r.ID, err = s.Uint32(); err != nil {
		return fmt.Errorf("say id: %w", err)
	}
	if r.Length, err = s.Int64(); err != nil {
		return fmt.Errorf("say length: %w", err)
	}
	return nil
}

// A FileRequest names a file in a room's shared area. Size is the declared
// length for an upload, and unused otherwise.
type FileRequest struct {
	Room string
	Name string
	Size int64
}

// Encode encodes r in binary format.
func (r FileRequest) Encode() []byte {
	var b packet.Builder
	b.VPutString(r.Room)
	b.VPutString(r.Name)
	b.Int64(r.Size)
	return b.Bytes()
}

// UnmarshalBinary decodes data into r. It implements encoding.BinaryUnmarshaler.
func (r *FileRequest) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if r.Room, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("file room: %w", err)
	}
	if r.Name, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("file name: %w", err)
	}
	if r.Size, err = s.Int64(); err != nil {
		return fmt.Errorf("file size: %w", err)
	}
	return nil
}

// A FileOffer is the first reply segment of a download. A negative size
// indicates refusal, with the reason in Note; otherwise Size bytes of payload
// follow, and Note describes the file.
type FileOffer struct {
	Size int64
	Note string
}

// Encode encodes f in binary format.
func (f FileOffer) Encode() []byte {
	var b packet.Builder
	b.Int64(f.Size)
	b.VPutString(f.Note)
	return b.Bytes()
}

// UnmarshalBinary decodes data into f. It implements encoding.BinaryUnmarshaler.
func (f *FileOffer) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if f.Size, err = s.Int64(); err != nil {
		return fmt.Errorf("offer size: %w", err)
	}
	if f.Note, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("offer note: %w", err)
	}
	return nil
}

// A RoomEvent reports a chatter entering or leaving a room.
type RoomEvent struct {
	Nick string
	Room string
}

// Encode encodes e in binary format.
func (e RoomEvent) Encode() []byte {
	var b packet.Builder
	b.VPutString(e.Nick)
	b.VPutString(e.Room)
	return b.Bytes()
}

// UnmarshalBinary decodes data into e. It implements encoding.BinaryUnmarshaler.
func (e *RoomEvent) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if e.Nick, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("event nick: %w", err)
	}
	if e.Room, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("event room: %w", err)
	}
	return nil
}
