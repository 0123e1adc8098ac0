// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/chat"
	"github.com/creachadair/parley/packet"
	"github.com/creachadair/parley/stream"
	"github.com/creachadair/taskgroup"
)

// maxSayLen bounds the declared length of a single message text, to keep a
// misbehaving client from demanding an absurd allocation.
const maxSayLen = 1 << 20

// A Chatter is one client session. The session's link serves the chat
// operations; the service tracks which room the session is in and the
// nickname it has chosen.
type Chatter struct {
	svc  *Service
	link *parley.Link
	addr string

	μ    sync.Mutex
	nick string
	room *Room // nil until the client sends its greeting
}

// Nick returns the session's current nickname.
func (c *Chatter) Nick() string {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.nick
}

func (c *Chatter) setNick(nick string) {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.nick = nick
}

func (c *Chatter) currentRoom() *Room {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.room
}

// setRoom records the session's room and returns the previous one, which may
// be nil.
func (c *Chatter) setRoom(r *Room) *Room {
	c.μ.Lock()
	defer c.μ.Unlock()
	old := c.room
	c.room = r
	return old
}

// handleWelcome answers the client's initial greeting: it places the session
// in the lobby, reports the session settings, and announces the arrival to
// the other members.
func (c *Chatter) handleWelcome(ctx context.Context, co *parley.Conversation) error {
	lobby := c.svc.Room("")
	if old := c.setRoom(lobby); old != nil && old != lobby {
		old.removeMember(c)
		old.announce(chat.OpChatterLeft, c)
	}
	lobby.addMember(c)

	w := chat.Welcome{
		Nick:   c.Nick(),
		Room:   lobby.ID(),
		Notice: c.welcomeNotice(lobby),
	}
	if err := co.StartSend(); err != nil {
		return err
	}
	if err := co.Reply(w.Encode()); err != nil {
		return err
	}
	lobby.announce(chat.OpChatterJoined, c)
	return nil
}

// welcomeNotice renders the greeting for a new session: the service summary
// and the occupancy of each open room.
func (c *Chatter) welcomeNotice(lobby *Room) string {
	rooms := c.svc.OpenRooms()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Welcome to the chat service, %s!\n", c.Nick())
	fmt.Fprintf(&sb, "There are %d room(s) open, and you are in #%s now.\n", len(rooms), lobby.ID())
	for _, r := range rooms {
		fmt.Fprintf(&sb, "  -*- %d chatter(s) in room #%s\n", r.NumMembers(), r.ID())
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// handleSetNick updates the session's nickname. A blank nickname reverts to
// the address-based fallback. The accepted name is echoed in the reply, and
// pushed to the client so its mirror updates regardless of who asked.
func (c *Chatter) handleSetNick(ctx context.Context, co *parley.Conversation) error {
	nick := strings.TrimSpace(string(co.Args()))
	if nick == "" {
		nick = strangerNick(c.addr)
	}
	c.setNick(nick)

	if err := co.StartSend(); err != nil {
		return err
	}
	if err := co.Reply([]byte(nick)); err != nil {
		return err
	}
	taskgroup.Go(func() error {
		return c.link.Notify(context.Background(), chat.OpNickChanged, []byte(nick))
	})
	return nil
}

// handleGotoRoom moves the session to another room. It is a notification, so
// the handler holds no wire and may push directly to the requester; only the
// announcements to other members are deferred.
func (c *Chatter) handleGotoRoom(ctx context.Context, co *parley.Conversation) error {
	room := c.svc.Room(strings.TrimSpace(string(co.Args())))
	old := c.setRoom(room)
	if old == room {
		return nil
	}
	if old != nil {
		old.removeMember(c)
	}
	room.addMember(c)

	if err := c.link.Notify(ctx, chat.OpInRoom, []byte(room.ID())); err != nil {
		return err
	}
	notice := fmt.Sprintf("Welcome to #%s, %s!", room.ID(), c.Nick())
	if err := c.link.Notify(ctx, chat.OpShowNotice, []byte(notice)); err != nil {
		return err
	}
	if err := c.link.Notify(ctx, chat.OpRoomMsgs, room.logEncoded()); err != nil {
		return err
	}

	if old != nil {
		old.announce(chat.OpChatterLeft, c)
	}
	room.announce(chat.OpChatterJoined, c)
	return nil
}

// handleSay accepts a message: the request declares the text length, the
// text follows as the request payload, and the reply echoes the client's
// tracking ID once the message is in the room history.
func (c *Chatter) handleSay(ctx context.Context, co *parley.Conversation) error {
	var req chat.SayRequest
	if err := req.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	if req.Length < 0 || req.Length > maxSayLen {
		return fmt.Errorf("invalid message length %d", req.Length)
	}
	text := make([]byte, req.Length)
	if err := co.RecvData(ctx, text); err != nil {
		return err
	}

	room := c.currentRoom()
	if room == nil {
		return errors.New("not in a room")
	}
	room.Post(c, string(text))

	if err := co.StartSend(); err != nil {
		return err
	}
	var b packet.Builder
	b.Uint32(req.ID)
	return co.Reply(b.Bytes())
}

func (c *Chatter) handleListFiles(ctx context.Context, co *parley.Conversation) error {
	if c.svc.store == nil {
		return errors.New("file sharing is disabled")
	}
	files, err := c.svc.store.List(string(co.Args()))
	if err != nil {
		return err
	}
	if err := co.StartSend(); err != nil {
		return err
	}
	return co.Reply(chat.EncodeFileList(files))
}

// handleUploadReq vets a proposed upload. The reply is the reason for
// refusal, or empty if the client should proceed with the transfer.
func (c *Chatter) handleUploadReq(ctx context.Context, co *parley.Conversation) error {
	var req chat.FileRequest
	if err := req.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	var reason string
	if c.svc.store == nil {
		reason = "file sharing is disabled"
	} else {
		reason = c.svc.store.CheckUpload(req.Room, req.Name, req.Size)
	}
	if err := co.StartSend(); err != nil {
		return err
	}
	return co.Reply([]byte(reason))
}

// handleRecvFile receives an upload: the declared number of payload bytes is
// written to the room's shared area, the reply reports the checksum the
// service computed, and the upload is announced in the room. The size limits
// are re-checked, so a client that skips the vetting step gains nothing.
func (c *Chatter) handleRecvFile(ctx context.Context, co *parley.Conversation) error {
	var req chat.FileRequest
	if err := req.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	if c.svc.store == nil {
		return errors.New("file sharing is disabled")
	}
	if reason := c.svc.store.CheckUpload(req.Room, req.Name, req.Size); reason != "" {
		return parley.ErrorData{Code: parley.CodeUser, Message: reason}
	}
	f, err := c.svc.store.Create(req.Room, req.Name)
	if err != nil {
		return err
	}
	sum, err := stream.Receive(ctx, co, f, req.Size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	c.svc.logf("%s uploaded %q to #%s (%d bytes)", c.Nick(), req.Name, req.Room, req.Size)

	if err := co.StartSend(); err != nil {
		return err
	}
	var b packet.Builder
	b.Uint32(sum)
	if err := co.Reply(b.Bytes()); err != nil {
		return err
	}
	if room := c.currentRoom(); room != nil {
		room.Post(c, fmt.Sprintf("uploaded file %q (%d bytes)", req.Name, req.Size))
	}
	return nil
}

// handleSendFile serves a download. The first reply segment is the offer; a
// negative size means refusal with the reason in the note. Otherwise the
// file bytes follow as reply payload, then a final segment with the checksum.
func (c *Chatter) handleSendFile(ctx context.Context, co *parley.Conversation) error {
	var req chat.FileRequest
	if err := req.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	refuse := func(reason string) error {
		if err := co.StartSend(); err != nil {
			return err
		}
		return co.Reply(chat.FileOffer{Size: -1, Note: reason}.Encode())
	}
	if c.svc.store == nil {
		return refuse("file sharing is disabled")
	}
	f, fi, err := c.svc.store.Open(req.Room, req.Name)
	if err != nil {
		return refuse(err.Error())
	}
	defer f.Close()

	if err := co.StartSend(); err != nil {
		return err
	}
	offer := chat.FileOffer{
		Size: fi.Size(),
		Note: "last modified: " + fi.ModTime().UTC().Format(time.DateTime),
	}
	if err := co.Reply(offer.Encode()); err != nil {
		return err
	}
	sum, err := stream.Send(co, f, fi.Size())
	if err != nil {
		return err
	}
	var b packet.Builder
	b.Uint32(sum)
	return co.Reply(b.Bytes())
}

// dropped runs when the session's link stops: the session leaves its room
// and the departure is announced to the remaining members.
func (c *Chatter) dropped(err error) {
	if err != nil {
		c.svc.logf("session %s closed: %v", c.addr, err)
	}
	if room := c.setRoom(nil); room != nil {
		room.removeMember(c)
		room.announce(chat.OpChatterLeft, c)
	}
}
