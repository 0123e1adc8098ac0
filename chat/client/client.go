// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package client implements the consumer side of the chat service: a session
// that issues chat operations over a parley link and reacts to the pushes the
// service sends back.
package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/chat"
	"github.com/creachadair/parley/packet"
	"github.com/creachadair/parley/stream"
	"github.com/creachadair/taskgroup"
)

// UI receives the session's output. The chatter calls its methods from
// multiple goroutines; implementations must serialize their own output.
type UI interface {
	// Printf displays a line of output to the user.
	Printf(msg string, args ...any)

	// SetPrompt updates the input prompt shown to the user.
	SetPrompt(prompt string)
}

// A Chatter is a client session. Its mirrors of the session nickname and
// room are updated only by pushes from the service, so they reflect what the
// service has actually applied.
type Chatter struct {
	ui   UI
	root string // local file area; one subdirectory per room
	addr string
	link *parley.Link

	μ    sync.Mutex
	nick string
	room string
	sent []string // pending messages by tracking ID; "" marks a free slot
}

// New constructs a new, unconnected chatter reporting to ui. Local files for
// upload and download live under localRoot, one subdirectory per room.
func New(ui UI, localRoot string) *Chatter {
	c := &Chatter{ui: ui, root: localRoot}
	c.link = parley.NewLink().
		Handle(chat.OpNickChanged, c.handleNickChanged).
		Handle(chat.OpInRoom, c.handleInRoom).
		Handle(chat.OpShowNotice, c.handleShowNotice).
		Handle(chat.OpRoomMsgs, c.handleRoomMsgs).
		Handle(chat.OpChatterJoined, c.handleChatterJoined).
		Handle(chat.OpChatterLeft, c.handleChatterLeft).
		OnExit(func(err error) {
			if err != nil {
				ui.Printf("!! connection lost: %v", err)
			} else {
				ui.Printf("!! disconnected from chat service")
			}
		})
	return c
}

// Link returns the session's link.
func (c *Chatter) Link() *parley.Link { return c.link }

// Start starts the session on ch, where addr describes the service for
// display purposes, and exchanges greetings with the service. If the
// greeting fails the link is stopped before Start returns.
func (c *Chatter) Start(ctx context.Context, ch parley.Channel, addr string) error {
	c.addr = addr
	c.link.Start(ch)

	data, err := c.link.Call(ctx, chat.OpWelcome, nil)
	if err != nil {
		c.link.Stop()
		return fmt.Errorf("greeting: %w", err)
	}
	var w chat.Welcome
	if err := w.UnmarshalBinary(data); err != nil {
		c.link.Stop()
		return fmt.Errorf("greeting: %w", err)
	}
	c.μ.Lock()
	c.nick, c.room = w.Nick, w.Room
	c.μ.Unlock()
	c.ui.Printf("%s", w.Notice)
	c.updatePrompt()
	return nil
}

// Stop disconnects the session and blocks until the link has finished.
func (c *Chatter) Stop() error { return c.link.Stop() }

// Wait blocks until the session's link has finished.
func (c *Chatter) Wait() error { return c.link.Wait() }

// Nick returns the session's nickname as last reported by the service.
func (c *Chatter) Nick() string { c.μ.Lock(); defer c.μ.Unlock(); return c.nick }

// Room returns the session's room as last reported by the service.
func (c *Chatter) Room() string { c.μ.Lock(); defer c.μ.Unlock(); return c.room }

func (c *Chatter) updatePrompt() {
	c.μ.Lock()
	p := fmt.Sprintf("%s@%s#%s: ", c.nick, c.addr, c.room)
	c.μ.Unlock()
	c.ui.SetPrompt(p)
}

// SetNick asks the service to change the session's nickname, returning the
// name the service accepted. The local mirror is updated by the NickChanged
// push, not by the reply.
func (c *Chatter) SetNick(ctx context.Context, nick string) (string, error) {
	data, err := c.link.Call(ctx, chat.OpSetNick, []byte(nick))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GotoRoom asks the service to move the session to the named room. The
// request is fire-and-forget; the session's mirrors update when the service
// pushes the outcome.
func (c *Chatter) GotoRoom(ctx context.Context, room string) error {
	return c.link.Notify(ctx, chat.OpGotoRoom, []byte(room))
}

// Say posts a message to the session's current room. Say returns once the
// message is on the wire; the service's confirmation is awaited in the
// background and reported to the UI, so the prompt is not held hostage to a
// slow room.
func (c *Chatter) Say(ctx context.Context, text string) error {
	id := c.addSent(text)
	req := chat.SayRequest{ID: uint32(id), Length: int64(len(text))}

	co, err := c.link.Open(ctx)
	if err != nil {
		return err
	}
	if err := co.Send(chat.OpSay, req.Encode()); err != nil {
		co.Close()
		return err
	}
	if len(text) > 0 {
		if err := co.SendData([]byte(text)); err != nil {
			co.Close()
			return err
		}
	}
	co.Close()

	taskgroup.Go(func() error {
		data, err := co.Recv(context.Background())
		if err != nil {
			c.ui.Printf("!! message %d failed: %v", id, err)
			return nil
		}
		s := packet.NewScanner(data)
		echo, err := s.Uint32()
		if err != nil {
			c.ui.Printf("!! malformed confirmation: %v", err)
			return nil
		}
		text := c.clearSent(int(echo))
		c.ui.Printf("@@ message %d sent: %s", echo, text)
		drain(co)
		return nil
	})
	return nil
}

// addSent records text in the pending-message table, reusing the first free
// slot so tracking IDs stay small, and returns its tracking ID.
func (c *Chatter) addSent(text string) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	for i, s := range c.sent {
		if s == "" {
			c.sent[i] = text
			return i
		}
	}
	c.sent = append(c.sent, text)
	return len(c.sent) - 1
}

// clearSent frees the slot for id and returns the text it held.
func (c *Chatter) clearSent(id int) string {
	c.μ.Lock()
	defer c.μ.Unlock()
	if id < 0 || id >= len(c.sent) {
		return ""
	}
	text := c.sent[id]
	c.sent[id] = ""
	return text
}

// PendingSent reports the number of messages awaiting confirmation.
func (c *Chatter) PendingSent() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	var n int
	for _, s := range c.sent {
		if s != "" {
			n++
		}
	}
	return n
}

// ListFiles reports the files shared in the session's current room.
func (c *Chatter) ListFiles(ctx context.Context) ([]chat.FileInfo, error) {
	data, err := c.link.Call(ctx, chat.OpListFiles, []byte(c.Room()))
	if err != nil {
		return nil, err
	}
	return chat.DecodeFileList(data)
}

// roomDir returns the local file area for the session's current room,
// creating it if necessary.
func (c *Chatter) roomDir() (string, error) {
	dir := filepath.Join(c.root, c.Room())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// ListLocalFiles reports the files in the session's local area for the
// current room.
func (c *Chatter) ListLocalFiles() ([]chat.FileInfo, error) {
	dir, err := c.roomDir()
	if err != nil {
		return nil, err
	}
	es, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []chat.FileInfo
	for _, e := range es {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, chat.FileInfo{Name: e.Name(), Size: fi.Size()})
	}
	return out, nil
}

// Upload shares the named file from the session's local area with the
// current room. The service vets the size before any payload moves; a
// checksum mismatch after transfer is reported as a warning, since the
// service has already accepted the bytes it received.
func (c *Chatter) Upload(ctx context.Context, name string) error {
	dir, err := c.roomDir()
	if err != nil {
		return err
	}
	fi, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	req := chat.FileRequest{Room: c.Room(), Name: name, Size: fi.Size()}

	ack, err := c.link.Call(ctx, chat.OpUploadReq, req.Encode())
	if err != nil {
		return err
	} else if len(ack) != 0 {
		return fmt.Errorf("upload refused: %s", ack)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	co, err := c.link.Open(ctx)
	if err != nil {
		return err
	}
	if err := co.Send(chat.OpRecvFile, req.Encode()); err != nil {
		co.Close()
		return err
	}
	sum, err := stream.Send(co, f, req.Size)
	co.Close()
	if err != nil {
		return err
	}

	data, err := co.Recv(ctx)
	if err != nil {
		return err
	}
	defer drain(co)
	rsum, err := packet.NewScanner(data).Uint32()
	if err != nil {
		return fmt.Errorf("malformed checksum reply: %w", err)
	}
	if rsum != sum {
		c.ui.Printf("!! checksum mismatch for %q: sent %x, service got %x", name, sum, rsum)
	} else {
		c.ui.Printf("@@ uploaded %x [%s]", sum, name)
	}
	return nil
}

// Download fetches the named file from the current room's shared area into
// the session's local area.
func (c *Chatter) Download(ctx context.Context, name string) error {
	dir, err := c.roomDir()
	if err != nil {
		return err
	}
	req := chat.FileRequest{Room: c.Room(), Name: name}

	co, err := c.link.Open(ctx)
	if err != nil {
		return err
	}
	if err := co.Send(chat.OpSendFile, req.Encode()); err != nil {
		co.Close()
		return err
	}
	co.Close()

	data, err := co.Recv(ctx)
	if err != nil {
		return err
	}
	var offer chat.FileOffer
	if err := offer.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("malformed offer: %w", err)
	}
	if offer.Size < 0 {
		drain(co)
		return fmt.Errorf("download refused: %s", offer.Note)
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	sum, rerr := stream.Receive(ctx, co, f, offer.Size)
	if cerr := f.Close(); rerr == nil {
		rerr = cerr
	}
	if rerr != nil {
		return rerr
	}

	data, err = co.Recv(ctx)
	if err != nil {
		return err
	}
	defer drain(co)
	rsum, err := packet.NewScanner(data).Uint32()
	if err != nil {
		return fmt.Errorf("malformed checksum reply: %w", err)
	}
	if rsum != sum {
		c.ui.Printf("!! checksum mismatch for %q: got %x, service sent %x", name, sum, rsum)
	} else {
		c.ui.Printf("@@ downloaded %x [%s] (%s)", sum, name, offer.Note)
	}
	return nil
}

// drain consumes and discards the remainder of a posting conversation's
// reply stream, so its link-side state is released promptly.
func drain(co *parley.Conversation) {
	for {
		if _, err := co.Recv(context.Background()); err != nil {
			return
		}
	}
}

// Push handlers. All are notifications from the service.

func (c *Chatter) handleNickChanged(ctx context.Context, co *parley.Conversation) error {
	c.μ.Lock()
	c.nick = string(co.Args())
	c.μ.Unlock()
	c.updatePrompt()
	return nil
}

func (c *Chatter) handleInRoom(ctx context.Context, co *parley.Conversation) error {
	c.μ.Lock()
	c.room = string(co.Args())
	c.μ.Unlock()
	c.updatePrompt()
	return nil
}

func (c *Chatter) handleShowNotice(ctx context.Context, co *parley.Conversation) error {
	c.ui.Printf("%s", co.Args())
	return nil
}

func (c *Chatter) handleRoomMsgs(ctx context.Context, co *parley.Conversation) error {
	var log chat.RoomLog
	if err := log.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	// Messages for the room the session is in render plainly; a batch for
	// another room is set off with a banner naming it.
	if log.Room != c.Room() {
		c.ui.Printf("%s", log)
		return nil
	}
	for _, m := range log.Msgs {
		c.ui.Printf("%s", m)
	}
	return nil
}

func (c *Chatter) handleChatterJoined(ctx context.Context, co *parley.Conversation) error {
	var e chat.RoomEvent
	if err := e.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	c.ui.Printf("@@ %s joined #%s", e.Nick, e.Room)
	return nil
}

func (c *Chatter) handleChatterLeft(ctx context.Context, co *parley.Conversation) error {
	var e chat.RoomEvent
	if err := e.UnmarshalBinary(co.Args()); err != nil {
		return err
	}
	c.ui.Printf("@@ %s left #%s", e.Nick, e.Room)
	return nil
}
