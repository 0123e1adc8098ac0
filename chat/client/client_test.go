// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package client

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/chat"
	"github.com/creachadair/parley/chat/service"
)

func TestSentSlots(t *testing.T) {
	c := new(Chatter)

	if id := c.addSent("alpha"); id != 0 {
		t.Errorf("addSent alpha: got id %d, want 0", id)
	}
	if id := c.addSent("bravo"); id != 1 {
		t.Errorf("addSent bravo: got id %d, want 1", id)
	}
	if id := c.addSent("carol"); id != 2 {
		t.Errorf("addSent carol: got id %d, want 2", id)
	}
	if got := c.clearSent(1); got != "bravo" {
		t.Errorf("clearSent 1: got %q, want bravo", got)
	}

	// A freed slot is reused before the table grows.
	if id := c.addSent("delta"); id != 1 {
		t.Errorf("addSent delta: got id %d, want 1", id)
	}
	if n := c.PendingSent(); n != 3 {
		t.Errorf("PendingSent: got %d, want 3", n)
	}

	// Clearing out of range or an already-free slot is harmless.
	if got := c.clearSent(17); got != "" {
		t.Errorf("clearSent 17: got %q, want empty", got)
	}
	if got := c.clearSent(-1); got != "" {
		t.Errorf("clearSent -1: got %q, want empty", got)
	}
	c.clearSent(0)
	c.clearSent(0)
	c.clearSent(1)
	c.clearSent(2)
	if n := c.PendingSent(); n != 0 {
		t.Errorf("PendingSent: got %d, want 0", n)
	}
}

// testUI captures session output for inspection.
type testUI struct {
	t    *testing.T
	name string
	ch   chan string
}

func newTestUI(t *testing.T, name string) *testUI {
	return &testUI{t: t, name: name, ch: make(chan string, 64)}
}

func (u *testUI) Printf(msg string, args ...any) {
	s := fmt.Sprintf(msg, args...)
	select {
	case u.ch <- s:
	default:
		u.t.Errorf("[%s] UI buffer overflow: %q", u.name, s)
	}
}

func (u *testUI) SetPrompt(string) {}

// waitFor consumes output lines until one contains want, and returns it.
func (u *testUI) waitFor(want string) string {
	u.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-u.ch:
			u.t.Logf("[%s] %s", u.name, s)
			if strings.Contains(s, want) {
				return s
			}
		case <-timeout:
			u.t.Fatalf("[%s] timed out waiting for output %q", u.name, want)
			return ""
		}
	}
}

func waitUntil(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// startSession connects a new client session to svc over an in-memory channel
// and completes the greeting. It reports the session's local file root.
func startSession(t *testing.T, svc *service.Service, name string) (_ *Chatter, _ *testUI, root string) {
	t.Helper()
	cch, sch := channel.Direct()
	slink := svc.NewLink(name).Start(sch)
	t.Cleanup(func() { slink.Stop() })

	root = t.TempDir()
	ui := newTestUI(t, name)
	c := New(ui, root)
	if err := c.Start(context.Background(), cch, "testsvc"); err != nil {
		t.Fatalf("Start session %s: %v", name, err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, ui, root
}

func TestSession(t *testing.T) {
	ctx := context.Background()

	store, err := service.NewFileStore(filepath.Join(t.TempDir(), "shared"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	svc := service.New(service.Config{Store: store, MaxHist: 4, Logf: t.Logf})

	a, aui, aroot := startSession(t, svc, "A")
	aui.waitFor("Welcome to the chat service, Stranger$A!")
	if got := a.Nick(); got != "Stranger$A" {
		t.Errorf("A nick: got %q, want Stranger$A", got)
	}
	if got := a.Room(); got != "Lobby" {
		t.Errorf("A room: got %q, want Lobby", got)
	}

	// The greeting notice reports the open rooms and their occupancy.
	b, bui, broot := startSession(t, svc, "B")
	notice := bui.waitFor("Welcome to the chat service")
	if !strings.Contains(notice, "There are 1 room(s) open") {
		t.Errorf("B greeting lacks the room count: %q", notice)
	}
	if !strings.Contains(notice, "2 chatter(s) in room #Lobby") {
		t.Errorf("B greeting lacks the lobby occupancy: %q", notice)
	}
	aui.waitFor("Stranger$B joined #Lobby")

	// Nick changes are confirmed by reply and mirrored by push.
	if nick, err := a.SetNick(ctx, "alice"); err != nil || nick != "alice" {
		t.Fatalf("SetNick: got (%q, %v), want (alice, nil)", nick, err)
	}
	waitUntil(t, "A nick mirror", func() bool { return a.Nick() == "alice" })

	// A message is fanned out to the other members and confirmed to the
	// sender in the background.
	if err := a.Say(ctx, "is the kettle on?"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if got := bui.waitFor("is the kettle on?"); !strings.Contains(got, "alice:") {
		t.Errorf("B transcript: got %q, want alice attribution", got)
	}
	aui.waitFor("@@ message 0 sent: is the kettle on?")
	if n := a.PendingSent(); n != 0 {
		t.Errorf("A pending messages: got %d, want 0", n)
	}

	// The same flows via command dispatch.
	if err := b.Execute(ctx, "$ bob"); err != nil {
		t.Fatalf("Execute $: %v", err)
	}
	waitUntil(t, "B nick mirror", func() bool { return b.Nick() == "bob" })
	if err := b.Execute(ctx, "morning all"); err != nil {
		t.Fatalf("Execute say: %v", err)
	}
	aui.waitFor("bob: morning all")
	bui.waitFor("message 0 sent")
	if err := b.Execute(ctx, "?"); err != nil {
		t.Fatalf("Execute ?: %v", err)
	}
	bui.waitFor("upload a file")

	// Moving rooms pushes the new room state to the mover and announces the
	// move in both rooms. The service trims whitespace around the room id.
	if err := a.GotoRoom(ctx, "  den  "); err != nil {
		t.Fatalf("GotoRoom: %v", err)
	}
	aui.waitFor("Welcome to #den, alice!")
	bui.waitFor("alice left #Lobby")
	waitUntil(t, "A room mirror", func() bool { return a.Room() == "den" })

	// Uploads below the minimum size are refused during vetting.
	if err := os.MkdirAll(filepath.Join(aroot, "den"), 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(aroot, "den", "tiny.bin"), []byte("pip"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := a.Upload(ctx, "tiny.bin"); err == nil || !strings.Contains(err.Error(), "too small") {
		t.Errorf("Upload tiny: got %v, want refusal", err)
	}

	// A valid upload round-trips with a matching checksum and is announced in
	// the room transcript.
	payload := make([]byte, 3000)
	rand.NewChaCha8([32]byte{3: 9, 17: 4}).Read(payload)
	if err := os.WriteFile(filepath.Join(aroot, "den", "notes.bin"), payload, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := a.Upload(ctx, "notes.bin"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	aui.waitFor("@@ uploaded")

	files, err := a.ListFiles(ctx)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	var found bool
	for _, f := range files {
		if f.Name == "notes.bin" && f.Size == 3000 {
			found = true
		}
	}
	if !found {
		t.Errorf("ListFiles: notes.bin (3000 bytes) not in %v", files)
	}

	// The other session downloads the file and gets identical bytes.
	if err := b.Execute(ctx, "# den"); err != nil {
		t.Fatalf("Execute #: %v", err)
	}
	bui.waitFor("Welcome to #den, bob!")
	aui.waitFor("bob joined #den")
	if err := b.Download(ctx, "notes.bin"); err != nil {
		t.Fatalf("Download: %v", err)
	}
	bui.waitFor("@@ downloaded")
	got, err := os.ReadFile(filepath.Join(broot, "den", "notes.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Downloaded file does not match the upload")
	}

	// A missing file is refused, not streamed.
	if err := b.Download(ctx, "nonesuch.bin"); err == nil || !strings.Contains(err.Error(), "download refused") {
		t.Errorf("Download nonesuch: got %v, want refusal", err)
	}

	// Disconnects are announced to the remaining members.
	if err := a.Stop(); err != nil {
		t.Errorf("A stop: %v", err)
	}
	aui.waitFor("!! disconnected from chat service")
	bui.waitFor("alice left #den")
	if err := b.Stop(); err != nil {
		t.Errorf("B stop: %v", err)
	}
	bui.waitFor("!! disconnected")
}

func TestMessageFanOut(t *testing.T) {
	ctx := context.Background()
	svc := service.New(service.Config{Logf: t.Logf})

	a, aui, _ := startSession(t, svc, "A")
	aui.waitFor("Welcome to the chat service")
	_, bui, _ := startSession(t, svc, "B")
	bui.waitFor("Welcome to the chat service")
	aui.waitFor("joined #Lobby")

	if err := a.Say(ctx, "crumpets are ready"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	bui.waitFor("crumpets are ready")
	aui.waitFor("@@ message 0 sent: crumpets are ready")

	// Each post delivers only the new message to the other members, not the
	// accumulated transcript, and messages for the member's own room are not
	// set off with a room banner.
	if err := a.Say(ctx, "tea is up"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	got := bui.waitFor("tea is up")
	if strings.Contains(got, "crumpets are ready") {
		t.Errorf("Second delivery repeats the first message: %q", got)
	}
	if strings.Contains(got, "***") {
		t.Errorf("Delivery for the current room carries a banner: %q", got)
	}
}

func TestRoomBanner(t *testing.T) {
	ctx := context.Background()
	ui := newTestUI(t, "X")
	c := New(ui, t.TempDir())

	cch, pch := channel.Direct()
	c.link.Start(cch)
	t.Cleanup(func() { c.Stop() })
	peer := parley.NewLink().Start(pch)
	t.Cleanup(func() { peer.Stop() })

	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := chat.RoomLog{Room: "den", Msgs: []chat.Message{
		{From: "zelda", Text: "psst", Time: when},
	}}

	// A batch for a room other than the session's current room gets a banner
	// naming the room.
	if err := peer.Notify(ctx, chat.OpRoomMsgs, batch.Encode()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got := ui.waitFor("zelda: psst")
	if !strings.Contains(got, "*** room #den ***") {
		t.Errorf("Batch for another room lacks a banner: %q", got)
	}

	// Once the session is in the room, its messages render plainly.
	if err := peer.Notify(ctx, chat.OpInRoom, []byte("den")); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitUntil(t, "room mirror", func() bool { return c.Room() == "den" })
	if err := peer.Notify(ctx, chat.OpRoomMsgs, batch.Encode()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	got = ui.waitFor("zelda: psst")
	if strings.Contains(got, "***") {
		t.Errorf("Batch for the current room carries a banner: %q", got)
	}
}
