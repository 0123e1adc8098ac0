// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package service implements the chat service: rooms, chatter sessions, and
// the shared file areas, served to clients over parley links.
package service

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/chat"
)

// DefaultMaxHist is the number of messages a room retains when the
// configuration does not specify a limit.
const DefaultMaxHist = 10

// Config carries the settings for a chat service. A zero Config is valid and
// describes a service with default history limits and no file sharing.
type Config struct {
	// Store is the shared file area for uploads and downloads. If nil, file
	// operations are refused.
	Store *FileStore

	// MaxHist is the number of messages each room retains. If zero, use
	// DefaultMaxHist.
	MaxHist int

	// Logf, if set, receives diagnostic log messages from the service.
	Logf func(msg string, args ...any)
}

// A Service is the shared state of a chat service: the directory of rooms
// and the file store. All its methods are safe for concurrent use. Each
// client connection is bound to the service with [Service.NewLink].
type Service struct {
	store   *FileStore
	maxHist int
	logf    func(string, ...any)

	μ     sync.Mutex
	rooms map[string]*Room
}

// New constructs a new, empty service from cfg.
func New(cfg Config) *Service {
	maxHist := cfg.MaxHist
	if maxHist <= 0 {
		maxHist = DefaultMaxHist
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Service{
		store:   cfg.Store,
		maxHist: maxHist,
		logf:    logf,
		rooms:   make(map[string]*Room),
	}
}

// Room returns the room with the given id, creating it if necessary.
// An empty id names the lobby.
func (s *Service) Room(id string) *Room {
	if id == "" {
		id = "Lobby"
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = newRoom(s, id)
		s.rooms[id] = r
	}
	return r
}

// OpenRooms returns a snapshot of the currently open rooms, ordered by id.
func (s *Service) OpenRooms() []*Room {
	s.μ.Lock()
	defer s.μ.Unlock()
	return slices.SortedFunc(maps.Values(s.rooms), func(a, b *Room) int {
		return strings.Compare(a.id, b.id)
	})
}

// NewLink constructs an unstarted link bound to a new chatter session for
// the connection from addr. The caller starts the link on its channel; the
// session joins the lobby when the client sends its greeting, and is dropped
// from its room when the link stops.
func (s *Service) NewLink(addr string) *parley.Link {
	c := &Chatter{
		svc:  s,
		addr: addr,
		nick: strangerNick(addr),
	}
	lnk := parley.NewLink().
		Handle(chat.OpWelcome, c.handleWelcome).
		Handle(chat.OpSetNick, c.handleSetNick).
		Handle(chat.OpGotoRoom, c.handleGotoRoom).
		Handle(chat.OpSay, c.handleSay).
		Handle(chat.OpListFiles, c.handleListFiles).
		Handle(chat.OpUploadReq, c.handleUploadReq).
		Handle(chat.OpRecvFile, c.handleRecvFile).
		Handle(chat.OpSendFile, c.handleSendFile).
		OnExit(c.dropped)
	c.link = lnk
	return lnk
}

// strangerNick is the nickname assigned to a session that has not chosen one.
func strangerNick(addr string) string { return fmt.Sprintf("Stranger$%s", addr) }
