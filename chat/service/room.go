// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package service

import (
	"context"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/parley/chat"
	"github.com/creachadair/taskgroup"
)

// A Room is one chat room: a bounded message history and the set of sessions
// currently in the room. All methods are safe for concurrent use.
type Room struct {
	svc *Service
	id  string

	μ       sync.Mutex
	msgs    []chat.Message
	cached  []byte // encoded transcript, invalidated by Post
	members mapset.Set[*Chatter]
}

func newRoom(svc *Service, id string) *Room {
	return &Room{svc: svc, id: id, members: mapset.New[*Chatter]()}
}

// ID returns the room's identifier.
func (r *Room) ID() string { return r.id }

// Log returns a snapshot of the room's retained transcript.
func (r *Room) Log() chat.RoomLog {
	r.μ.Lock()
	defer r.μ.Unlock()
	msgs := make([]chat.Message, len(r.msgs))
	copy(msgs, r.msgs)
	return chat.RoomLog{Room: r.id, Msgs: msgs}
}

// logEncoded returns the encoded transcript, reusing the cached encoding if
// no message has been posted since it was built.
func (r *Room) logEncoded() []byte {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.cached == nil {
		r.cached = chat.RoomLog{Room: r.id, Msgs: r.msgs}.Encode()
	}
	return r.cached
}

// NumMembers reports the number of sessions currently in the room.
func (r *Room) NumMembers() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.members)
}

func (r *Room) addMember(c *Chatter) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.members.Add(c)
}

func (r *Room) removeMember(c *Chatter) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.members.Remove(c)
}

// Post appends a message from the given session to the room's history,
// trimming the oldest entries beyond the history limit, and schedules
// delivery of the new message to the other members. Only the new message is
// delivered; the full transcript is pushed to a chatter entering the room.
// Delivery runs in its own task, so Post is safe to call from a handler that
// holds the wire of the sender's own link.
func (r *Room) Post(from *Chatter, text string) chat.Message {
	msg := chat.Message{From: from.Nick(), Text: text, Time: time.Now().UTC()}

	r.μ.Lock()
	r.msgs = append(r.msgs, msg)
	if n := len(r.msgs) - r.svc.maxHist; n > 0 {
		r.msgs = append(r.msgs[:0], r.msgs[n:]...)
	}
	r.cached = nil
	r.μ.Unlock()

	args := chat.RoomLog{Room: r.id, Msgs: []chat.Message{msg}}.Encode()
	taskgroup.Go(func() error {
		r.broadcast(from, chat.OpRoomMsgs, args)
		return nil
	})
	return msg
}

// announce schedules delivery of a membership event to every member of the
// room other than the subject session.
func (r *Room) announce(op string, who *Chatter) {
	args := chat.RoomEvent{Nick: who.Nick(), Room: r.id}.Encode()
	taskgroup.Go(func() error {
		r.broadcast(who, op, args)
		return nil
	})
}

// broadcast delivers a notification to every member except the sender.
// Members whose links fail are evicted from the room.
func (r *Room) broadcast(except *Chatter, op string, args []byte) {
	r.μ.Lock()
	members := make([]*Chatter, 0, len(r.members))
	for m := range r.members {
		if m != except {
			members = append(members, m)
		}
	}
	r.μ.Unlock()

	var dead []*Chatter
	for _, m := range members {
		if err := m.link.Notify(context.Background(), op, args); err != nil {
			r.svc.logf("evicting %s from #%s: %v", m.Nick(), r.id, err)
			dead = append(dead, m)
		}
	}
	if len(dead) != 0 {
		r.μ.Lock()
		r.members.Remove(dead...)
		r.μ.Unlock()
	}
}
