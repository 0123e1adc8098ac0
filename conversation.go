// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package parley

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stage describes the lifecycle stage of a conversation.
type Stage byte

const (
	// Opening: a posting conversation that has not yet sent its request, or a
	// hosting conversation whose handler has not yet started its reply.
	Opening Stage = iota

	// Sending: the conversation holds the wire and may emit request content
	// (posting) or reply segments (hosting).
	Sending

	// Receiving: the send side is finished; only receiving is legal.
	Receiving

	// Closed: the conversation is complete for sending purposes. Replies
	// already in flight to a posting conversation are still delivered.
	Closed
)

func (s Stage) String() string {
	switch s {
	case Opening:
		return "opening"
	case Sending:
		return "sending"
	case Receiving:
		return "receiving"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("stage %d", byte(s))
	}
}

// sKind tags an inbound segment queued on a conversation.
type sKind byte

const (
	sText  sKind = iota // a reply text segment
	sData               // a payload chunk (either direction)
	sEnd                // end of the reply stream
	sError              // the conversation failed at the remote endpoint
)

type segment struct {
	kind sKind
	body []byte
}

// A Conversation is a single logical exchange multiplexed over a shared link.
//
// A posting conversation is obtained from [Link.Open]; it is initiated
// locally and correlates the replies sent by the remote endpoint. A hosting
// conversation is delivered to a [Handler] when the remote endpoint initiates
// an exchange.
//
// A conversation is not safe for concurrent use by multiple goroutines.
type Conversation struct {
	link    *Link
	seq     uint32
	hosting bool
	noReply bool   // hosting: the poster expects no reply segments
	op      string // hosting: requested operation name
	args    []byte // hosting: request arguments

	queue chan segment  // inbound segments, fed only by the link's receiver
	gone  chan struct{} // closed when the link stops routing to this conversation

	mu    sync.Mutex
	stage Stage
	wired bool // this conversation currently holds the wire
	ferr  error
	rbuf  []byte // unconsumed remainder of the last payload chunk
	done  bool   // the end or error segment has been consumed
}

// Seq returns the conversation's correlation token.
func (c *Conversation) Seq() uint32 { return c.seq }

// Hosting reports whether c was initiated by the remote endpoint.
func (c *Conversation) Hosting() bool { return c.hosting }

// Op returns the operation name of a hosting conversation, or "" for a
// posting conversation.
func (c *Conversation) Op() string { return c.op }

// Args returns the request arguments of a hosting conversation, or nil for a
// posting conversation.
func (c *Conversation) Args() []byte { return c.args }

// Stage reports the current lifecycle stage of c.
func (c *Conversation) Stage() Stage { c.mu.Lock(); defer c.mu.Unlock(); return c.stage }

// Send emits the request naming the remote operation and its arguments.
// It is legal exactly once, on a posting conversation in the opening stage.
func (c *Conversation) Send(op string, args []byte) error {
	if c.hosting {
		return errors.New("send: hosting conversation cannot issue a request")
	} else if len(op) > MaxOpLen {
		return fmt.Errorf("send: operation name too long (%d bytes)", len(op))
	}
	c.mu.Lock()
	if c.stage != Opening {
		c.mu.Unlock()
		return fmt.Errorf("send: conversation is %v", c.stage)
	}
	c.stage = Sending
	c.mu.Unlock()

	err := c.link.sendOut(&Packet{
		Type: PacketRequest,
		Payload: Request{
			Seq:       c.seq,
			WantReply: true,
			Op:        op,
			Args:      args,
		}.Encode(),
	})
	if err != nil {
		c.link.closeOut()
	}
	return err
}

// SendData emits one payload chunk bound to the conversation: request payload
// for a posting conversation, reply payload for a hosting one. The
// conversation must be in the sending stage.
func (c *Conversation) SendData(chunk []byte) error {
	c.mu.Lock()
	if c.stage != Sending {
		c.mu.Unlock()
		return fmt.Errorf("send data: conversation is %v", c.stage)
	}
	c.mu.Unlock()

	ptype := PacketData
	if c.hosting {
		ptype = PacketReplyData
	}
	err := c.link.sendOut(&Packet{
		Type:    ptype,
		Payload: Data{Seq: c.seq, Chunk: chunk}.Encode(),
	})
	if err != nil {
		c.link.closeOut()
	}
	return err
}

// StartSend transitions a hosting conversation to the sending stage,
// acquiring the wire for its reply segments. The handler must call StartSend
// after it has drained any request payload and before writing any reply.
func (c *Conversation) StartSend() error {
	if !c.hosting {
		return errors.New("start send: not a hosting conversation")
	} else if c.noReply {
		return errors.New("start send: poster expects no reply")
	}
	c.mu.Lock()
	if c.stage != Opening {
		c.mu.Unlock()
		return fmt.Errorf("start send: conversation is %v", c.stage)
	}
	c.mu.Unlock()

	if err := c.link.acquireWire(context.Background()); err != nil {
		return err
	}
	c.mu.Lock()
	c.stage = Sending
	c.wired = true
	c.mu.Unlock()
	return nil
}

// Reply emits one reply text segment on a hosting conversation.
// The conversation must be in the sending stage (see [Conversation.StartSend]).
func (c *Conversation) Reply(body []byte) error {
	if !c.hosting {
		return errors.New("reply: not a hosting conversation")
	}
	c.mu.Lock()
	if c.stage != Sending {
		c.mu.Unlock()
		return fmt.Errorf("reply: conversation is %v", c.stage)
	}
	c.mu.Unlock()

	err := c.link.sendOut(&Packet{
		Type:    PacketReply,
		Payload: Reply{Seq: c.seq, Kind: ReplyText, Body: body}.Encode(),
	})
	if err != nil {
		c.link.closeOut()
	}
	return err
}

// Close finishes the send side of a posting conversation and releases the
// wire, so other conversations can proceed without waiting for this one's
// replies. Receiving is performed after Close; replies already in flight are
// still delivered. Close is idempotent.
//
// A hosting conversation is finished by its handler returning, not by Close.
func (c *Conversation) Close() error {
	if c.hosting {
		return errors.New("close: a hosting conversation is finished by its handler")
	}
	c.closeSend()
	return nil
}

// closeSend releases the wire if held and marks the send side finished.
func (c *Conversation) closeSend() {
	c.mu.Lock()
	release := c.wired
	c.wired = false
	if c.stage != Closed {
		c.stage = Receiving
	}
	c.mu.Unlock()
	if release {
		c.link.releaseWire()
	}
}

// Recv returns the next reply text segment of a posting conversation,
// blocking until one arrives, the conversation ends, or ctx terminates. It
// reports io.EOF when the reply stream has ended normally. An error segment
// from the remote endpoint is reported as a [*CallError].
//
// Calling Recv before Close implicitly finishes the send side first.
func (c *Conversation) Recv(ctx context.Context) ([]byte, error) {
	if c.hosting {
		return nil, errors.New("recv: hosting conversation has no reply stream")
	}
	seg, err := c.next(ctx)
	if err != nil {
		return nil, err
	}
	if seg.kind != sText {
		return nil, fmt.Errorf("recv: unexpected payload chunk (%d bytes)", len(seg.body))
	}
	return seg.body, nil
}

// RecvData fills buf exactly from the conversation's inbound payload chunks:
// the request payload for a hosting conversation, the reply payload for a
// posting one. If the stream ends before buf is filled, RecvData reports
// io.ErrUnexpectedEOF.
func (c *Conversation) RecvData(ctx context.Context, buf []byte) error {
	if c.noReply {
		return errors.New("recv data: a notification carries no payload")
	}
	for len(buf) > 0 {
		c.mu.Lock()
		if len(c.rbuf) > 0 {
			n := copy(buf, c.rbuf)
			c.rbuf = c.rbuf[n:]
			buf = buf[n:]
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		seg, err := c.next(ctx)
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		} else if err != nil {
			return err
		}
		if seg.kind != sData {
			return fmt.Errorf("recv data: unexpected text segment (%d bytes)", len(seg.body))
		}
		c.mu.Lock()
		c.rbuf = seg.body
		c.mu.Unlock()
	}
	return nil
}

// next yields the next inbound segment for c. For a posting conversation it
// first finishes the send side, enforcing the close-before-receive ordering.
func (c *Conversation) next(ctx context.Context) (segment, error) {
	if !c.hosting {
		c.closeSend()
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return segment{}, io.EOF
	}
	c.mu.Unlock()

	select {
	case seg, ok := <-c.queue:
		if !ok {
			c.mu.Lock()
			err := c.ferr
			c.mu.Unlock()
			if err == nil {
				err = ErrLinkStopped
			}
			return segment{}, err
		}
		switch seg.kind {
		case sEnd:
			c.mu.Lock()
			c.done = true
			c.mu.Unlock()
			return segment{}, io.EOF
		case sError:
			c.mu.Lock()
			c.done = true
			c.mu.Unlock()
			ce := &CallError{}
			if err := ce.ErrorData.UnmarshalBinary(seg.body); err != nil {
				ce.Message = err.Error()
			}
			return segment{}, ce
		}
		return seg, nil

	case <-ctx.Done():
		return segment{}, ctx.Err()
	}
}

// fail marks c as failed with err and closes its segment queue.
// It must be called only by the link's receive routine.
func (c *Conversation) fail(err error) {
	c.mu.Lock()
	c.ferr = err
	c.mu.Unlock()
	close(c.queue)
}
