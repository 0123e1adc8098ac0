// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package parley

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Channel is a reliable ordered transport for parley packets. A Channel
// must allow concurrent use by one sender and one receiver.
type Channel interface {
	// Send transmits the packet to the remote endpoint.
	Send(pkt *Packet) error

	// Recv blocks until a packet is available, the channel is closed by
	// either endpoint, or an unrecoverable error occurs.
	Recv() (*Packet, error)

	// Close shuts down the channel, unblocking a pending Recv.
	Close() error
}

// A Handler serves one hosting conversation. The handler owns the
// conversation for the duration of the call: it drains any request payload
// with RecvData, calls StartSend, and writes reply segments. When the handler
// returns, the link finishes the conversation; a non-nil error is delivered
// to the posting endpoint as a conversation error, and if the error has
// concrete type [ErrorData] its code is preserved on the wire.
type Handler func(ctx context.Context, co *Conversation) error

// ErrLinkStopped is reported by pending and future conversation operations
// after the link has stopped.
var ErrLinkStopped = errors.New("the link is stopped")

// Error codes reported in conversation error segments generated by the link
// itself. Codes at or above CodeUser are never generated by the link and are
// free for use by handlers.
const (
	CodeUnknownOp      uint16 = 1 // no handler is registered for the operation
	CodeDuplicateToken uint16 = 2 // the correlation token is already in use
	CodeServiceError   uint16 = 3 // the handler failed without a specific code

	CodeUser uint16 = 16
)

// A CallError is the concrete type of errors reported by a posting
// conversation when the remote endpoint fails the exchange with an error
// segment.
type CallError struct {
	ErrorData
}

// A Link drives both directions of one connection: it opens posting
// conversations toward the remote endpoint, and dispatches hosting
// conversations initiated there to registered handlers. A zero Link is ready
// for handler registration; call [Link.Start] to begin service.
type Link struct {
	out struct {
		sync.Mutex
		ch Channel
	}

	// The fields below are protected by μ.
	μ     sync.Mutex
	err   error            // error that caused the link to stop
	wire  chan struct{}    // capacity 1; holding the token = owning the wire
	down  chan struct{}    // closed when the link fails, waking wire waiters
	tasks *taskgroup.Group // service routine and handler tasks
	nexto uint32           // next unused outbound token

	ocall  map[uint32]*Conversation // outbound (posting) conversations by token
	icall  map[uint32]*Conversation // inbound (hosting) conversations by token
	active map[*Conversation]context.CancelFunc
	imux   map[string]Handler

	plog   func(pkt *Packet)
	base   func() context.Context
	onExit func(error)
	m      *linkMetrics
}

// NewLink constructs a new, unstarted link.
func NewLink() *Link { return new(Link) }

// Start starts the service routine for l on the given channel. It returns l
// to allow chaining with construction. Start panics if l is already started;
// a link cannot be reused after it stops.
func (l *Link) Start(ch Channel) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.wire != nil {
		panic("link is already started")
	}
	l.out.Lock()
	l.out.ch = ch
	l.out.Unlock()

	l.wire = make(chan struct{}, 1)
	l.wire <- struct{}{} // the wire token; holder may send conversation traffic
	l.down = make(chan struct{})
	l.ocall = make(map[uint32]*Conversation)
	l.icall = make(map[uint32]*Conversation)
	l.active = make(map[*Conversation]context.CancelFunc)
	l.m = newLinkMetrics()
	l.tasks = taskgroup.New(nil)
	l.tasks.Go(func() error { return l.recvLoop(ch) })
	return l
}

// Handle registers a handler for the specified operation name. It panics if a
// handler is already registered for op, so a misconfigured operation table
// fails at setup time rather than at call time. Handle returns l to permit
// chaining, and may be called before or after the link starts.
func (l *Link) Handle(op string, h Handler) *Link {
	if len(op) > MaxOpLen {
		panic(fmt.Sprintf("operation name too long (%d bytes)", len(op)))
	} else if h == nil {
		panic(fmt.Sprintf("nil handler for %q", op))
	}
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.imux == nil {
		l.imux = make(map[string]Handler)
	}
	if _, ok := l.imux[op]; ok {
		panic(fmt.Sprintf("duplicate handler for %q", op))
	}
	l.imux[op] = h
	return l
}

// NewContext sets the base context used for handler contexts on l. If base ==
// nil or is not set, context.Background is used. NewContext returns l.
func (l *Link) NewContext(base func() context.Context) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.base = base
	return l
}

// OnExit sets a callback to be invoked once when the link stops, with the
// error that stopped it (nil for an orderly shutdown by either endpoint).
// OnExit returns l.
func (l *Link) OnExit(f func(error)) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.onExit = f
	return l
}

// LogPackets sets a callback to be invoked for each packet received by l.
// If log == nil, packet logging is disabled. LogPackets returns l.
func (l *Link) LogPackets(log func(pkt *Packet)) *Link {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.plog = log
	return l
}

// Metrics returns the metrics map for l. The map is valid after the link has
// started, and remains so after it stops.
func (l *Link) Metrics() *expvar.Map {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.m == nil {
		return nil
	}
	return l.m.emap
}

// Stop closes the channel and waits for the link to finish.
func (l *Link) Stop() error {
	l.closeOut()
	return l.Wait()
}

// Wait blocks until l stops, and returns the error that stopped it. An
// orderly close of the channel by either endpoint is not an error.
func (l *Link) Wait() error {
	l.μ.Lock()
	tasks := l.tasks
	l.μ.Unlock()
	if tasks == nil {
		return nil // never started
	}
	tasks.Wait()
	l.μ.Lock()
	defer l.μ.Unlock()
	if treatErrorAsSuccess(l.err) {
		return nil
	}
	return l.err
}

// Open begins a new posting conversation on l, blocking until the wire is
// available, the link stops, or ctx terminates. The conversation holds the
// wire until it is closed; the caller must Close it even if the exchange is
// abandoned without sending.
func (l *Link) Open(ctx context.Context) (*Conversation, error) {
	if err := l.acquireWire(ctx); err != nil {
		return nil, err
	}
	l.μ.Lock()
	if l.err != nil {
		err := l.failErrLocked()
		l.μ.Unlock()
		l.releaseWire()
		return nil, err
	}
	for {
		l.nexto++
		if l.nexto == 0 {
			l.nexto = 1 // token 0 is reserved for notifications
		}
		if _, ok := l.ocall[l.nexto]; !ok {
			break
		}
	}
	co := &Conversation{
		link:  l,
		seq:   l.nexto,
		queue: make(chan segment, 64),
		wired: true,
	}
	l.ocall[co.seq] = co
	l.μ.Unlock()

	l.m.callsOut.Add(1)
	l.m.callsPending.Add(1)
	return co, nil
}

// Call performs a complete request/response exchange: it opens a posting
// conversation, sends the request, closes the send side, and receives the
// reply. If the reply stream carries any text segments the first is returned;
// the rest are drained and discarded. Errors from the remote endpoint have
// concrete type [*CallError].
func (l *Link) Call(ctx context.Context, op string, args []byte) ([]byte, error) {
	co, err := l.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := co.Send(op, args); err != nil {
		co.Close()
		return nil, err
	}
	co.Close()

	var first []byte
	var got bool
	for {
		body, err := co.Recv(ctx)
		if err == io.EOF {
			return first, nil
		} else if err != nil {
			l.m.callsOutErr.Add(1)
			return nil, err
		}
		if !got {
			first, got = body, true
		}
	}
}

// Notify sends a fire-and-forget request for op to the remote endpoint. No
// reply is expected and no payload may follow; Notify blocks only until the
// request is on the wire.
func (l *Link) Notify(ctx context.Context, op string, args []byte) error {
	if len(op) > MaxOpLen {
		return fmt.Errorf("notify: operation name too long (%d bytes)", len(op))
	}
	if err := l.acquireWire(ctx); err != nil {
		return err
	}
	defer l.releaseWire()

	l.m.notesOut.Add(1)
	err := l.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: Request{Seq: 0, Op: op, Args: args}.Encode(),
	})
	if err != nil {
		l.closeOut()
	}
	return err
}

// recvLoop reads and dispatches packets until the channel fails or a protocol
// fatal error occurs. It is the only goroutine that routes inbound segments,
// and the only caller of fail.
func (l *Link) recvLoop(ch Channel) error {
	for {
		pkt, err := ch.Recv()
		if err != nil {
			l.fail(err)
			if treatErrorAsSuccess(err) {
				return nil
			}
			return err
		}
		l.m.packetsRecv.Add(1)

		l.μ.Lock()
		plog := l.plog
		l.μ.Unlock()
		if plog != nil {
			plog(pkt)
		}

		if pkt.Protocol != 0 || pkt.Type <= maxReservedType && !knownType(pkt.Type) {
			l.m.packetsDropped.Add(1)
			continue
		}
		if err := l.dispatch(pkt); err != nil {
			err = fmt.Errorf("protocol fatal: %w", err)
			l.fail(err)
			return err
		}
	}
}

func knownType(t PacketType) bool {
	switch t {
	case PacketRequest, PacketData, PacketReply, PacketReplyData:
		return true
	}
	return false
}

// dispatch routes one packet. A decoding failure here is protocol fatal: the
// packet was addressed to the link itself and cannot be attributed to any
// conversation.
func (l *Link) dispatch(pkt *Packet) error {
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		return l.dispatchRequest(&req)

	case PacketData:
		var d Data
		if err := d.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid data packet: %w", err)
		}
		l.μ.Lock()
		co, ok := l.icall[d.Seq]
		l.μ.Unlock()
		if !ok {
			l.m.packetsDropped.Add(1) // no conversation wants it; discard
			return nil
		}
		l.deliver(co, segment{kind: sData, body: d.Chunk})
		return nil

	case PacketReply:
		var rsp Reply
		if err := rsp.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid reply packet: %w", err)
		}
		l.μ.Lock()
		co, ok := l.ocall[rsp.Seq]
		if ok && rsp.Kind != ReplyText {
			delete(l.ocall, rsp.Seq) // conversation complete
		}
		l.μ.Unlock()
		if !ok {
			l.m.packetsDropped.Add(1)
			return nil
		}
		switch rsp.Kind {
		case ReplyText:
			l.deliver(co, segment{kind: sText, body: rsp.Body})
		case ReplyEnd:
			l.m.callsPending.Add(-1)
			l.deliver(co, segment{kind: sEnd})
		case ReplyError:
			l.m.callsPending.Add(-1)
			l.deliver(co, segment{kind: sError, body: rsp.Body})
		}
		return nil

	case PacketReplyData:
		var d Data
		if err := d.UnmarshalBinary(pkt.Payload); err != nil {
			return fmt.Errorf("invalid reply data packet: %w", err)
		}
		l.μ.Lock()
		co, ok := l.ocall[d.Seq]
		l.μ.Unlock()
		if !ok {
			l.m.packetsDropped.Add(1)
			return nil
		}
		l.deliver(co, segment{kind: sData, body: d.Chunk})
		return nil
	}
	return nil
}

// deliver queues seg for co, or discards it if the conversation has stopped
// accepting input.
func (l *Link) deliver(co *Conversation, seg segment) {
	select {
	case co.queue <- seg:
	case <-co.gone:
		l.m.packetsDropped.Add(1)
	}
}

// dispatchRequest opens a hosting conversation for req and schedules its
// handler. Replies, including errors for unknown operations and duplicate
// tokens, are sent from the handler task, never from the receive routine.
func (l *Link) dispatchRequest(req *Request) error {
	if !req.WantReply || req.Seq == 0 {
		l.m.notesIn.Add(1)
		l.μ.Lock()
		h, ok := l.imux[req.Op]
		l.μ.Unlock()
		if !ok {
			l.m.notesDropped.Add(1) // a notification cannot report an error
			return nil
		}
		l.spawn(&Conversation{
			link:    l,
			hosting: true,
			noReply: true,
			op:      req.Op,
			args:    req.Args,
			stage:   Receiving,
		}, h)
		return nil
	}

	l.m.callsIn.Add(1)
	l.μ.Lock()
	if _, ok := l.icall[req.Seq]; ok {
		l.μ.Unlock()
		seq := req.Seq
		l.tasks.Go(func() error {
			l.sendErrorReply(seq, ErrorData{
				Code:    CodeDuplicateToken,
				Message: fmt.Sprintf("token %d is already in use", seq),
			})
			return nil
		})
		return nil
	}
	co := &Conversation{
		link:    l,
		seq:     req.Seq,
		hosting: true,
		op:      req.Op,
		args:    req.Args,
		queue:   make(chan segment, 64),
		gone:    make(chan struct{}),
	}
	l.icall[req.Seq] = co
	h := l.imux[req.Op] // may be nil; the task reports the unknown operation
	l.μ.Unlock()
	l.spawn(co, h)
	return nil
}

// spawn schedules the handler task for a hosting conversation.
func (l *Link) spawn(co *Conversation, h Handler) {
	ctx, cancel := context.WithCancel(context.WithValue(l.baseContext(), linkContextKey{}, l))
	l.μ.Lock()
	l.active[co] = cancel
	tasks := l.tasks
	l.μ.Unlock()
	l.m.convsActive.Add(1)

	tasks.Go(func() error {
		defer func() {
			cancel()
			l.μ.Lock()
			delete(l.active, co)
			if !co.noReply {
				delete(l.icall, co.seq)
			}
			l.μ.Unlock()
			if co.gone != nil {
				close(co.gone)
			}
			l.m.convsActive.Add(-1)
		}()
		l.finish(co, l.runHandler(ctx, co, h))
		return nil
	})
}

// runHandler invokes h, converting a panic into an error so a broken handler
// fails its conversation rather than the process.
func (l *Link) runHandler(ctx context.Context, co *Conversation, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked (recovered): %v", p)
		}
	}()
	if h == nil {
		return ErrorData{Code: CodeUnknownOp, Message: fmt.Sprintf("unknown operation %q", co.op)}
	}
	return h(ctx, co)
}

// finish completes a hosting conversation after its handler has returned,
// emitting the end or error segment and releasing the wire.
func (l *Link) finish(co *Conversation, err error) {
	if co.noReply {
		if err != nil {
			l.m.notesInErr.Add(1)
		}
		return
	}
	co.mu.Lock()
	wired := co.wired
	co.wired = false
	co.stage = Closed
	co.mu.Unlock()

	if !wired {
		if werr := l.acquireWire(context.Background()); werr != nil {
			return // the link is down; there is no one to tell
		}
	}
	defer l.releaseWire()

	rsp := Reply{Seq: co.seq, Kind: ReplyEnd}
	if err != nil {
		l.m.callsInErr.Add(1)
		var ed ErrorData
		if !errors.As(err, &ed) {
			ed = ErrorData{Code: CodeServiceError, Message: err.Error()}
		}
		rsp = Reply{Seq: co.seq, Kind: ReplyError, Body: ed.Encode()}
	}
	if serr := l.sendOut(&Packet{Type: PacketReply, Payload: rsp.Encode()}); serr != nil {
		l.closeOut()
	}
}

// sendErrorReply emits a conversation error segment for a token that has no
// hosting conversation of its own.
func (l *Link) sendErrorReply(seq uint32, ed ErrorData) {
	if l.acquireWire(context.Background()) != nil {
		return
	}
	defer l.releaseWire()
	err := l.sendOut(&Packet{
		Type:    PacketReply,
		Payload: Reply{Seq: seq, Kind: ReplyError, Body: ed.Encode()}.Encode(),
	})
	if err != nil {
		l.closeOut()
	}
}

// acquireWire blocks until the caller owns the wire, the link stops, or ctx
// terminates.
func (l *Link) acquireWire(ctx context.Context) error {
	l.μ.Lock()
	wire, down, err := l.wire, l.down, l.err
	l.μ.Unlock()
	if wire == nil {
		return errors.New("link is not started")
	} else if err != nil {
		return l.failErr()
	}
	select {
	case <-wire:
		return nil
	case <-down:
		return l.failErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// releaseWire returns the wire token. Callers must hold the wire.
func (l *Link) releaseWire() {
	l.μ.Lock()
	wire := l.wire
	l.μ.Unlock()
	select {
	case wire <- struct{}{}:
	default: // the token was already free; tolerate a double release
	}
}

// fail records err as the link's exit status and tears down all conversation
// state. It must be called only from the receive routine, which guarantees it
// runs at most once and that no segment routing is concurrent with it.
func (l *Link) fail(err error) {
	l.closeOut()

	l.μ.Lock()
	l.err = err
	close(l.down)
	cerr := l.failErrLocked()
	for seq, co := range l.ocall {
		delete(l.ocall, seq)
		l.m.callsPending.Add(-1)
		co.fail(cerr)
	}
	for seq, co := range l.icall {
		delete(l.icall, seq)
		co.fail(cerr)
	}
	for _, cancel := range l.active {
		cancel()
	}
	onExit := l.onExit
	l.μ.Unlock()

	if onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		onExit(err)
	}
}

// failErr returns the error conversations should report after the link has
// stopped with the recorded error.
func (l *Link) failErr() error {
	l.μ.Lock()
	defer l.μ.Unlock()
	return l.failErrLocked()
}

func (l *Link) failErrLocked() error {
	if treatErrorAsSuccess(l.err) {
		return ErrLinkStopped
	}
	return fmt.Errorf("link failed: %w", l.err)
}

func (l *Link) baseContext() context.Context {
	l.μ.Lock()
	base := l.base
	l.μ.Unlock()
	if base != nil {
		return base()
	}
	return context.Background()
}

// sendOut encodes and sends pkt to the remote endpoint. Sends are serialized
// so that each packet lands intact on the channel; ordering between
// conversations is governed by the wire token, not by this lock.
func (l *Link) sendOut(pkt *Packet) error {
	l.out.Lock()
	defer l.out.Unlock()
	if l.out.ch == nil {
		return ErrLinkStopped
	}
	l.m.packetsSent.Add(1)
	return l.out.ch.Send(pkt)
}

// closeOut closes the output channel, after which all sends fail.
func (l *Link) closeOut() {
	l.out.Lock()
	defer l.out.Unlock()
	if l.out.ch != nil {
		l.out.ch.Close()
		l.out.ch = nil
	}
}

// treatErrorAsSuccess reports whether err is an error that should be treated
// as a successful (orderly) termination of the link.
func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

type linkContextKey struct{}

// ContextLink returns the link whose handler invoked ctx, or nil if ctx does
// not belong to a handler invocation.
func ContextLink(ctx context.Context) *Link {
	if l, ok := ctx.Value(linkContextKey{}).(*Link); ok {
		return l
	}
	return nil
}
