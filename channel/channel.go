// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the parley Channel interface.
package channel

import (
	"io"
	"net"
	"sync"

	"github.com/creachadair/parley"
)

// IO constructs a channel that sends packets to wc and receives packets from
// r using the standard binary framing. The resulting channel allows one
// concurrent sender and one concurrent receiver.
func IO(r io.Reader, wc io.WriteCloser) *IOChannel {
	return &IOChannel{r: r, wc: wc}
}

// Net constructs a channel on both directions of a network connection.
// Closing the channel closes the connection, unblocking a pending Recv.
func Net(conn net.Conn) *IOChannel { return IO(conn, conn) }

// An IOChannel carries packets over a reader/writer pair.
type IOChannel struct {
	r io.Reader

	wmu sync.Mutex
	wc  io.WriteCloser
}

// Send implements part of the parley Channel interface.
func (c *IOChannel) Send(pkt *parley.Packet) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wc == nil {
		return net.ErrClosed
	}
	_, err := pkt.WriteTo(c.wc)
	return err
}

// Recv implements part of the parley Channel interface. It reports io.EOF
// when the remote endpoint closes its writer at a packet boundary.
func (c *IOChannel) Recv() (*parley.Packet, error) {
	pkt := new(parley.Packet)
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Close implements part of the parley Channel interface. It is safe to call
// Close multiple times; calls after the first are no-ops.
func (c *IOChannel) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.wc == nil {
		return nil
	}
	wc := c.wc
	c.wc = nil
	return wc.Close()
}

// Direct constructs a pair of in-memory channels directly connected to each
// other: packets sent on one are received by the other, with no buffering or
// reencoding. Closing either half unblocks both.
func Direct() (a, b *Pipe) {
	ab := make(chan *parley.Packet)
	ba := make(chan *parley.Packet)
	da := make(chan struct{})
	db := make(chan struct{})
	a = &Pipe{send: ab, recv: ba, self: da, peer: db}
	b = &Pipe{send: ba, recv: ab, self: db, peer: da}
	return
}

// A Pipe is one half of an in-memory channel pair created by [Direct].
type Pipe struct {
	send chan<- *parley.Packet
	recv <-chan *parley.Packet
	self chan struct{} // closed when this half is closed
	peer chan struct{} // closed when the other half is closed

	once sync.Once
}

// Send implements part of the parley Channel interface. A send is
// synchronous: it completes only when the packet has been accepted by a Recv
// on the other half, or when either half closes.
func (p *Pipe) Send(pkt *parley.Packet) error {
	select {
	case <-p.self:
		return net.ErrClosed
	case <-p.peer:
		return io.EOF
	case p.send <- pkt:
		return nil
	}
}

// Recv implements part of the parley Channel interface.
func (p *Pipe) Recv() (*parley.Packet, error) {
	select {
	case pkt := <-p.recv:
		return pkt, nil
	case <-p.peer:
		return nil, io.EOF
	case <-p.self:
		return nil, net.ErrClosed
	}
}

// Close implements part of the parley Channel interface.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.self) })
	return nil
}
