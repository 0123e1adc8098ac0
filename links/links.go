// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package links provides utilities for connecting and serving parley links.
package links

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of links connected to each other directly in-memory,
// suitable for testing.
type Local struct {
	A *parley.Link
	B *parley.Link
}

// Stop shuts down both links and blocks until both have finished.
func (l *Local) Stop() error {
	aerr := l.A.Stop()
	berr := l.B.Stop()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected links, that communicate via
// a direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: parley.NewLink().Start(a2b),
		B: parley.NewLink().Start(b2a),
	}
}

// An Accepter accepts connections and binds them to channels, reporting an
// identifying address for the remote endpoint of each.
type Accepter interface {
	Accept(ctx context.Context) (ch parley.Channel, addr string, err error)
}

// Loop accepts connections from acc and starts a link for each one in a
// goroutine, constructed by bind with the remote address. Loop continues
// until acc closes or ctx ends.
//
// When ctx terminates, all running links are stopped. When acc closes, the
// loop waits for running links to finish before returning.
func Loop(ctx context.Context, acc Accepter, bind func(addr string) *parley.Link) error {
	g := taskgroup.New(nil)
	for {
		ch, addr, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			lnk := bind(addr).Start(ch)

			go func() { <-sctx.Done(); lnk.Stop() }()
			return lnk.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (parley.Channel, string, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	return channel.Net(conn), conn.RemoteAddr().String(), nil
}

// Dial connects to the given network address and returns a channel on the
// connection, suitable for starting a link.
func Dial(network, address string) (parley.Channel, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return channel.Net(conn), nil
}

// SplitAddress parses an address spec into a network type and a target. A
// spec containing a colon or a bracketed host is treated as a TCP address;
// otherwise it names a Unix-domain socket path.
func SplitAddress(s string) (network, address string) {
	if strings.HasPrefix(s, "[") || strings.Contains(s, ":") {
		return "tcp", s
	}
	return "unix", s
}
