// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package links_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"testing/synctest"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/links"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
)

func mustListen(t *testing.T) (_ net.Listener, addr string) {
	t.Helper()
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = lst.Addr().String()
	t.Cleanup(func() { lst.Close() })
	t.Logf("Listening at %q", addr)
	return lst, addr
}

type fakeListener struct {
	net.Listener // stub for unused methods
	conns        chan net.Conn
	closed       chan struct{}
}

func (f fakeListener) push(c net.Conn) { f.conns <- c }

func (f fakeListener) Accept() (net.Conn, error) {
	select {
	case <-f.closed:
		return nil, net.ErrClosed
	case c := <-f.conns:
		return c, nil
	}
}

func (f fakeListener) Close() error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
		close(f.closed)
		return nil
	}
}

func newFakeListener() fakeListener {
	return fakeListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// fakeConn is a fake implementation of [net.Conn] that does not work but which
// satisfies the interface, for use in testing. Only the Close and RemoteAddr
// methods can be called without panicking.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func (fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

func TestAccepter(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := links.NetAccepter(lst)

			time.AfterFunc(1*time.Second, func() { lst.push(fakeConn{}) })
			ch, addr, err := acc.Accept(t.Context())
			if err != nil {
				t.Fatalf("Accept: unexpected error: %v", err)
			}
			if _, ok := ch.(*channel.IOChannel); !ok {
				t.Errorf("Accept: got %[1]T %[1]v, want %T", ch, (*channel.IOChannel)(nil))
			}
			if addr != "fake:0" {
				t.Errorf("Accept address: got %q, want %q", addr, "fake:0")
			}

			// The listener should not be closed.
			if err := lst.Close(); err != nil {
				t.Errorf("Close listener: unexpected error: %v", err)
			}
		})
	})

	t.Run("Cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			lst := newFakeListener()
			acc := links.NetAccepter(lst)
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ch, _, err := acc.Accept(ctx)
			if err == nil {
				t.Errorf("Accept: got %v, want error", ch)
			}

			// The listener should already be closed, so this should report that error.
			if err := lst.Close(); !errors.Is(err, net.ErrClosed) {
				t.Errorf("Close listener: got %v, want %v", err, net.ErrClosed)
			}
		})
	})
}

func TestLoop(t *testing.T) {
	defer leaktest.Check(t)()

	lst, addr := mustListen(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	bind := func(addr string) *parley.Link {
		lnk := parley.NewLink()
		lnk.Handle("100", func(ctx context.Context, co *parley.Conversation) error {
			time.Sleep(7 * time.Millisecond)
			if err := co.StartSend(); err != nil {
				return err
			}
			return co.Reply(co.Args())
		})
		return lnk
	}
	loop := taskgroup.Go(func() error {
		return links.Loop(ctx, links.NetAccepter(lst), bind)
	})
	t.Log("Started serving loop...")

	const numClients = 5
	const numCalls = 5
	t.Logf("Clients: %d, calls per client: %d", numClients, numCalls)

	g := taskgroup.New(func(err error) {
		cancel()
		t.Errorf("Task error: %v", err)
	})
	for range numClients {
		g.Go(func() error {
			ch, err := links.Dial("tcp", addr)
			if err != nil {
				return err
			}
			lnk := parley.NewLink().Start(ch)
			for j := range numCalls {
				got, err := lnk.Call(t.Context(), "100", []byte("ping"))
				if err != nil {
					t.Errorf("Call %d: %v", j+1, err)
				} else if string(got) != "ping" {
					t.Errorf("Call %d: got %q, want %q", j+1, got, "ping")
				}
			}
			return lnk.Stop()
		})
	}
	t.Logf("Clients finished, err=%v", g.Wait())
	t.Logf("Closed listener, err=%v", lst.Close())
	t.Logf("Loop exited, err=%v", loop.Wait())
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, network, address string
	}{
		{"localhost:3232", "tcp", "localhost:3232"},
		{":8080", "tcp", ":8080"},
		{"[2001:db8::1]:80", "tcp", "[2001:db8::1]:80"},
		{"/var/run/chat.sock", "unix", "/var/run/chat.sock"},
		{"chat.sock", "unix", "chat.sock"},
	}
	for _, tc := range tests {
		network, address := links.SplitAddress(tc.input)
		if network != tc.network || address != tc.address {
			t.Errorf("SplitAddress(%q): got (%q, %q), want (%q, %q)",
				tc.input, network, address, tc.network, tc.address)
		}
	}
}
