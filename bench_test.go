// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package parley_test

import (
	"context"
	"io"
	"testing"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/channel"
	"github.com/creachadair/parley/links"
)

func noop(ctx context.Context, co *parley.Conversation) error {
	return co.StartSend()
}

func echo(ctx context.Context, co *parley.Conversation) error {
	if err := co.StartSend(); err != nil {
		return err
	}
	return co.Reply(co.Args())
}

func BenchmarkCall(b *testing.B) {
	var payload = []byte("fuzzy wuzzy was a bear\nfuzzy wuzzy had no hair\nfuzzy wuzzy wasn't fuzzy was he?")

	b.Run("Direct-noop", func(b *testing.B) {
		loc := links.NewLocal()
		defer loc.Stop()

		loc.A.Handle("X", noop)
		runBench(b, loc.B, nil)
	})
	b.Run("Direct-echo", func(b *testing.B) {
		loc := links.NewLocal()
		defer loc.Stop()

		loc.A.Handle("X", echo)
		runBench(b, loc.B, payload)
	})

	b.Run("IO-noop", func(b *testing.B) {
		la, lb := pipeLinks(b)
		la.Handle("X", noop)
		runBench(b, lb, nil)
	})
	b.Run("IO-echo", func(b *testing.B) {
		la, lb := pipeLinks(b)
		la.Handle("X", echo)
		runBench(b, lb, payload)
	})
}

func runBench(b *testing.B, lnk *parley.Link, data []byte) {
	b.Helper()
	ctx := context.Background()

	for b.Loop() {
		_, err := lnk.Call(ctx, "X", data)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func pipeLinks(tb testing.TB) (la, lb *parley.Link) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	la = parley.NewLink().Start(channel.IO(ar, aw))
	lb = parley.NewLink().Start(channel.IO(br, bw))
	tb.Cleanup(func() {
		if err := la.Stop(); err != nil {
			tb.Errorf("A stop: %v", err)
		}
		if err := lb.Stop(); err != nil {
			tb.Errorf("B stop: %v", err)
		}
	})
	return
}
