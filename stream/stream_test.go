// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package stream_test

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/creachadair/parley"
	"github.com/creachadair/parley/links"
	"github.com/creachadair/parley/stream"
	"github.com/fortytw2/leaktest"
)

func TestRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	loc := links.NewLocal()
	defer loc.Stop()

	// The handler consumes the number of bytes named by the request and
	// replies with its own checksum of the payload, then echoes the payload
	// back through the reply stream.
	var got bytes.Buffer
	loc.A.Handle("sink", func(ctx context.Context, co *parley.Conversation) error {
		n, err := strconv.ParseInt(string(co.Args()), 10, 64)
		if err != nil {
			return err
		}
		got.Reset()
		sum, err := stream.Receive(ctx, co, &got, n)
		if err != nil {
			return err
		}
		if err := co.StartSend(); err != nil {
			return err
		}
		if err := co.Reply(fmt.Appendf(nil, "%d", sum)); err != nil {
			return err
		}
		_, err = stream.Send(co, bytes.NewReader(got.Bytes()), n)
		return err
	})

	ctx := context.Background()
	rng := rand.NewChaCha8([32]byte{1: 5, 9: 7, 30: 2})

	// Sizes spanning none, partial, exact, and multiple chunks.
	for _, size := range []int64{0, 1, 100, stream.ChunkSize, stream.ChunkSize + 1, 5 * stream.ChunkSize, 10000} {
		t.Run(strconv.FormatInt(size, 10), func(t *testing.T) {
			payload := make([]byte, size)
			rng.Read(payload)
			want := crc32.ChecksumIEEE(payload)

			co, err := loc.B.Open(ctx)
			if err != nil {
				t.Fatalf("Open: unexpected error: %v", err)
			}
			if err := co.Send("sink", []byte(strconv.FormatInt(size, 10))); err != nil {
				t.Fatalf("Send: unexpected error: %v", err)
			}
			sum, err := stream.Send(co, bytes.NewReader(payload), size)
			if err != nil {
				t.Fatalf("Send payload: unexpected error: %v", err)
			}
			if sum != want {
				t.Errorf("Send checksum: got %d, want %d", sum, want)
			}
			if err := co.Close(); err != nil {
				t.Fatalf("Close: unexpected error: %v", err)
			}

			// The first reply segment carries the handler's checksum.
			ack, err := co.Recv(ctx)
			if err != nil {
				t.Fatalf("Recv: unexpected error: %v", err)
			}
			if string(ack) != strconv.FormatUint(uint64(want), 10) {
				t.Errorf("Handler checksum: got %q, want %d", ack, want)
			}

			// The rest of the reply stream echoes the payload.
			var back bytes.Buffer
			rsum, err := stream.Receive(ctx, co, &back, size)
			if err != nil {
				t.Fatalf("Receive payload: unexpected error: %v", err)
			}
			if rsum != want {
				t.Errorf("Receive checksum: got %d, want %d", rsum, want)
			}
			if !bytes.Equal(back.Bytes(), payload) {
				t.Error("Echoed payload does not match the original")
			}
			if _, err := co.Recv(ctx); err != io.EOF {
				t.Errorf("Recv at end: got %v, want io.EOF", err)
			}
		})
	}
}

func TestShortSource(t *testing.T) {
	defer leaktest.Check(t)()

	loc := links.NewLocal()

	herr := make(chan error, 1)
	loc.A.Handle("sink", func(ctx context.Context, co *parley.Conversation) error {
		buf := make([]byte, 64)
		err := co.RecvData(ctx, buf)
		herr <- err
		return err
	})

	ctx := context.Background()
	co, err := loc.B.Open(ctx)
	if err != nil {
		t.Fatalf("Open: unexpected error: %v", err)
	}
	if err := co.Send("sink", nil); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	// The source has fewer bytes than promised, so Send must report an error
	// rather than padding or truncating silently.
	if sum, err := stream.Send(co, bytes.NewReader([]byte("too short")), 64); err == nil {
		t.Errorf("Send: got checksum %d, want error", sum)
	} else {
		t.Logf("Send error OK: %v", err)
	}

	// The exchange is out of step and cannot be completed, so the link pair
	// must be torn down; the host then sees the truncated stream fail.
	if err := loc.Stop(); err != nil {
		t.Errorf("Stop: unexpected error: %v", err)
	}
	select {
	case err := <-herr:
		if err == nil {
			t.Error("Handler RecvData: unexpected success after short stream")
		} else {
			t.Logf("Handler error OK: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the handler to observe the failure")
	}
}
