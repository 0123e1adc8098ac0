// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package stream transfers bounded binary payloads over a conversation.
//
// A payload of declared length is carried as a sequence of data chunks of at
// most [ChunkSize] bytes. Both directions accumulate a CRC-32 (IEEE)
// checksum over the payload bytes, so the endpoints can verify integrity
// end-to-end without a second pass over the data.
package stream

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/creachadair/parley"
)

// ChunkSize is the maximum number of payload bytes carried per data chunk.
const ChunkSize = 1024

// Send copies exactly n bytes from r to the sending side of co, and returns
// the checksum of the bytes sent. The conversation must be in its sending
// stage. If r ends early, Send reports an error after the chunks already
// written; the conversation is then out of step and should be failed by the
// caller rather than continued.
func Send(co *parley.Conversation, r io.Reader, n int64) (uint32, error) {
	var sum uint32
	buf := make([]byte, ChunkSize)
	for n > 0 {
		m := int(min(n, ChunkSize))
		if _, err := io.ReadFull(r, buf[:m]); err != nil {
			return sum, fmt.Errorf("read payload: %w", err)
		}
		sum = crc32.Update(sum, crc32.IEEETable, buf[:m])
		if err := co.SendData(buf[:m]); err != nil {
			return sum, err
		}
		n -= int64(m)
	}
	return sum, nil
}

// Receive copies exactly n bytes from the receiving side of co to w, and
// returns the checksum of the bytes received.
func Receive(ctx context.Context, co *parley.Conversation, w io.Writer, n int64) (uint32, error) {
	var sum uint32
	buf := make([]byte, ChunkSize)
	for n > 0 {
		m := int(min(n, ChunkSize))
		if err := co.RecvData(ctx, buf[:m]); err != nil {
			return sum, err
		}
		sum = crc32.Update(sum, crc32.IEEETable, buf[:m])
		if _, err := w.Write(buf[:m]); err != nil {
			return sum, fmt.Errorf("write payload: %w", err)
		}
		n -= int64(m)
	}
	return sum, nil
}
