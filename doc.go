// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package parley implements a conversation-oriented messaging layer over a
// shared reliable channel.
//
// A single connection between two endpoints carries many logically
// independent conversations. Each conversation is a correlated exchange: the
// initiating (posting) side names a remote operation and sends its arguments,
// optionally followed by a binary payload of declared length, and the serving
// (hosting) side replies with an ordered sequence of reply segments and
// payload chunks. Conversations are multiplexed by a sequence token, so the
// replies for one conversation may arrive interleaved with traffic for
// others.
//
// # Links
//
// The core type defined by this package is the [Link]. A link drives both
// directions of one connection: it issues conversations toward the remote
// endpoint, and it services conversations the remote endpoint initiates.
//
// To create a new, unstarted link:
//
//	lnk := parley.NewLink()
//
// To start the service routine, call the Start method with a channel
// connected to another link:
//
//	lnk.Start(ch)
//
// The link runs until [Link.Stop] is called, the channel is closed by the
// remote endpoint, or a protocol fatal error occurs. Call [Link.Wait] to wait
// for the link to exit and return its status.
//
// # Channels
//
// The [Channel] interface defines the ability to send and receive packets. A
// Channel implementation must allow concurrent use by one sender and one
// receiver. The channel package provides basic implementations.
//
// # Conversations
//
// Use [Link.Open] to begin a posting conversation. The conversation starts
// out able to send: write the operation and arguments with Send, stream any
// payload with SendData, then Close the conversation to release the wire for
// other conversations. Receiving is performed after Close; a closed
// conversation can send nothing further, but replies already in flight are
// still delivered to it:
//
//	co, err := lnk.Open(ctx)
//	...
//	co.Send("operation", args)
//	co.Close()
//	reply, err := co.Recv(ctx)
//
// For plain request/response exchanges, [Link.Call] wraps this sequence.
//
// On the hosting side, register handlers for the operations the link serves
// using [Link.Handle]. The handler receives the hosting conversation, drains
// any request payload with RecvData, and calls StartSend before writing reply
// segments. When the handler returns, the link finishes the conversation: a
// nil result delivers an end-of-conversation marker, and an error is
// delivered to the posting side as a conversation error.
//
// Registration is checked: registering two handlers for the same operation
// panics, so a misconfigured operation table fails at startup rather than at
// call time.
//
// # Notifications
//
// [Link.Notify] sends a fire-and-forget request that expects no reply. The
// handler for a notification cannot send reply segments, and any error it
// reports is discarded after accounting.
//
// # Wire discipline
//
// The connection is a single ordered pipe. While a conversation is in its
// sending stage it holds the wire exclusively, so that its request text and
// payload bytes are contiguous on the wire; the wire is released when the
// conversation closes its send side. Because of this, opening a new posting
// conversation from within a handler that has called StartSend on the same
// link will deadlock: the hosting conversation holds the wire until the
// handler completes. Work that must call back to the same or another endpoint
// is instead submitted to an independently scheduled task that runs outside
// the hosting conversation.
//
// # Metrics
//
// Links maintain a collection of expvar metrics while running; use the
// [Link.Metrics] method to obtain them.
package parley
