// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package parley

import "expvar"

// linkMetrics carry counters for the activity of a single link, published as
// an expvar map via [Link.Metrics].
type linkMetrics struct {
	emap *expvar.Map

	packetsRecv    *expvar.Int // total packets received
	packetsSent    *expvar.Int // total packets sent
	packetsDropped *expvar.Int // packets discarded without a conversation

	callsIn      *expvar.Int // hosting conversations opened by the remote endpoint
	callsInErr   *expvar.Int // hosting conversations finished with an error
	notesIn      *expvar.Int // notifications received
	notesInErr   *expvar.Int // notification handlers that reported an error
	notesDropped *expvar.Int // notifications with no registered handler

	callsOut     *expvar.Int // posting conversations opened locally
	callsOutErr  *expvar.Int // posting conversations that failed
	callsPending *expvar.Int // gauge: posting conversations awaiting replies
	notesOut     *expvar.Int // notifications sent

	convsActive *expvar.Int // gauge: hosting handlers currently running
}

func newLinkMetrics() *linkMetrics {
	m := &linkMetrics{
		emap:           new(expvar.Map).Init(),
		packetsRecv:    new(expvar.Int),
		packetsSent:    new(expvar.Int),
		packetsDropped: new(expvar.Int),
		callsIn:        new(expvar.Int),
		callsInErr:     new(expvar.Int),
		notesIn:        new(expvar.Int),
		notesInErr:     new(expvar.Int),
		notesDropped:   new(expvar.Int),
		callsOut:       new(expvar.Int),
		callsOutErr:    new(expvar.Int),
		callsPending:   new(expvar.Int),
		notesOut:       new(expvar.Int),
		convsActive:    new(expvar.Int),
	}
	m.emap.Set("packets_received", m.packetsRecv)
	m.emap.Set("packets_sent", m.packetsSent)
	m.emap.Set("packets_dropped", m.packetsDropped)
	m.emap.Set("calls_in", m.callsIn)
	m.emap.Set("calls_in_errors", m.callsInErr)
	m.emap.Set("notes_in", m.notesIn)
	m.emap.Set("notes_in_errors", m.notesInErr)
	m.emap.Set("notes_dropped", m.notesDropped)
	m.emap.Set("calls_out", m.callsOut)
	m.emap.Set("calls_out_errors", m.callsOutErr)
	m.emap.Set("calls_pending", m.callsPending)
	m.emap.Set("notes_out", m.notesOut)
	m.emap.Set("conversations_active", m.convsActive)
	return m
}
