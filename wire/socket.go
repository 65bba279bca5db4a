// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package wire defines the abstract duplex channel a PeerConnection
// speaks over, plus a reference length-prefixed framing the host can use
// until it wires in a real transport (e.g. a WebSocket).
package wire

import (
	"context"
	"errors"
)

// ErrClosed is returned by Request/Send once the socket has been closed.
var ErrClosed = errors.New("wire: socket closed")

// Packet is the payload exchanged over a Socket: a named procedure and an
// opaque body the caller encodes/decodes.
type Packet struct {
	Name string
	Data []byte
}

// Socket is the abstract duplex channel a PeerConnection owns. The pool
// never assumes a concrete transport; the host wires one in (TCPSocket
// below, or a WebSocket, or an in-memory pipe for tests).
type Socket interface {
	// Request sends a named request and blocks for the correlated reply,
	// or until ctx is cancelled.
	Request(ctx context.Context, pkt Packet) (Packet, error)

	// Send is fire-and-forget; it does not wait for any reply.
	Send(pkt Packet) error

	// Close tears down the underlying connection. Idempotent.
	Close() error

	// Inbound is the stream of unsolicited requests the remote sent us (the
	// remote expects a reply, carried in InboundRequest). Fire-and-forget
	// packets arrive on Messages instead.
	Inbound() <-chan InboundRequest

	// Messages is the stream of fire-and-forget packets from the remote.
	Messages() <-chan Packet

	// Done is closed once the socket has torn down, so a caller pumping
	// Inbound/Messages can select on it instead of blocking forever past
	// the last delivered frame.
	Done() <-chan struct{}
}

// InboundRequest is a request the remote sent us that expects a reply.
type InboundRequest struct {
	Packet Packet
	Reply  func(Packet) error
}
