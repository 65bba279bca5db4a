// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package wire

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// outgoing is a queued write.
type outgoing struct {
	kind   frameKind
	corrID [16]byte
	name   string
	data   []byte
}

// TCPSocket is the reference Socket implementation: one goroutine pumps a
// send queue out to the wire, another reads frames off the wire and
// dispatches them.
type TCPSocket struct {
	conn net.Conn

	sendQueue chan outgoing
	quit      chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[[16]byte]chan Packet

	inbound  chan InboundRequest
	messages chan Packet

	errMu   sync.Mutex
	onError func(error)

	wg sync.WaitGroup
}

// NewTCPSocket wraps an already-connected net.Conn (dialed or accepted by
// the host) and starts its read/write pumps.
func NewTCPSocket(conn net.Conn) *TCPSocket {
	s := &TCPSocket{
		conn:      conn,
		sendQueue: make(chan outgoing, 64),
		quit:      make(chan struct{}),
		pending:   make(map[[16]byte]chan Packet),
		inbound:   make(chan InboundRequest, 16),
		messages:  make(chan Packet, 16),
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()

	return s
}

// SetErrorHandler registers fn to be called with the error that caused a
// read or write failure, before the socket closes itself in response. The
// owning PeerConnection uses this to surface a transport error distinctly
// from a clean close; Socket has no such channel back to its owner on its
// own, so this is TCPSocket-specific rather than part of the Socket
// interface. Safe to call concurrently with the read/write pumps.
func (s *TCPSocket) SetErrorHandler(fn func(error)) {
	s.errMu.Lock()
	s.onError = fn
	s.errMu.Unlock()
}

func (s *TCPSocket) reportError(err error) {
	s.errMu.Lock()
	fn := s.onError
	s.errMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (s *TCPSocket) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case out := <-s.sendQueue:
			if err := writeFrame(s.conn, out.kind, out.corrID, out.name, out.data); err != nil {
				logrus.Debugf("wire: write failed (%s): %v", s.conn.RemoteAddr(), err)
				s.reportError(err)
				s.Close()
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (s *TCPSocket) readLoop() {
	defer s.wg.Done()

	for {
		h, pkt, err := readFrame(s.conn)
		if err != nil {
			logrus.Debugf("wire: read failed (%s): %v", s.conn.RemoteAddr(), err)
			select {
			case <-s.quit:
				// closed locally; the read failed only because of that
			default:
				if err != io.EOF {
					s.reportError(err)
				}
			}
			s.Close()
			return
		}

		switch h.kind {
		case frameResponse:
			s.pendingMu.Lock()
			ch, ok := s.pending[h.corrID]
			if ok {
				delete(s.pending, h.corrID)
			}
			s.pendingMu.Unlock()
			if ok {
				ch <- pkt
			}

		case frameMessage:
			select {
			case s.messages <- pkt:
			case <-s.quit:
				return
			}

		case frameRequest:
			corrID := h.corrID
			select {
			case s.inbound <- InboundRequest{
				Packet: pkt,
				Reply: func(reply Packet) error {
					return s.enqueue(outgoing{kind: frameResponse, corrID: corrID, name: reply.Name, data: reply.Data})
				},
			}:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *TCPSocket) enqueue(out outgoing) error {
	select {
	case s.sendQueue <- out:
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// Request implements Socket.
func (s *TCPSocket) Request(ctx context.Context, pkt Packet) (Packet, error) {
	id := uuid.New()
	var corrID [16]byte
	copy(corrID[:], id[:])

	reply := make(chan Packet, 1)
	s.pendingMu.Lock()
	s.pending[corrID] = reply
	s.pendingMu.Unlock()

	if err := s.enqueue(outgoing{kind: frameRequest, corrID: corrID, name: pkt.Name, data: pkt.Data}); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, corrID)
		s.pendingMu.Unlock()
		return Packet{}, err
	}

	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, corrID)
		s.pendingMu.Unlock()
		return Packet{}, ctx.Err()
	case <-s.quit:
		return Packet{}, ErrClosed
	}
}

// Send implements Socket.
func (s *TCPSocket) Send(pkt Packet) error {
	var corrID [16]byte
	return s.enqueue(outgoing{kind: frameMessage, corrID: corrID, name: pkt.Name, data: pkt.Data})
}

// Close implements Socket. Idempotent.
func (s *TCPSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	return err
}

// Inbound implements Socket.
func (s *TCPSocket) Inbound() <-chan InboundRequest {
	return s.inbound
}

// Messages implements Socket.
func (s *TCPSocket) Messages() <-chan Packet {
	return s.messages
}

// Done implements Socket.
func (s *TCPSocket) Done() <-chan struct{} {
	return s.quit
}
