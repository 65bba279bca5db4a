// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package peerconn implements PeerConnection: one live duplex channel to
// one remote node, translating between typed request/response/message
// packets and the underlying wire.Socket, and emitting lifecycle events
// through a Listener.
package peerconn

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/wire"
)

// Kind distinguishes a peer we dialed from a peer that dialed us.
type Kind int

const (
	Inbound Kind = iota
	Outbound
)

func (k Kind) String() string {
	if k == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is the PeerConnection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Errors returned synchronously by PeerConnection operations.
var (
	ErrRequestFail    = errors.New("peerconn: request failed")
	ErrRequestTimeout = errors.New("peerconn: request timed out")
	ErrSendFail       = errors.New("peerconn: send failed, not connected")
	ErrPushFail       = errors.New("peerconn: applyNodeInfo push failed")
	ErrFetchInfoFail  = errors.New("peerconn: fetchStatus failed")
)

// Config carries the per-connection timeouts and ban policy.
type Config struct {
	ConnectTimeout   time.Duration
	AckTimeout       time.Duration
	BanTime          time.Duration
	PenaltyThreshold int32
}

// DefaultConfig returns the recommended baseline timeouts and ban policy.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   2 * time.Second,
		AckTimeout:       10 * time.Second,
		BanTime:          0,
		PenaltyThreshold: 100,
	}
}

// Dialer opens a socket to a remote, honoring ctx's deadline. The pool
// supplies a concrete one (e.g. dialing wire.TCPSocket); tests supply an
// in-memory pair.
type Dialer func(ctx context.Context, info nodeinfo.PeerInfo) (wire.Socket, error)

// PeerConnection owns one socket to one remote peer.
type PeerConnection struct {
	id     string
	kind   Kind
	config Config
	dial   Dialer

	state int32 // State, accessed atomically

	mu       sync.RWMutex
	peerInfo nodeinfo.PeerInfo
	socket   wire.Socket

	penalty int32 // accessed atomically

	listenerMu sync.RWMutex
	listener   Listener

	banTimerMu sync.Mutex
	banTimer   *time.Timer

	closeOnce     sync.Once
	pumpDone      chan struct{}
	connectFailed int32 // set when an outbound dial aborts before ever connecting

	statsMu sync.Mutex
	stats   Stats
}

// Stats are simple per-peer request/message counters.
type Stats struct {
	RequestsReceived int64
	MessagesReceived int64
	RequestsSent     int64
	MessagesSent     int64
}

// NewInbound wraps an already-accepted socket as an inbound connection.
func NewInbound(id string, info nodeinfo.PeerInfo, socket wire.Socket, config Config) *PeerConnection {
	pc := &PeerConnection{
		id:       id,
		kind:     Inbound,
		config:   config,
		peerInfo: info,
		socket:   socket,
		listener: NopListener{},
		pumpDone: make(chan struct{}),
	}
	wireErrorReporting(socket, pc)
	atomic.StoreInt32(&pc.state, int32(StateConnected))
	go pc.pump()
	return pc
}

// wireErrorReporting hooks socket up to report its transport failures back
// through pc, if socket supports it. wire.Socket itself has no channel back
// to its owner, so this only takes effect for concrete types that expose
// one (wire.TCPSocket does).
func wireErrorReporting(socket wire.Socket, pc *PeerConnection) {
	if tcp, ok := socket.(*wire.TCPSocket); ok {
		tcp.SetErrorHandler(pc.ReportSocketError)
	}
}

// NewOutbound creates a connection that dials lazily: Connect must be
// called to actually open the socket (mirroring the pool's
// "adds outbound entries (which dial lazily)" contract).
func NewOutbound(id string, info nodeinfo.PeerInfo, config Config, dial Dialer) *PeerConnection {
	return &PeerConnection{
		id:       id,
		kind:     Outbound,
		config:   config,
		dial:     dial,
		peerInfo: info,
		listener: NopListener{},
		pumpDone: make(chan struct{}),
	}
}

// SetListener registers the event sink for this connection's lifetime.
// Passing nil clears it (used by the pool on removal, so a stale
// subscription can never fire after a peer is gone).
func (pc *PeerConnection) SetListener(l Listener) {
	pc.listenerMu.Lock()
	defer pc.listenerMu.Unlock()
	if l == nil {
		l = NopListener{}
	}
	pc.listener = l
}

func (pc *PeerConnection) emit() Listener {
	pc.listenerMu.RLock()
	defer pc.listenerMu.RUnlock()
	return pc.listener
}

// ID returns the canonical peerId ("ip:port").
func (pc *PeerConnection) ID() string { return pc.id }

// Kind reports whether this is an inbound or outbound peer.
func (pc *PeerConnection) Kind() Kind { return pc.kind }

// State reports the current lifecycle state.
func (pc *PeerConnection) State() State {
	return State(atomic.LoadInt32(&pc.state))
}

// Penalty reports the accumulated misbehavior weight.
func (pc *PeerConnection) Penalty() int32 {
	return atomic.LoadInt32(&pc.penalty)
}

// PeerInfo returns the last-known advertised info for this peer.
func (pc *PeerConnection) PeerInfo() nodeinfo.PeerInfo {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.peerInfo
}

// UpdatePeerInfo overwrites the cached PeerInfo with info, e.g. when
// discovery learns a fresher advertised state for an already-live peer.
// Unlike FetchStatus, this never emits updatedPeerInfo: the event is
// reserved for this connection's own status pull.
func (pc *PeerConnection) UpdatePeerInfo(info nodeinfo.PeerInfo) {
	pc.mu.Lock()
	pc.peerInfo = info
	pc.mu.Unlock()
}

// Stats returns a snapshot of the request/message counters.
func (pc *PeerConnection) Stats() Stats {
	pc.statsMu.Lock()
	defer pc.statsMu.Unlock()
	return pc.stats
}

// Connect dials an outbound peer. It is a no-op for inbound connections
// (already connected at construction) and for a connection dialed twice.
func (pc *PeerConnection) Connect(ctx context.Context) error {
	if pc.kind != Outbound {
		return nil
	}
	if pc.State() != StateConnecting {
		return nil // at-most-one in-flight outbound connect is tolerated
	}

	dialCtx, cancel := context.WithTimeout(ctx, pc.config.ConnectTimeout)
	defer cancel()

	socket, err := pc.dial(dialCtx, pc.PeerInfo())
	if err != nil {
		atomic.StoreInt32(&pc.state, int32(StateClosed))
		atomic.StoreInt32(&pc.connectFailed, 1)
		pc.emit().OnConnectAbortOutbound(pc, err)
		return err
	}

	wireErrorReporting(socket, pc)

	pc.mu.Lock()
	pc.socket = socket
	pc.mu.Unlock()

	atomic.StoreInt32(&pc.state, int32(StateConnected))
	go pc.pump()
	pc.emit().OnConnectOutbound(pc)
	return nil
}

// pump dispatches inbound requests and messages to the listener until the
// socket closes, then disconnects this connection and emits the close
// event appropriate to its kind.
func (pc *PeerConnection) pump() {
	defer close(pc.pumpDone)

	socket := pc.currentSocket()
	if socket == nil {
		return
	}

	for {
		select {
		case req, ok := <-socket.Inbound():
			if !ok {
				pc.teardown()
				return
			}
			pc.statsMu.Lock()
			pc.stats.RequestsReceived++
			pc.statsMu.Unlock()
			pc.emit().OnRequestReceived(pc, req)

		case msg, ok := <-socket.Messages():
			if !ok {
				pc.teardown()
				return
			}
			pc.statsMu.Lock()
			pc.stats.MessagesReceived++
			pc.statsMu.Unlock()
			pc.emit().OnMessageReceived(pc, msg)

		case <-socket.Done():
			pc.teardown()
			return
		}
	}
}

func (pc *PeerConnection) currentSocket() wire.Socket {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.socket
}

// teardown moves a connection that lost its socket (remote hangup,
// transport error) into closed and emits the per-kind close event. It is
// the path Disconnect also drives, deduplicated by closeOnce.
func (pc *PeerConnection) teardown() {
	pc.closeOnce.Do(func() {
		atomic.StoreInt32(&pc.state, int32(StateClosed))
		// A ban's own socket.Close() drives this same path; the unban
		// timer it scheduled must survive past this point, so it is not
		// cancelled here. Disconnect cancels it instead, for the
		// explicit host-initiated teardown where no future unban is
		// meaningful.
		if pc.kind == Outbound {
			pc.emit().OnCloseOutbound(pc)
		} else {
			pc.emit().OnCloseInbound(pc)
		}
	})
}

// Disconnect is idempotent: it closes the socket (if any) and transitions
// through closing to closed, emitting the correct close event exactly
// once regardless of whether the remote or the local side initiated it.
func (pc *PeerConnection) Disconnect() {
	// Host-initiated teardown: any pending unban is moot once the host
	// has decided to tear the connection down itself.
	pc.cancelBanTimer()

	atomic.CompareAndSwapInt32(&pc.state, int32(StateConnecting), int32(StateClosing))
	atomic.CompareAndSwapInt32(&pc.state, int32(StateConnected), int32(StateClosing))

	socket := pc.currentSocket()
	if socket != nil {
		socket.Close()
		// the pump goroutine observes socket.Done() and calls teardown;
		// block until it has, so a caller observing Disconnect's return
		// knows the close event has already been emitted.
		<-pc.pumpDone
		return
	}

	// Never had a socket. If the dial itself already aborted, that was
	// reported via connectAbortOutbound and there is no close event to
	// emit on top of it.
	if atomic.LoadInt32(&pc.connectFailed) == 1 {
		return
	}
	pc.teardown()
}

// ReportSocketError routes a transport-level error from outside the pump
// (e.g. a failed write) to the per-kind socket-error event, without
// tearing the connection down itself — the subsequent socket.Done()
// closure (if any) drives that through pump/teardown.
func (pc *PeerConnection) ReportSocketError(err error) {
	if pc.kind == Outbound {
		pc.emit().OnOutboundSocketError(pc, err)
	} else {
		pc.emit().OnInboundSocketError(pc, err)
	}
}

// Request sends a request packet and awaits the correlated reply within
// AckTimeout.
func (pc *PeerConnection) Request(ctx context.Context, pkt wire.Packet) (wire.Packet, error) {
	if pc.State() != StateConnected {
		return wire.Packet{}, ErrRequestFail
	}

	reqCtx, cancel := context.WithTimeout(ctx, pc.config.AckTimeout)
	defer cancel()

	socket := pc.currentSocket()
	resp, err := socket.Request(reqCtx, pkt)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return wire.Packet{}, ErrRequestTimeout
		}
		return wire.Packet{}, ErrRequestFail
	}

	pc.statsMu.Lock()
	pc.stats.RequestsSent++
	pc.statsMu.Unlock()
	return resp, nil
}

// Send is fire-and-forget.
func (pc *PeerConnection) Send(pkt wire.Packet) error {
	if pc.State() != StateConnected {
		return ErrSendFail
	}

	socket := pc.currentSocket()
	if err := socket.Send(pkt); err != nil {
		return ErrSendFail
	}

	pc.statsMu.Lock()
	pc.stats.MessagesSent++
	pc.statsMu.Unlock()
	return nil
}

const fetchStatusProcedure = "fetchStatus"

// FetchStatus requests the remote's advertised NodeInfo-equivalent,
// updates the connection's cached PeerInfo on success and emits
// updatedPeerInfo/failedPeerInfoUpdate accordingly.
func (pc *PeerConnection) FetchStatus(ctx context.Context) (nodeinfo.DiscoveredPeerInfo, error) {
	resp, err := pc.Request(ctx, wire.Packet{Name: fetchStatusProcedure})
	if err != nil {
		pc.emit().OnFailedPeerInfoUpdate(pc, err)
		return nodeinfo.DiscoveredPeerInfo{}, ErrFetchInfoFail
	}

	attrs, err := nodeinfo.ReadDiscoveredAttributes(bytes.NewReader(resp.Data))
	if err != nil {
		pc.emit().OnFailedPeerInfoUpdate(pc, err)
		return nodeinfo.DiscoveredPeerInfo{}, ErrFetchInfoFail
	}

	pc.mu.Lock()
	pc.peerInfo.Attributes = attrs
	updated := pc.peerInfo
	pc.mu.Unlock()

	pc.emit().OnUpdatedPeerInfo(pc, updated)
	return nodeinfo.DiscoveredPeerInfo{PeerInfo: updated}, nil
}

const nodeInfoProcedure = "nodeInfo"

// ApplyNodeInfo pushes the local node's state to this peer.
func (pc *PeerConnection) ApplyNodeInfo(info nodeinfo.NodeInfo) error {
	if err := pc.Send(wire.Packet{Name: nodeInfoProcedure, Data: info.Attributes().Bytes()}); err != nil {
		return ErrPushFail
	}
	return nil
}

// ApplyPenalty adds weight to the accumulated misbehavior score; once the
// sum reaches PenaltyThreshold the connection transitions to banned and
// emits banPeer. The socket is closed so the accompanying close event
// removes the peer from the pool's map.
func (pc *PeerConnection) ApplyPenalty(weight int32) {
	total := atomic.AddInt32(&pc.penalty, weight)
	if total < pc.config.PenaltyThreshold {
		return
	}

	banned := false
	for {
		cur := atomic.LoadInt32(&pc.state)
		if State(cur) == StateClosed || State(cur) == StateBanned {
			return
		}
		if atomic.CompareAndSwapInt32(&pc.state, cur, int32(StateBanned)) {
			banned = true
			break
		}
	}
	if !banned {
		return
	}

	pc.emit().OnBanPeer(pc)

	if pc.config.BanTime > 0 {
		pc.banTimerMu.Lock()
		pc.banTimer = time.AfterFunc(pc.config.BanTime, func() {
			pc.emit().OnUnbanPeer(pc)
		})
		pc.banTimerMu.Unlock()
	}

	socket := pc.currentSocket()
	if socket != nil {
		socket.Close()
	} else {
		pc.teardown()
	}
}

// cancelBanTimer stops a pending unban timer; idempotent no-op if none was
// scheduled or it already fired.
func (pc *PeerConnection) cancelBanTimer() {
	pc.banTimerMu.Lock()
	defer pc.banTimerMu.Unlock()
	if pc.banTimer != nil {
		pc.banTimer.Stop()
	}
}

