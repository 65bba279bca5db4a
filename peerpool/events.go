// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerpool

import (
	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/peerconn"
	"github.com/dblokhin/peerpool/wire"
)

// Listener receives the pool's event surface: every per-peer event from
// peerconn re-emitted verbatim, plus the pool-only events discoveredPeer,
// failedToFetchPeerInfo and failedToPushNodeInfo. The host registers
// exactly one Listener and never touches a PeerConnection's own listener
// directly — that subscription is owned by the pool.
type Listener interface {
	OnRequestReceived(pc *peerconn.PeerConnection, req wire.InboundRequest)
	OnMessageReceived(pc *peerconn.PeerConnection, msg wire.Packet)
	OnConnectOutbound(pc *peerconn.PeerConnection)
	OnConnectAbortOutbound(pc *peerconn.PeerConnection, err error)
	OnCloseOutbound(pc *peerconn.PeerConnection)
	OnCloseInbound(pc *peerconn.PeerConnection)
	OnOutboundSocketError(pc *peerconn.PeerConnection, err error)
	OnInboundSocketError(pc *peerconn.PeerConnection, err error)
	OnUpdatedPeerInfo(pc *peerconn.PeerConnection, info nodeinfo.PeerInfo)
	OnFailedPeerInfoUpdate(pc *peerconn.PeerConnection, err error)
	OnBanPeer(pc *peerconn.PeerConnection)
	OnUnbanPeer(pc *peerconn.PeerConnection)

	OnDiscoveredPeer(info nodeinfo.DiscoveredPeerInfo)
	OnFailedToFetchPeerInfo(peerID string, err error)
	OnFailedToPushNodeInfo(peerID string, err error)

	// OnFailedToSend reports a per-peer fan-out send failure; Send itself
	// never returns an error, so failures surface as this event instead,
	// shaped like its sibling OnFailedToPushNodeInfo.
	OnFailedToSend(peerID string, err error)
}

// NopListener implements Listener with no-op methods.
type NopListener struct{}

func (NopListener) OnRequestReceived(*peerconn.PeerConnection, wire.InboundRequest) {}
func (NopListener) OnMessageReceived(*peerconn.PeerConnection, wire.Packet)         {}
func (NopListener) OnConnectOutbound(*peerconn.PeerConnection)                     {}
func (NopListener) OnConnectAbortOutbound(*peerconn.PeerConnection, error)          {}
func (NopListener) OnCloseOutbound(*peerconn.PeerConnection)                       {}
func (NopListener) OnCloseInbound(*peerconn.PeerConnection)                        {}
func (NopListener) OnOutboundSocketError(*peerconn.PeerConnection, error)           {}
func (NopListener) OnInboundSocketError(*peerconn.PeerConnection, error)            {}
func (NopListener) OnUpdatedPeerInfo(*peerconn.PeerConnection, nodeinfo.PeerInfo)    {}
func (NopListener) OnFailedPeerInfoUpdate(*peerconn.PeerConnection, error)          {}
func (NopListener) OnBanPeer(*peerconn.PeerConnection)                              {}
func (NopListener) OnUnbanPeer(*peerconn.PeerConnection)                            {}

func (NopListener) OnDiscoveredPeer(nodeinfo.DiscoveredPeerInfo) {}
func (NopListener) OnFailedToFetchPeerInfo(string, error)        {}
func (NopListener) OnFailedToPushNodeInfo(string, error)         {}
func (NopListener) OnFailedToSend(string, error)                 {}

// peerHandler is the dispatch-table entry bound to exactly one peer: a
// peerconn.Listener that knows which pool to re-emit through. Registered
// via PeerConnection.SetListener on add, cleared via
// SetListener(NopListener{}) on removal — so a removed peer can never
// leak a stale subscription into the pool's event stream.
type peerHandler struct {
	pool *Pool
}

func (h *peerHandler) OnRequestReceived(pc *peerconn.PeerConnection, req wire.InboundRequest) {
	h.pool.emit().OnRequestReceived(pc, req)
}

func (h *peerHandler) OnMessageReceived(pc *peerconn.PeerConnection, msg wire.Packet) {
	h.pool.emit().OnMessageReceived(pc, msg)
}

func (h *peerHandler) OnConnectOutbound(pc *peerconn.PeerConnection) {
	h.pool.emit().OnConnectOutbound(pc)
	h.pool.onConnectOutbound(pc)
}

func (h *peerHandler) OnConnectAbortOutbound(pc *peerconn.PeerConnection, err error) {
	h.pool.emit().OnConnectAbortOutbound(pc, err)
}

func (h *peerHandler) OnCloseOutbound(pc *peerconn.PeerConnection) {
	h.pool.removeFromMap(pc.ID())
	h.pool.emit().OnCloseOutbound(pc)
}

func (h *peerHandler) OnCloseInbound(pc *peerconn.PeerConnection) {
	h.pool.removeFromMap(pc.ID())
	h.pool.emit().OnCloseInbound(pc)
}

func (h *peerHandler) OnOutboundSocketError(pc *peerconn.PeerConnection, err error) {
	h.pool.emit().OnOutboundSocketError(pc, err)
}

func (h *peerHandler) OnInboundSocketError(pc *peerconn.PeerConnection, err error) {
	h.pool.emit().OnInboundSocketError(pc, err)
}

func (h *peerHandler) OnUpdatedPeerInfo(pc *peerconn.PeerConnection, info nodeinfo.PeerInfo) {
	h.pool.emit().OnUpdatedPeerInfo(pc, info)
}

func (h *peerHandler) OnFailedPeerInfoUpdate(pc *peerconn.PeerConnection, err error) {
	h.pool.emit().OnFailedPeerInfoUpdate(pc, err)
}

func (h *peerHandler) OnBanPeer(pc *peerconn.PeerConnection) {
	h.pool.emit().OnBanPeer(pc)
}

func (h *peerHandler) OnUnbanPeer(pc *peerconn.PeerConnection) {
	h.pool.emit().OnUnbanPeer(pc)
}
