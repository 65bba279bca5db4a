// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerconn

import (
	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/wire"
)

// Listener receives the lifecycle events a PeerConnection emits: a typed,
// statically-dispatched interface with one owner per connection,
// registered explicitly via SetListener and cleared explicitly on
// removal, so a removed peer can never leak a stale subscription.
type Listener interface {
	OnRequestReceived(pc *PeerConnection, req wire.InboundRequest)
	OnMessageReceived(pc *PeerConnection, msg wire.Packet)
	OnConnectOutbound(pc *PeerConnection)
	OnConnectAbortOutbound(pc *PeerConnection, err error)
	OnCloseOutbound(pc *PeerConnection)
	OnCloseInbound(pc *PeerConnection)
	OnOutboundSocketError(pc *PeerConnection, err error)
	OnInboundSocketError(pc *PeerConnection, err error)
	OnUpdatedPeerInfo(pc *PeerConnection, info nodeinfo.PeerInfo)
	OnFailedPeerInfoUpdate(pc *PeerConnection, err error)
	OnBanPeer(pc *PeerConnection)
	OnUnbanPeer(pc *PeerConnection)
}

// NopListener implements Listener with no-op methods, for connections
// spun up before a real listener is registered.
type NopListener struct{}

func (NopListener) OnRequestReceived(*PeerConnection, wire.InboundRequest)      {}
func (NopListener) OnMessageReceived(*PeerConnection, wire.Packet)              {}
func (NopListener) OnConnectOutbound(*PeerConnection)                          {}
func (NopListener) OnConnectAbortOutbound(*PeerConnection, error)              {}
func (NopListener) OnCloseOutbound(*PeerConnection)                            {}
func (NopListener) OnCloseInbound(*PeerConnection)                             {}
func (NopListener) OnOutboundSocketError(*PeerConnection, error)               {}
func (NopListener) OnInboundSocketError(*PeerConnection, error)                {}
func (NopListener) OnUpdatedPeerInfo(*PeerConnection, nodeinfo.PeerInfo)       {}
func (NopListener) OnFailedPeerInfoUpdate(*PeerConnection, error)             {}
func (NopListener) OnBanPeer(*PeerConnection)                                 {}
func (NopListener) OnUnbanPeer(*PeerConnection)                               {}
