// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package nodeinfo defines the identity and advertised-state types shared
// by every peer pool component: PeerInfo (who a remote is), NodeInfo (what
// the local node advertises) and DiscoveredPeerInfo (what fetchStatus
// learns about a remote).
package nodeinfo

import "fmt"

// PeerInfo identifies a remote node by its canonical address.
type PeerInfo struct {
	IPAddress string
	WSPort    uint16

	// Attributes discovered via a successful status fetch. Zero value
	// means "not yet discovered".
	Attributes DiscoveredAttributes
}

// DiscoveredAttributes are the advertised attributes of a remote node,
// learned through PeerConnection.fetchStatus.
type DiscoveredAttributes struct {
	Version         string
	Height          uint64
	Broadhash       string
	Nonce           uint64
	OS              string
	HTTPPort        uint16
	ProtocolVersion uint32
}

// PeerID returns the canonical "ip:port" identity of the peer.
func (p PeerInfo) PeerID() string {
	return PeerID(p.IPAddress, p.WSPort)
}

// PeerID builds the canonical peer identity from its parts.
func PeerID(ipAddress string, wsPort uint16) string {
	return fmt.Sprintf("%s:%d", ipAddress, wsPort)
}

// DiscoveredPeerInfo is a PeerInfo together with the attributes returned
// from a successful fetchStatus or discovery probe.
type DiscoveredPeerInfo struct {
	PeerInfo
}

// NodeInfo is the local node's advertised state, pushed to every connected
// peer whenever it changes.
type NodeInfo struct {
	Version         string
	Height          uint64
	Broadhash       string
	Nonce           uint64
	OS              string
	WSPort          uint16
	HTTPPort        uint16
	ProtocolVersion uint32
}

// Attributes projects a NodeInfo into the DiscoveredAttributes shape
// returned by fetchStatus, so pushing and fetching share one wire shape.
func (n NodeInfo) Attributes() DiscoveredAttributes {
	return DiscoveredAttributes{
		Version:         n.Version,
		Height:          n.Height,
		Broadhash:       n.Broadhash,
		Nonce:           n.Nonce,
		OS:              n.OS,
		HTTPPort:        n.HTTPPort,
		ProtocolVersion: n.ProtocolVersion,
	}
}
