// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package discovery implements peer discovery: probing a sample of
// already-connected peers for their own peer lists and folding the
// responses into one deduplicated, blacklist-filtered set.
package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"github.com/dblokhin/peerpool/nodeinfo"
)

// errShortPeerList is returned by DecodePeerList on a truncated buffer.
var errShortPeerList = errors.New("discovery: truncated peer list")

// MaxPeerListBatchSize bounds how many entries a single probe response
// may contribute.
const MaxPeerListBatchSize = 100

// MaxPeerDiscoveryProbeSampleSize bounds how many connected peers a single
// discovery run probes.
const MaxPeerDiscoveryProbeSampleSize = 100

// GetPeersProcedure is the wire procedure name used to ask a connected
// peer for its own peer list.
const GetPeersProcedure = "getPeers"

// Prober is the minimal capability discovery needs from a connected peer:
// issue a getPeers-equivalent request and decode the reply. PeerPool
// supplies one backed by peerconn.PeerConnection.Request; a probe failure
// is the caller's signal to emit failedToFetchPeerInfo and move on.
type Prober interface {
	// ID is the peerId of the peer being probed, used only for the
	// caller's own failure-reporting.
	ID() string
	RequestPeerList(ctx context.Context) ([]nodeinfo.PeerInfo, error)
}

// FailureReporter receives one call per probe that failed, so the caller
// can emit failedToFetchPeerInfo without discovery itself knowing about
// pool-level events.
type FailureReporter func(peerID string, err error)

// Run probes the peers in sample (at most the first
// MaxPeerDiscoveryProbeSampleSize of them) for their peer lists, unions the
// responses, drops anything whose IP is in blacklist, dedups by peerId,
// and returns the result. A per-peer probe failure is swallowed (reported
// via onFailure if non-nil); discovery itself never fails.
func Run(ctx context.Context, sample []Prober, blacklist []string, onFailure FailureReporter) []nodeinfo.PeerInfo {
	blocked := make(map[string]bool, len(blacklist))
	for _, ip := range blacklist {
		blocked[ip] = true
	}

	if len(sample) > MaxPeerDiscoveryProbeSampleSize {
		sample = sample[:MaxPeerDiscoveryProbeSampleSize]
	}

	seen := make(map[string]bool)
	var discovered []nodeinfo.PeerInfo

	for _, peer := range sample {
		peers, err := peer.RequestPeerList(ctx)
		if err != nil {
			if onFailure != nil {
				onFailure(peer.ID(), err)
			}
			continue
		}

		if len(peers) > MaxPeerListBatchSize {
			peers = peers[:MaxPeerListBatchSize]
		}

		for _, p := range peers {
			if isBlacklisted(p.IPAddress, blocked) {
				continue
			}
			id := p.PeerID()
			if seen[id] {
				continue
			}
			seen[id] = true
			discovered = append(discovered, p)
		}
	}

	return discovered
}

// EncodePeerList is the wire codec for a getPeers response: a count
// followed by ipAddress/wsPort pairs, written the way nodeinfo's own
// string fields are length-prefixed.
func EncodePeerList(peers []nodeinfo.PeerInfo) []byte {
	buf := make([]byte, 0, 4+len(peers)*8)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(peers)))
	buf = append(buf, countBuf[:]...)

	for _, p := range peers {
		ipBytes := []byte(p.IPAddress)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ipBytes)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, ipBytes...)

		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.WSPort)
		buf = append(buf, portBuf[:]...)
	}

	return buf
}

// DecodePeerList is EncodePeerList's inverse.
func DecodePeerList(data []byte) ([]nodeinfo.PeerInfo, error) {
	if len(data) < 4 {
		return nil, errShortPeerList
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]

	peers := make([]nodeinfo.PeerInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 2 {
			return nil, errShortPeerList
		}
		ipLen := int(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
		if len(data) < ipLen+2 {
			return nil, errShortPeerList
		}
		ip := string(data[:ipLen])
		data = data[ipLen:]
		port := binary.BigEndian.Uint16(data[:2])
		data = data[2:]

		peers = append(peers, nodeinfo.PeerInfo{IPAddress: ip, WSPort: port})
	}

	return peers, nil
}

// isBlacklisted reports whether ip names a blacklisted host, tolerating
// callers that pass bare IPs rather than host:port pairs.
func isBlacklisted(ip string, blacklist map[string]bool) bool {
	if blacklist[ip] {
		return true
	}
	host, _, err := net.SplitHostPort(ip)
	if err == nil && blacklist[host] {
		return true
	}
	return false
}
