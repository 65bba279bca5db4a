// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package selector provides the three pluggable peer-selection functions
// the pool uses for sends, requests and new connections. Implementations
// are pure with respect to their arguments: the pool never assumes an
// ordering on the returned slice, only that it is a subset of candidates.
package selector

import (
	"math/rand"

	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/wire"
)

// Candidate is the minimal view of a live peer a selector needs: its id
// and advertised info. Selectors never see the underlying socket.
type Candidate struct {
	ID   string
	Info nodeinfo.PeerInfo
}

// ForSendArgs bundles the inputs to a selectForSend call.
type ForSendArgs struct {
	Peers          []Candidate
	NodeInfo       nodeinfo.NodeInfo
	PeerLimit      int
	MessagePacket  wire.Packet
}

// ForRequestArgs bundles the inputs to a selectForRequest call.
type ForRequestArgs struct {
	Peers          []Candidate
	NodeInfo       nodeinfo.NodeInfo
	PeerLimit      int
	RequestPacket  wire.Packet
}

// ForConnectionArgs bundles the inputs to a selectForConnection call.
type ForConnectionArgs struct {
	Peers     []Candidate
	PeerLimit int
}

// ForSend chooses which connected peers a fire-and-forget message fans
// out to.
type ForSend func(ForSendArgs) []Candidate

// ForRequest chooses which connected peer(s) a request may be sent to.
// Must return at most PeerLimit entries; an empty result is legal.
type ForRequest func(ForRequestArgs) []Candidate

// ForConnection chooses which dial candidates the pool should connect to
// next.
type ForConnection func(ForConnectionArgs) []Candidate

// DefaultForSend fans out to a random subset of up to PeerLimit connected
// peers, with no particular ordering preference among them.
func DefaultForSend(args ForSendArgs) []Candidate {
	return randomSubset(args.Peers, args.PeerLimit)
}

// DefaultForRequest picks up to PeerLimit random connected peers (one if
// PeerLimit is not positive).
func DefaultForRequest(args ForRequestArgs) []Candidate {
	limit := args.PeerLimit
	if limit <= 0 {
		limit = 1
	}
	return randomSubset(args.Peers, limit)
}

// DefaultForConnection picks up to PeerLimit random dial candidates.
func DefaultForConnection(args ForConnectionArgs) []Candidate {
	return randomSubset(args.Peers, args.PeerLimit)
}

// randomSubset returns up to n distinct entries from peers in random
// order, never more than len(peers).
func randomSubset(peers []Candidate, n int) []Candidate {
	if n <= 0 || len(peers) == 0 {
		return nil
	}
	if n > len(peers) {
		n = len(peers)
	}

	shuffled := make([]Candidate, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	return shuffled[:n]
}
