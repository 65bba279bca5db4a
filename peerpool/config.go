// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerpool

import (
	"time"

	"github.com/dblokhin/peerpool/peerconn"
	"github.com/dblokhin/peerpool/selector"
)

const (
	MaxPeerListBatchSize            = 100
	MaxPeerDiscoveryProbeSampleSize = 100
)

// Config carries the pool's constructor options. SelectForSend,
// SelectForRequest and SelectForConnection are required; NewPool returns
// an error if any is nil.
type Config struct {
	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	SelectForSend       selector.ForSend
	SelectForRequest    selector.ForRequest
	SelectForConnection selector.ForConnection

	SendPeerLimit int

	PeerBanTime      time.Duration
	PenaltyThreshold int32

	MaxOutboundConnections int
	MaxInboundConnections  int

	OutboundEvictionInterval time.Duration

	// MaxBackgroundConcurrency bounds the errgroup driving fire-and-forget
	// fan-out (applyNodeInfo pushes, post-connect status fetches) so it
	// stays a supervised, bounded task set rather than an unawaited
	// goroutine per event.
	MaxBackgroundConcurrency int

	// Dial opens a socket for a lazily-connecting outbound peer. Required
	// for any pool that calls triggerNewConnections, runDiscovery or
	// fetchStatusAndCreatePeers against candidates with no socket already
	// in hand.
	Dial peerconn.Dialer
}

// applyDefaults fills in the documented defaults for zero-valued numeric
// fields, leaving explicit selectors and Dial untouched.
func (c Config) applyDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.SendPeerLimit <= 0 {
		c.SendPeerLimit = 16
	}
	if c.MaxBackgroundConcurrency <= 0 {
		c.MaxBackgroundConcurrency = 32
	}
	return c
}

func (c Config) peerConnConfig() peerconn.Config {
	return peerconn.Config{
		ConnectTimeout:   c.ConnectTimeout,
		AckTimeout:       c.AckTimeout,
		BanTime:          c.PeerBanTime,
		PenaltyThreshold: c.PenaltyThreshold,
	}
}
