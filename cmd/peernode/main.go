// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dblokhin/peerpool/directory"
	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/peerconn"
	"github.com/dblokhin/peerpool/peerpool"
	"github.com/dblokhin/peerpool/selector"
	"github.com/dblokhin/peerpool/wire"
	"github.com/sirupsen/logrus"
)

const listenAddr = ":13414"

var seedPeers = []string{
	"127.0.0.1:13415",
	"127.0.0.1:13416",
}

func init() {
	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(logrus.DebugLevel)
}

func main() {
	logrus.Info("starting peernode")

	peerDir, err := directory.New(directory.DefaultBucketCount, directory.DefaultBucketSize)
	if err != nil {
		logrus.Fatal(err)
	}

	pool, err := peerpool.NewPool(peerpool.Config{
		SelectForSend:          selector.DefaultForSend,
		SelectForRequest:       selector.DefaultForRequest,
		SelectForConnection:    selector.DefaultForConnection,
		MaxOutboundConnections: 8,
		MaxInboundConnections:  24,
		PeerBanTime:            time.Hour,
		PenaltyThreshold:       100,
		Dial:                   dialPeer,
	})
	if err != nil {
		logrus.Fatal(err)
	}

	pool.SetListener(&loggingListener{dir: peerDir})
	pool.ApplyNodeInfo(nodeinfo.NodeInfo{
		Version: "1.0.0",
		OS:      "linux",
	})

	seeds := make([]nodeinfo.PeerInfo, 0, len(seedPeers))
	for _, addr := range seedPeers {
		host, port, err := parseHostPort(addr)
		if err != nil {
			logrus.Errorf("skipping bad seed %q: %v", addr, err)
			continue
		}
		info := nodeinfo.PeerInfo{IPAddress: host, WSPort: port}
		peerDir.Add(directory.New, info)
		seeds = append(seeds, info)
	}

	ctx := context.Background()
	discovered := pool.FetchStatusAndCreatePeers(ctx, seeds)
	for _, d := range discovered {
		peerDir.MoveToTried(d.PeerInfo)
	}
	logrus.Infof("seed status fetch complete: %d peers discovered", len(discovered))

	go runDiscoveryLoop(ctx, pool, peerDir)
	acceptInbound(pool)
}

// runDiscoveryLoop periodically probes connected peers for fresh
// candidates and tops up outbound connections from what it learns. Known
// peers to probe with come from the directory's tried tier (the directory
// is otherwise independent of the pool's own live-peer map); no blacklist
// is applied.
func runDiscoveryLoop(ctx context.Context, pool *peerpool.Pool, peerDir *directory.Directory) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		known := peerDir.Get(directory.Tried)
		discovered := pool.RunDiscovery(ctx, known, nil)
		if len(discovered) == 0 {
			continue
		}

		candidates := make([]nodeinfo.PeerInfo, len(discovered))
		for i, d := range discovered {
			peerDir.Add(directory.New, d.PeerInfo)
			candidates[i] = d.PeerInfo
		}
		pool.TriggerNewConnections(candidates)
	}
}

// acceptInbound listens for inbound connections and hands each accepted
// socket to the pool, the same accept-then-register shape as NewTCPSocket
// expects from either side of a dial.
func acceptInbound(pool *peerpool.Pool) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logrus.Fatal(err)
	}
	defer ln.Close()

	logrus.Infof("listening on %s", listenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.Error(err)
			continue
		}

		host, port, err := parseHostPort(conn.RemoteAddr().String())
		if err != nil {
			logrus.Error(err)
			conn.Close()
			continue
		}

		socket := wire.NewTCPSocket(conn)
		info := nodeinfo.PeerInfo{IPAddress: host, WSPort: port}
		if _, err := pool.AddInboundPeer(info, socket); err != nil {
			logrus.Errorf("rejecting inbound peer %s: %v", info.PeerID(), err)
			socket.Close()
		}
	}
}

// dialPeer is the peerpool.Dialer wired into Config.Dial: it opens a TCP
// socket to an outbound peer's advertised address.
func dialPeer(ctx context.Context, info nodeinfo.PeerInfo) (wire.Socket, error) {
	addr := net.JoinHostPort(info.IPAddress, strconv.Itoa(int(info.WSPort)))
	return wire.DialTCP(ctx, addr)
}

func parseHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

// loggingListener logs the pool's connect, close, ban, discovery and
// failure events (other events fall through to NopListener) and keeps the
// directory's tried tier in sync with peers the pool actually confirmed. A
// real host would also forward OnMessageReceived/OnRequestReceived into
// its own protocol dispatch; this example just observes.
type loggingListener struct {
	peerpool.NopListener
	dir *directory.Directory
}

func (loggingListener) OnConnectOutbound(pc *peerconn.PeerConnection) {
	logrus.Infof("connected outbound: %s", pc.ID())
}

func (loggingListener) OnConnectAbortOutbound(pc *peerconn.PeerConnection, err error) {
	logrus.Debugf("outbound connect aborted %s: %v", pc.ID(), err)
}

func (loggingListener) OnCloseOutbound(pc *peerconn.PeerConnection) {
	logrus.Infof("outbound closed: %s", pc.ID())
}

func (loggingListener) OnCloseInbound(pc *peerconn.PeerConnection) {
	logrus.Infof("inbound closed: %s", pc.ID())
}

func (loggingListener) OnBanPeer(pc *peerconn.PeerConnection) {
	logrus.Warnf("banned peer: %s", pc.ID())
}

func (loggingListener) OnUnbanPeer(pc *peerconn.PeerConnection) {
	logrus.Infof("unbanned peer: %s", pc.ID())
}

func (l loggingListener) OnDiscoveredPeer(info nodeinfo.DiscoveredPeerInfo) {
	logrus.Debugf("discovered peer: %s", info.PeerID())
	l.dir.MoveToTried(info.PeerInfo)
}

func (loggingListener) OnFailedToFetchPeerInfo(peerID string, err error) {
	logrus.Debugf("failed to fetch status from %s: %v", peerID, err)
}

func (loggingListener) OnFailedToPushNodeInfo(peerID string, err error) {
	logrus.Debugf("failed to push node info to %s: %v", peerID, err)
}

func (loggingListener) OnFailedToSend(peerID string, err error) {
	logrus.Debugf("failed to send to %s: %v", peerID, err)
}
