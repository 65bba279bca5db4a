// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerpool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dblokhin/peerpool/discovery"
	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/peerconn"
	"github.com/dblokhin/peerpool/selector"
	"github.com/dblokhin/peerpool/wire"
)

// fakeSocket is the same in-memory wire.Socket double used by peerconn's
// own tests, reproduced here since test doubles aren't exported.
type fakeSocket struct {
	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	inbound     chan wire.InboundRequest
	messages    chan wire.Packet
	requestFunc func(ctx context.Context, pkt wire.Packet) (wire.Packet, error)
	sendFunc    func(pkt wire.Packet) error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		done:     make(chan struct{}),
		inbound:  make(chan wire.InboundRequest, 4),
		messages: make(chan wire.Packet, 4),
	}
}

func (f *fakeSocket) Request(ctx context.Context, pkt wire.Packet) (wire.Packet, error) {
	if f.requestFunc != nil {
		return f.requestFunc(ctx, pkt)
	}
	return wire.Packet{}, errors.New("fakeSocket: no requestFunc set")
}

func (f *fakeSocket) Send(pkt wire.Packet) error {
	if f.sendFunc != nil {
		return f.sendFunc(pkt)
	}
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeSocket) Inbound() <-chan wire.InboundRequest { return f.inbound }
func (f *fakeSocket) Messages() <-chan wire.Packet        { return f.messages }
func (f *fakeSocket) Done() <-chan struct{}               { return f.done }

// recordingListener implements peerpool.Listener and records everything
// the pool re-emits, guarded by a mutex for concurrent access from the
// background fan-out goroutines.
type recordingListener struct {
	mu                  sync.Mutex
	closeInbound        int
	closeOutbound       int
	banned              []string
	unbanned            []string
	discoveredPeer      []nodeinfo.DiscoveredPeerInfo
	failedFetch         []string
	failedPush          []string
	failedSend          []string
	messagesReceived    int
}

func (r *recordingListener) OnRequestReceived(*peerconn.PeerConnection, wire.InboundRequest) {}
func (r *recordingListener) OnMessageReceived(*peerconn.PeerConnection, wire.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messagesReceived++
}
func (r *recordingListener) OnConnectOutbound(*peerconn.PeerConnection)          {}
func (r *recordingListener) OnConnectAbortOutbound(*peerconn.PeerConnection, error) {}
func (r *recordingListener) OnCloseOutbound(*peerconn.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeOutbound++
}
func (r *recordingListener) OnCloseInbound(*peerconn.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeInbound++
}
func (r *recordingListener) OnOutboundSocketError(*peerconn.PeerConnection, error) {}
func (r *recordingListener) OnInboundSocketError(*peerconn.PeerConnection, error)  {}
func (r *recordingListener) OnUpdatedPeerInfo(*peerconn.PeerConnection, nodeinfo.PeerInfo) {}
func (r *recordingListener) OnFailedPeerInfoUpdate(*peerconn.PeerConnection, error)        {}
func (r *recordingListener) OnBanPeer(pc *peerconn.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banned = append(r.banned, pc.ID())
}
func (r *recordingListener) OnUnbanPeer(pc *peerconn.PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbanned = append(r.unbanned, pc.ID())
}
func (r *recordingListener) OnDiscoveredPeer(info nodeinfo.DiscoveredPeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoveredPeer = append(r.discoveredPeer, info)
}
func (r *recordingListener) OnFailedToFetchPeerInfo(peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedFetch = append(r.failedFetch, peerID)
}
func (r *recordingListener) OnFailedToPushNodeInfo(peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedPush = append(r.failedPush, peerID)
}
func (r *recordingListener) OnFailedToSend(peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedSend = append(r.failedSend, peerID)
}

func (r *recordingListener) counts() (closeIn, closeOut, banned, unbanned, failedFetch, failedPush, failedSend int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeInbound, r.closeOutbound, len(r.banned), len(r.unbanned), len(r.failedFetch), len(r.failedPush), len(r.failedSend)
}

func testConfig() Config {
	return Config{
		SelectForSend:       selector.DefaultForSend,
		SelectForRequest:    selector.DefaultForRequest,
		SelectForConnection: selector.DefaultForConnection,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// Scenario 1: inbound eviction.
func TestScenarioInboundEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInboundConnections = 2
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	listener := &recordingListener{}
	pool.SetListener(listener)

	addrs := []string{"1.1.1.1:5000", "2.2.2.2:5000", "3.3.3.3:5000"}
	for _, addr := range addrs {
		info := nodeinfo.PeerInfo{IPAddress: hostOf(addr), WSPort: 5000}
		if _, err := pool.AddInboundPeer(info, newFakeSocket()); err != nil {
			t.Fatalf("AddInboundPeer(%s): %v", addr, err)
		}
	}

	waitFor(t, time.Second, func() bool { return len(pool.GetPeers()) == 2 })

	if !pool.HasPeer("3.3.3.3:5000") {
		t.Fatalf("expected 3.3.3.3:5000 present")
	}
	present := 0
	if pool.HasPeer("1.1.1.1:5000") {
		present++
	}
	if pool.HasPeer("2.2.2.2:5000") {
		present++
	}
	if present != 1 {
		t.Errorf("expected exactly one of the first two peers present, got %d", present)
	}

	closeIn, _, _, _, _, _, _ := listener.counts()
	if closeIn != 1 {
		t.Errorf("closeInbound events = %d, want 1", closeIn)
	}
}

func hostOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// Scenario 2: discovery ingestion.
func TestScenarioDiscoveryIngestion(t *testing.T) {
	cfg := testConfig()
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	aInfo := nodeinfo.PeerInfo{IPAddress: "10.0.0.1", WSPort: 5000}
	sock := newFakeSocket()
	sock.requestFunc = func(ctx context.Context, pkt wire.Packet) (wire.Packet, error) {
		if pkt.Name != discovery.GetPeersProcedure {
			return wire.Packet{}, errors.New("unexpected procedure")
		}
		data := discovery.EncodePeerList([]nodeinfo.PeerInfo{
			{IPAddress: "10.0.0.2", WSPort: 5000},
			{IPAddress: "10.0.0.3", WSPort: 5000},
		})
		return wire.Packet{Data: data}, nil
	}

	pc, err := pool.AddOutboundPeer(aInfo.PeerID(), aInfo, sock)
	if err != nil {
		t.Fatalf("AddOutboundPeer: %v", err)
	}
	if err := pc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := pool.RunDiscovery(context.Background(), []nodeinfo.PeerInfo{aInfo}, []string{"10.0.0.2"})
	if len(got) != 1 || got[0].IPAddress != "10.0.0.3" {
		t.Fatalf("RunDiscovery = %+v, want exactly [10.0.0.3:5000]", got)
	}
}

// Scenario 3: request with no peers.
func TestScenarioRequestWithNoPeers(t *testing.T) {
	pool, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	_, err = pool.Request(context.Background(), wire.Packet{Name: "getBlocks"})
	if !errors.Is(err, ErrRequestFail) {
		t.Fatalf("err = %v, want ErrRequestFail", err)
	}
}

// Scenario 4: ban lifecycle.
func TestScenarioBanLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.PenaltyThreshold = 1
	cfg.PeerBanTime = 50 * time.Millisecond
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	listener := &recordingListener{}
	pool.SetListener(listener)

	info := nodeinfo.PeerInfo{IPAddress: "9.9.9.9", WSPort: 5000}
	if _, err := pool.AddInboundPeer(info, newFakeSocket()); err != nil {
		t.Fatalf("AddInboundPeer: %v", err)
	}

	start := time.Now()
	if err := pool.ApplyPenalty(info.PeerID(), 1); err != nil {
		t.Fatalf("ApplyPenalty: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		_, _, banned, _, _, _, _ := listener.counts()
		return banned == 1
	})
	waitFor(t, time.Second, func() bool {
		_, _, _, unbanned, _, _, _ := listener.counts()
		return unbanned == 1
	})
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("unban fired after %s, want >= 50ms", elapsed)
	}
	waitFor(t, time.Second, func() bool { return !pool.HasPeer(info.PeerID()) })
}

// Scenario 5: nodeInfo fan-out with one faulty peer.
func TestScenarioNodeInfoFanoutWithFaultyPeer(t *testing.T) {
	pool, err := NewPool(testConfig())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	listener := &recordingListener{}
	pool.SetListener(listener)

	var mu sync.Mutex
	received := map[string]nodeinfo.DiscoveredAttributes{}

	makeGoodSocket := func(id string) *fakeSocket {
		s := newFakeSocket()
		s.sendFunc = func(pkt wire.Packet) error {
			mu.Lock()
			defer mu.Unlock()
			received[id], _ = decodeAttrs(pkt.Data)
			return nil
		}
		return s
	}

	ids := []string{"1.1.1.1:5000", "2.2.2.2:5000", "3.3.3.3:5000"}
	for i, id := range ids {
		info := nodeinfo.PeerInfo{IPAddress: hostOf(id), WSPort: 5000}
		sock := makeGoodSocket(id)
		if i == 2 {
			sock.sendFunc = func(wire.Packet) error { return errors.New("send failed") }
		}
		if _, err := pool.AddInboundPeer(info, sock); err != nil {
			t.Fatalf("AddInboundPeer(%s): %v", id, err)
		}
	}

	pool.ApplyNodeInfo(nodeinfo.NodeInfo{Version: "2.0.0", Height: 99})

	waitFor(t, time.Second, func() bool {
		_, _, _, _, _, failedPush, _ := listener.counts()
		return failedPush == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Errorf("received pushes = %d, want 2", len(received))
	}
	for id, attrs := range received {
		if attrs.Version != "2.0.0" || attrs.Height != 99 {
			t.Errorf("peer %s got %+v, want version 2.0.0 height 99", id, attrs)
		}
	}
}

// Scenario 6: duplicate outbound.
func TestScenarioDuplicateOutbound(t *testing.T) {
	cfg := testConfig()
	sock := newFakeSocket()
	cfg.Dial = func(ctx context.Context, info nodeinfo.PeerInfo) (wire.Socket, error) {
		return sock, nil
	}
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	listener := &recordingListener{}
	pool.SetListener(listener)

	first := nodeinfo.PeerInfo{IPAddress: "1.2.3.4", WSPort: 5000, Attributes: nodeinfo.DiscoveredAttributes{Height: 10}}
	second := nodeinfo.PeerInfo{IPAddress: "1.2.3.4", WSPort: 5000, Attributes: nodeinfo.DiscoveredAttributes{Height: 20}}

	pc1, err := pool.AddOutboundPeer("X", first, nil)
	if err != nil {
		t.Fatalf("AddOutboundPeer #1: %v", err)
	}
	if err := pc1.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pc2, err := pool.AddOutboundPeer("X", second, nil)
	if err != nil {
		t.Fatalf("AddOutboundPeer #2: %v", err)
	}
	if pc1 != pc2 {
		t.Fatalf("expected the same connection to be returned on re-add")
	}

	if len(pool.GetPeers()) != 1 {
		t.Fatalf("map size = %d, want 1", len(pool.GetPeers()))
	}
	if got := pc2.PeerInfo().Attributes.Height; got != 20 {
		t.Errorf("stored height = %d, want 20", got)
	}

	sock.messages <- wire.Packet{Name: "tick"}
	waitFor(t, time.Second, func() bool {
		return listener.messagesReceivedCount() == 1
	})
}

func (r *recordingListener) messagesReceivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messagesReceived
}

func decodeAttrs(data []byte) (nodeinfo.DiscoveredAttributes, error) {
	return nodeinfo.ReadDiscoveredAttributes(bytes.NewReader(data))
}
