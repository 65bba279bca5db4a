// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package peerpool is the core of the system: it owns the live-peer map,
// enforces inbound/outbound capacity, multiplexes every per-peer event
// onto a single subscriber surface, and drives discovery, eviction and
// bans. Everything else in this module — peerconn, wire, directory,
// discovery, selector — exists to be orchestrated from here.
package peerpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dblokhin/peerpool/discovery"
	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dblokhin/peerpool/peerconn"
	"github.com/dblokhin/peerpool/selector"
	"github.com/dblokhin/peerpool/wire"
)

// Pool owns the live-peer map and every peer-pool operation.
type Pool struct {
	config Config

	mu    sync.RWMutex
	peers map[string]*peerconn.PeerConnection

	nodeInfo atomic.Value // nodeinfo.NodeInfo

	listenerMu sync.RWMutex
	listener   Listener

	bgGroup *errgroup.Group
	bgCtx   context.Context
	bgStop  context.CancelFunc

	evictionTicker *time.Ticker
	evictionDone   chan struct{}
	evictionOnce   sync.Once
}

// NewPool constructs a Pool. The three selector functions are required;
// everything else falls back to its documented default.
func NewPool(config Config) (*Pool, error) {
	if config.SelectForSend == nil || config.SelectForRequest == nil || config.SelectForConnection == nil {
		return nil, errors.New("peerpool: SelectForSend, SelectForRequest and SelectForConnection are required")
	}
	config = config.applyDefaults()

	bgCtx, bgStop := context.WithCancel(context.Background())
	bgGroup, _ := errgroup.WithContext(bgCtx)
	bgGroup.SetLimit(config.MaxBackgroundConcurrency)

	p := &Pool{
		config:  config,
		peers:   make(map[string]*peerconn.PeerConnection),
		bgGroup: bgGroup,
		bgCtx:   bgCtx,
		bgStop:  bgStop,
	}
	p.nodeInfo.Store(nodeinfo.NodeInfo{})

	if config.OutboundEvictionInterval > 0 {
		p.evictionTicker = time.NewTicker(config.OutboundEvictionInterval)
		p.evictionDone = make(chan struct{})
		go p.runEvictionLoop()
	}

	return p, nil
}

// SetListener registers the pool's single event sink.
func (p *Pool) SetListener(l Listener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	if l == nil {
		l = NopListener{}
	}
	p.listener = l
}

func (p *Pool) emit() Listener {
	p.listenerMu.RLock()
	defer p.listenerMu.RUnlock()
	if p.listener == nil {
		return NopListener{}
	}
	return p.listener
}

// NodeInfo returns the last value stored via ApplyNodeInfo; reads never
// block on the peer-map mutex.
func (p *Pool) NodeInfo() nodeinfo.NodeInfo {
	return p.nodeInfo.Load().(nodeinfo.NodeInfo)
}

// ApplyNodeInfo stores info and asynchronously pushes it to every current
// peer. Per-peer failures emit failedToPushNodeInfo; the call itself
// never fails.
func (p *Pool) ApplyNodeInfo(info nodeinfo.NodeInfo) {
	p.nodeInfo.Store(info)

	for _, pc := range p.GetPeers() {
		pc := pc
		p.bgGroup.Go(func() error {
			if err := pc.ApplyNodeInfo(info); err != nil {
				p.emit().OnFailedToPushNodeInfo(pc.ID(), err)
			}
			return nil
		})
	}
}

// Request runs selectForRequest with limit 1 and forwards to
// RequestFromPeer.
func (p *Pool) Request(ctx context.Context, pkt wire.Packet) (wire.Packet, error) {
	candidates := p.connectedCandidates()
	selected := p.config.SelectForRequest(selector.ForRequestArgs{
		Peers:         candidates,
		NodeInfo:      p.NodeInfo(),
		PeerLimit:     1,
		RequestPacket: pkt,
	})
	if len(selected) == 0 {
		return wire.Packet{}, fmt.Errorf("%w: no peers found in peer selection", ErrRequestFail)
	}
	return p.RequestFromPeer(ctx, pkt, selected[0].ID)
}

// RequestFromPeer forwards pkt directly to peerID.
func (p *Pool) RequestFromPeer(ctx context.Context, pkt wire.Packet, peerID string) (wire.Packet, error) {
	pc, ok := p.GetPeer(peerID)
	if !ok {
		return wire.Packet{}, ErrRequestFail
	}
	return pc.Request(ctx, pkt)
}

// Send runs selectForSend with sendPeerLimit and forwards to SendToPeer
// on each selected peer. Per-peer failures are reported via
// OnFailedToSend, never returned.
func (p *Pool) Send(pkt wire.Packet) {
	candidates := p.connectedCandidates()
	selected := p.config.SelectForSend(selector.ForSendArgs{
		Peers:         candidates,
		NodeInfo:      p.NodeInfo(),
		PeerLimit:     p.config.SendPeerLimit,
		MessagePacket: pkt,
	})

	for _, c := range selected {
		if err := p.SendToPeer(pkt, c.ID); err != nil {
			p.emit().OnFailedToSend(c.ID, err)
		}
	}
}

// SendToPeer sends pkt directly to peerID.
func (p *Pool) SendToPeer(pkt wire.Packet, peerID string) error {
	pc, ok := p.GetPeer(peerID)
	if !ok {
		return ErrSendFail
	}
	if err := pc.Send(pkt); err != nil {
		return ErrSendFail
	}
	return nil
}

// AddInboundPeer inserts an already-accepted socket as an inbound peer.
// If the inbound set is at capacity, one random inbound peer is evicted
// first. Fails with ErrDuplicatePeer if the peerId is already present.
func (p *Pool) AddInboundPeer(info nodeinfo.PeerInfo, socket wire.Socket) (*peerconn.PeerConnection, error) {
	id := info.PeerID()

	p.mu.Lock()
	if _, exists := p.peers[id]; exists {
		p.mu.Unlock()
		return nil, ErrDuplicatePeer
	}
	var victim *peerconn.PeerConnection
	if p.config.MaxInboundConnections > 0 && p.countLocked(peerconn.Inbound) >= p.config.MaxInboundConnections {
		victim = p.randomPeerLocked(peerconn.Inbound)
	}
	p.mu.Unlock()

	if victim != nil {
		// Disconnect blocks until the victim's own close event has fired
		// and removed it from the map, so this never races the insert
		// below into exceeding the inbound cap.
		victim.Disconnect()
	}

	pc := peerconn.NewInbound(id, info, socket, p.config.peerConnConfig())
	pc.SetListener(&peerHandler{pool: p})

	p.mu.Lock()
	p.peers[id] = pc
	p.mu.Unlock()

	return pc, nil
}

// AddOutboundPeer is idempotent: if the peer already exists, its PeerInfo
// is updated and the existing connection is returned. Otherwise a new
// outbound connection is registered but not yet dialed — the caller
// decides when to Connect it (TriggerNewConnections and RunDiscovery
// kick it off in the background right away; FetchStatusAndCreatePeers
// connects it synchronously as part of its own fan-out).
func (p *Pool) AddOutboundPeer(peerID string, info nodeinfo.PeerInfo, socket wire.Socket) (*peerconn.PeerConnection, error) {
	pc, _, err := p.addOutboundPeer(peerID, info, socket)
	return pc, err
}

// addOutboundPeer is AddOutboundPeer's implementation, additionally
// reporting whether it created a new connection (as opposed to updating
// an existing one) so callers that need to kick off Connect exactly once
// don't have to re-check existence themselves after the fact.
func (p *Pool) addOutboundPeer(peerID string, info nodeinfo.PeerInfo, socket wire.Socket) (pc *peerconn.PeerConnection, created bool, err error) {
	if existing, ok := p.GetPeer(peerID); ok {
		existing.UpdatePeerInfo(info)
		return existing, false, nil
	}

	dial := p.config.Dial
	if socket != nil {
		taken := socket
		dial = func(ctx context.Context, _ nodeinfo.PeerInfo) (wire.Socket, error) {
			return taken, nil
		}
	}
	if dial == nil {
		return nil, false, errors.New("peerpool: no Dialer configured for outbound peers")
	}

	candidate := peerconn.NewOutbound(peerID, info, p.config.peerConnConfig(), dial)
	candidate.SetListener(&peerHandler{pool: p})

	p.mu.Lock()
	if existing, ok := p.peers[peerID]; ok {
		p.mu.Unlock()
		existing.UpdatePeerInfo(info)
		return existing, false, nil
	}
	p.peers[peerID] = candidate
	p.mu.Unlock()

	return candidate, true, nil
}

// connectAsync kicks off pc.Connect in the background, bounded by the
// pool's errgroup.
func (p *Pool) connectAsync(pc *peerconn.PeerConnection) {
	p.bgGroup.Go(func() error {
		pc.Connect(p.bgCtx)
		return nil
	})
}

// onConnectOutbound is the pool's reaction to a peerconn connectOutbound
// event: pull the remote's status and turn it into discoveredPeer or
// failedToFetchPeerInfo.
func (p *Pool) onConnectOutbound(pc *peerconn.PeerConnection) {
	p.bgGroup.Go(func() error {
		info, err := pc.FetchStatus(p.bgCtx)
		if err != nil {
			p.emit().OnFailedToFetchPeerInfo(pc.ID(), err)
			return nil
		}
		p.emit().OnDiscoveredPeer(info)
		return nil
	})
}

// FetchStatusAndCreatePeers dials every seed, fetches its status, and
// adds the ones that answer as outbound peers. Failures emit
// failedToFetchPeerInfo and are filtered from the returned slice.
func (p *Pool) FetchStatusAndCreatePeers(ctx context.Context, seeds []nodeinfo.PeerInfo) []nodeinfo.DiscoveredPeerInfo {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxBackgroundConcurrency)

	var mu sync.Mutex
	var result []nodeinfo.DiscoveredPeerInfo

	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			id := seed.PeerID()
			pc, created, err := p.addOutboundPeer(id, seed, nil)
			if err != nil {
				p.emit().OnFailedToFetchPeerInfo(id, err)
				return nil
			}
			if !created {
				// Already connected (or connecting) via some other path;
				// nothing left for this call to drive.
				return nil
			}
			if err := pc.Connect(gctx); err != nil {
				p.emit().OnFailedToFetchPeerInfo(id, err)
				return nil
			}

			info, err := pc.FetchStatus(gctx)
			if err != nil {
				p.emit().OnFailedToFetchPeerInfo(id, err)
				return nil
			}

			mu.Lock()
			result = append(result, info)
			mu.Unlock()
			return nil
		})
	}

	g.Wait()
	return result
}

// discoveryProber adapts a live PeerConnection to discovery.Prober.
type discoveryProber struct {
	pc *peerconn.PeerConnection
}

func (d discoveryProber) ID() string { return d.pc.ID() }

func (d discoveryProber) RequestPeerList(ctx context.Context) ([]nodeinfo.PeerInfo, error) {
	resp, err := d.pc.Request(ctx, wire.Packet{Name: discovery.GetPeersProcedure})
	if err != nil {
		return nil, err
	}
	return discovery.DecodePeerList(resp.Data)
}

// RunDiscovery ensures every knownPeer has an outbound entry, samples up
// to MaxPeerDiscoveryProbeSampleSize currently-connected peers, probes
// them, and updates the cached PeerInfo of any discovered peer already in
// the map. Discovery itself never fails; per-probe failures emit
// failedToFetchPeerInfo.
func (p *Pool) RunDiscovery(ctx context.Context, knownPeers []nodeinfo.PeerInfo, blacklist []string) []nodeinfo.DiscoveredPeerInfo {
	for _, known := range knownPeers {
		pc, created, err := p.addOutboundPeer(known.PeerID(), known, nil)
		if err != nil {
			p.emit().OnFailedToFetchPeerInfo(known.PeerID(), err)
			continue
		}
		if created {
			p.connectAsync(pc)
		}
	}

	var live []*peerconn.PeerConnection
	for _, pc := range p.GetPeers() {
		if pc.State() == peerconn.StateConnected {
			live = append(live, pc)
		}
	}

	sample := randomPeerSample(live, discovery.MaxPeerDiscoveryProbeSampleSize)
	probers := make([]discovery.Prober, len(sample))
	for i, pc := range sample {
		probers[i] = discoveryProber{pc: pc}
	}

	discovered := discovery.Run(ctx, probers, blacklist, func(peerID string, err error) {
		p.emit().OnFailedToFetchPeerInfo(peerID, err)
	})

	result := make([]nodeinfo.DiscoveredPeerInfo, 0, len(discovered))
	for _, info := range discovered {
		if existing, ok := p.GetPeer(info.PeerID()); ok {
			existing.UpdatePeerInfo(info)
		}
		result = append(result, nodeinfo.DiscoveredPeerInfo{PeerInfo: info})
	}
	return result
}

// TriggerNewConnections filters candidates already present in the map,
// runs selectForConnection with the remaining outbound headroom, adds
// the chosen ones as outbound peers and starts dialing each of them in
// the background.
func (p *Pool) TriggerNewConnections(candidates []nodeinfo.PeerInfo) {
	if p.config.MaxOutboundConnections <= 0 {
		return
	}

	p.mu.RLock()
	fresh := make([]nodeinfo.PeerInfo, 0, len(candidates))
	for _, c := range candidates {
		if _, exists := p.peers[c.PeerID()]; !exists {
			fresh = append(fresh, c)
		}
	}
	outboundCount := p.countLocked(peerconn.Outbound)
	p.mu.RUnlock()

	limit := p.config.MaxOutboundConnections - outboundCount
	if limit <= 0 {
		return
	}

	asCandidates := make([]selector.Candidate, len(fresh))
	for i, c := range fresh {
		asCandidates[i] = selector.Candidate{ID: c.PeerID(), Info: c}
	}

	selected := p.config.SelectForConnection(selector.ForConnectionArgs{Peers: asCandidates, PeerLimit: limit})
	for _, c := range selected {
		pc, created, err := p.addOutboundPeer(c.ID, c.Info, nil)
		if err == nil && created {
			p.connectAsync(pc)
		}
	}
}

// RemovePeer removes peerID from the map, then unsubscribes and
// disconnects it. Returns false if the peer was not present. Because the
// listener is cleared before Disconnect runs, a host-initiated removal
// does not also surface a closeOutbound/closeInbound event — the host
// already knows it removed the peer.
func (p *Pool) RemovePeer(peerID string) bool {
	p.mu.Lock()
	pc, ok := p.peers[peerID]
	if ok {
		delete(p.peers, peerID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	pc.SetListener(peerconn.NopListener{})
	pc.Disconnect()
	return true
}

// removeFromMap is the close-event path: delete-if-present, used so the
// map stays authoritative the instant a peer's close event fires,
// regardless of whether the closure originated locally or from the
// remote.
func (p *Pool) removeFromMap(peerID string) {
	p.mu.Lock()
	delete(p.peers, peerID)
	p.mu.Unlock()
}

// ApplyPenalty forwards weight to peerID's connection. Fails with
// ErrPeerNotFound if the peer is absent.
func (p *Pool) ApplyPenalty(peerID string, weight int32) error {
	pc, ok := p.GetPeer(peerID)
	if !ok {
		return ErrPeerNotFound
	}
	pc.ApplyPenalty(weight)
	return nil
}

// GetPeer returns the live connection for peerID, if any.
func (p *Pool) GetPeer(peerID string) (*peerconn.PeerConnection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.peers[peerID]
	return pc, ok
}

// HasPeer reports whether peerID is currently in the map.
func (p *Pool) HasPeer(peerID string) bool {
	_, ok := p.GetPeer(peerID)
	return ok
}

// GetPeers returns every live connection, inbound and outbound.
func (p *Pool) GetPeers() []*peerconn.PeerConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*peerconn.PeerConnection, 0, len(p.peers))
	for _, pc := range p.peers {
		out = append(out, pc)
	}
	return out
}

// GetPeersByKind returns every live connection of the given kind.
func (p *Pool) GetPeersByKind(kind peerconn.Kind) []*peerconn.PeerConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*peerconn.PeerConnection
	for _, pc := range p.peers {
		if pc.Kind() == kind {
			out = append(out, pc)
		}
	}
	return out
}

// GetAllPeerInfos returns a snapshot of every live peer's advertised
// PeerInfo.
func (p *Pool) GetAllPeerInfos() []nodeinfo.PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]nodeinfo.PeerInfo, 0, len(p.peers))
	for _, pc := range p.peers {
		out = append(out, pc.PeerInfo())
	}
	return out
}

// GetPeersCountPerKind returns the current inbound and outbound counts.
func (p *Pool) GetPeersCountPerKind() (inbound, outbound int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.countLocked(peerconn.Inbound), p.countLocked(peerconn.Outbound)
}

// RemoveAllPeers cancels the outbound-shuffle timer and any in-flight
// background tasks, then initiates a disconnect for every peer. It is
// synchronous only in that every disconnect has been started before it
// returns; socket teardown itself is best-effort.
func (p *Pool) RemoveAllPeers() {
	p.stopEviction()
	p.bgStop()

	p.mu.Lock()
	pcs := make([]*peerconn.PeerConnection, 0, len(p.peers))
	for id, pc := range p.peers {
		pcs = append(pcs, pc)
		delete(p.peers, id)
	}
	p.mu.Unlock()

	for _, pc := range pcs {
		pc.SetListener(peerconn.NopListener{})
		go pc.Disconnect()
	}
}

// connectedCandidates snapshots every Connected peer as a selector
// Candidate.
func (p *Pool) connectedCandidates() []selector.Candidate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]selector.Candidate, 0, len(p.peers))
	for id, pc := range p.peers {
		if pc.State() != peerconn.StateConnected {
			continue
		}
		out = append(out, selector.Candidate{ID: id, Info: pc.PeerInfo()})
	}
	return out
}

// countLocked counts peers of kind. Callers must hold p.mu.
func (p *Pool) countLocked(kind peerconn.Kind) int {
	n := 0
	for _, pc := range p.peers {
		if pc.Kind() == kind {
			n++
		}
	}
	return n
}

// randomPeerLocked returns a uniformly random peer of kind, or nil if
// none exist. Callers must hold p.mu.
func (p *Pool) randomPeerLocked(kind peerconn.Kind) *peerconn.PeerConnection {
	var candidates []*peerconn.PeerConnection
	for _, pc := range p.peers {
		if pc.Kind() == kind {
			candidates = append(candidates, pc)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// randomPeerSample returns up to n distinct entries from peers in random
// order.
func randomPeerSample(peers []*peerconn.PeerConnection, n int) []*peerconn.PeerConnection {
	if len(peers) == 0 {
		return nil
	}
	if n > len(peers) {
		n = len(peers)
	}
	shuffled := make([]*peerconn.PeerConnection, len(peers))
	copy(shuffled, peers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// runEvictionLoop evicts one random outbound peer per tick, the periodic
// "shuffle" that keeps the outbound set from going stale. Only outbound
// peers are ever shuffled; inbound connections are left to the remote
// side to manage.
func (p *Pool) runEvictionLoop() {
	for {
		select {
		case <-p.evictionTicker.C:
			p.mu.Lock()
			victim := p.randomPeerLocked(peerconn.Outbound)
			p.mu.Unlock()
			if victim != nil {
				victim.Disconnect()
			}
		case <-p.evictionDone:
			return
		}
	}
}

func (p *Pool) stopEviction() {
	p.evictionOnce.Do(func() {
		if p.evictionTicker != nil {
			p.evictionTicker.Stop()
			close(p.evictionDone)
		}
	})
}
