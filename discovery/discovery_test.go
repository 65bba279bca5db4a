// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/dblokhin/peerpool/nodeinfo"
)

type fakeProber struct {
	id    string
	peers []nodeinfo.PeerInfo
	err   error
}

func (f fakeProber) ID() string { return f.id }

func (f fakeProber) RequestPeerList(ctx context.Context) ([]nodeinfo.PeerInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.peers, nil
}

func TestRunFiltersBlacklistAndDedups(t *testing.T) {
	a := fakeProber{
		id: "10.0.0.1:5000",
		peers: []nodeinfo.PeerInfo{
			{IPAddress: "10.0.0.2", WSPort: 5000},
			{IPAddress: "10.0.0.3", WSPort: 5000},
		},
	}

	got := Run(context.Background(), []Prober{a}, []string{"10.0.0.2"}, nil)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].IPAddress != "10.0.0.3" {
		t.Errorf("got[0].IPAddress = %q, want 10.0.0.3", got[0].IPAddress)
	}
}

func TestRunDedupsAcrossPeers(t *testing.T) {
	a := fakeProber{id: "p-a", peers: []nodeinfo.PeerInfo{{IPAddress: "10.0.0.5", WSPort: 5000}}}
	b := fakeProber{id: "p-b", peers: []nodeinfo.PeerInfo{{IPAddress: "10.0.0.5", WSPort: 5000}}}

	got := Run(context.Background(), []Prober{a, b}, nil, nil)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 (deduped)", len(got))
	}
}

func TestRunSwallowsProbeFailuresAndReportsThem(t *testing.T) {
	bad := fakeProber{id: "p-bad", err: errors.New("timeout")}
	good := fakeProber{id: "p-good", peers: []nodeinfo.PeerInfo{{IPAddress: "10.0.0.9", WSPort: 5000}}}

	var failed []string
	got := Run(context.Background(), []Prober{bad, good}, nil, func(peerID string, err error) {
		failed = append(failed, peerID)
	})

	if len(got) != 1 || got[0].IPAddress != "10.0.0.9" {
		t.Fatalf("got = %+v, want one peer 10.0.0.9", got)
	}
	if len(failed) != 1 || failed[0] != "p-bad" {
		t.Errorf("failed = %v, want [p-bad]", failed)
	}
}

func TestRunCapsSampleSize(t *testing.T) {
	var sample []Prober
	for i := 0; i < MaxPeerDiscoveryProbeSampleSize+10; i++ {
		sample = append(sample, fakeProber{id: "x", err: errors.New("unreachable")})
	}
	// Every probe fails, so the failure callback counts the probes made.
	probed := 0
	_ = Run(context.Background(), sample, nil, func(string, error) { probed++ })
	if probed != MaxPeerDiscoveryProbeSampleSize {
		t.Errorf("probed %d peers, want %d", probed, MaxPeerDiscoveryProbeSampleSize)
	}
}

func TestEncodeDecodePeerListRoundTrip(t *testing.T) {
	peers := []nodeinfo.PeerInfo{
		{IPAddress: "10.0.0.1", WSPort: 5000},
		{IPAddress: "192.168.1.1", WSPort: 9001},
	}

	data := EncodePeerList(peers)
	got, err := DecodePeerList(data)
	if err != nil {
		t.Fatalf("DecodePeerList: %v", err)
	}
	if len(got) != len(peers) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(peers))
	}
	for i := range peers {
		if got[i] != peers[i] {
			t.Errorf("got[%d] = %+v, want %+v", i, got[i], peers[i])
		}
	}
}

func TestDecodePeerListTruncated(t *testing.T) {
	if _, err := DecodePeerList([]byte{0, 0}); err == nil {
		t.Fatal("expected error on truncated buffer")
	}
}
