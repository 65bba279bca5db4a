// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

// Package directory holds the two-tier catalog of known peer addresses —
// "new" (heard about, unverified) and "tried" (previously connected) —
// bucketed by a deterministic keyed hash of the peer's address. It is
// consulted by discovery and is independent from the pool's live-peer map.
package directory

import (
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sync"

	"github.com/dblokhin/peerpool/nodeinfo"
	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"
)

// DefaultBucketCount is the default number of buckets per tier.
const DefaultBucketCount = 256

// DefaultBucketSize is the maximum number of entries held per bucket.
const DefaultBucketSize = 64

// secretSize is the length of the random seed hashed down into the
// two-lane (k0, k1) SipHash key pair.
const secretSize = 32

// Directory is the two-tier new/tried peer catalog.
type Directory struct {
	mu sync.Mutex

	bucketCount int
	bucketSize  int
	k0, k1      uint64

	newBuckets   [][]nodeinfo.PeerInfo
	triedBuckets [][]nodeinfo.PeerInfo
}

// New builds a Directory with a fresh random bucketing secret.
func New(bucketCount, bucketSize int) (*Directory, error) {
	if bucketCount <= 0 {
		bucketCount = DefaultBucketCount
	}
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	return newWithSecret(bucketCount, bucketSize, secret), nil
}

func newWithSecret(bucketCount, bucketSize int, secret []byte) *Directory {
	digest := blake2b.Sum256(secret)
	k0 := binary.LittleEndian.Uint64(digest[0:8])
	k1 := binary.LittleEndian.Uint64(digest[8:16])

	return &Directory{
		bucketCount:  bucketCount,
		bucketSize:   bucketSize,
		k0:           k0,
		k1:           k1,
		newBuckets:   make([][]nodeinfo.PeerInfo, bucketCount),
		triedBuckets: make([][]nodeinfo.PeerInfo, bucketCount),
	}
}

// bucket deterministically maps an address to a bucket index using a
// keyed SipHash. Keying the hash with a per-directory secret keeps bucket
// assignment unpredictable to a remote trying to stuff a single bucket.
func (d *Directory) bucket(ipAddress string) int {
	h := siphash.Hash(d.k0, d.k1, []byte(ipAddress))
	return int(h % uint64(d.bucketCount))
}

// Tier selects which of the two tables an operation targets.
type Tier int

const (
	New Tier = iota
	Tried
)

func (d *Directory) table(tier Tier) [][]nodeinfo.PeerInfo {
	if tier == Tried {
		return d.triedBuckets
	}
	return d.newBuckets
}

// Add inserts peer into tier, evicting a random existing entry from its
// bucket if the bucket is already full. A peer already present (by
// PeerID) is left untouched.
func (d *Directory) Add(tier Tier, peer nodeinfo.PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	table := d.table(tier)
	idx := d.bucket(peer.IPAddress)
	bucket := table[idx]

	id := peer.PeerID()
	for _, existing := range bucket {
		if existing.PeerID() == id {
			return
		}
	}

	if len(bucket) >= d.bucketSize {
		evict := mathrand.Intn(len(bucket))
		bucket[evict] = bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
	}

	table[idx] = append(bucket, peer)
}

// Remove deletes peerID from tier, if present.
func (d *Directory) Remove(tier Tier, peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// peerID encodes ip:port; we only know ip after splitting, so scan
	// the bucket the ip maps to. Since we don't have the raw ip here, fall
	// back to a linear scan of all buckets — directories are small and
	// removal is not a hot path.
	table := d.table(tier)
	for idx, bucket := range table {
		for i, existing := range bucket {
			if existing.PeerID() == peerID {
				bucket[i] = bucket[len(bucket)-1]
				table[idx] = bucket[:len(bucket)-1]
				return
			}
		}
	}
}

// Find returns the stored PeerInfo for peerID in tier, if present.
func (d *Directory) Find(tier Tier, peerID string) (nodeinfo.PeerInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, bucket := range d.table(tier) {
		for _, existing := range bucket {
			if existing.PeerID() == peerID {
				return existing, true
			}
		}
	}
	return nodeinfo.PeerInfo{}, false
}

// Update replaces the stored PeerInfo for an existing entry, matched by
// PeerID. It is a no-op if the peer is not present in tier.
func (d *Directory) Update(tier Tier, peer nodeinfo.PeerInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := peer.PeerID()
	for _, bucket := range d.table(tier) {
		for i, existing := range bucket {
			if existing.PeerID() == id {
				bucket[i] = peer
				return
			}
		}
	}
}

// MoveToTried removes peerID from "new" (if present) and adds it to
// "tried" — the transition that happens on a successful fetchStatus.
func (d *Directory) MoveToTried(peer nodeinfo.PeerInfo) {
	d.Remove(New, peer.PeerID())
	d.Add(Tried, peer)
}

// Get returns every entry currently stored in tier, across all buckets.
func (d *Directory) Get(tier Tier) []nodeinfo.PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []nodeinfo.PeerInfo
	for _, bucket := range d.table(tier) {
		out = append(out, bucket...)
	}
	return out
}
