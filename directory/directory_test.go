package directory

import (
	"testing"

	"github.com/dblokhin/peerpool/nodeinfo"
)

func TestBucketDeterministic(t *testing.T) {
	secret := []byte("fixed-test-secret-fixed-test-se")
	d1 := newWithSecret(DefaultBucketCount, DefaultBucketSize, secret)
	d2 := newWithSecret(DefaultBucketCount, DefaultBucketSize, secret)

	for _, ip := range []string{"1.1.1.1", "8.8.8.8", "192.168.1.1"} {
		if d1.bucket(ip) != d2.bucket(ip) {
			t.Errorf("bucket(%q) not deterministic across same-secret directories", ip)
		}
	}
}

func TestAddFindRemove(t *testing.T) {
	d, err := New(0, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p := nodeinfo.PeerInfo{IPAddress: "10.0.0.1", WSPort: 5000}
	d.Add(New, p)

	got, ok := d.Find(New, p.PeerID())
	if !ok || got.PeerID() != p.PeerID() {
		t.Fatalf("Find did not return added peer")
	}

	d.Remove(New, p.PeerID())
	if _, ok := d.Find(New, p.PeerID()); ok {
		t.Errorf("peer still present after Remove")
	}
}

func TestMoveToTried(t *testing.T) {
	d, err := New(0, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	p := nodeinfo.PeerInfo{IPAddress: "10.0.0.2", WSPort: 5000}
	d.Add(New, p)
	d.MoveToTried(p)

	if _, ok := d.Find(New, p.PeerID()); ok {
		t.Errorf("peer still in new tier after MoveToTried")
	}
	if _, ok := d.Find(Tried, p.PeerID()); !ok {
		t.Errorf("peer missing from tried tier after MoveToTried")
	}
}

func TestBucketEvictionKeepsSizeBounded(t *testing.T) {
	d, err := New(1, 4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		d.Add(New, nodeinfo.PeerInfo{IPAddress: "10.0.0.1", WSPort: uint16(5000 + i)})
	}

	if got := len(d.Get(New)); got > 4 {
		t.Errorf("bucket grew beyond bucketSize: got %d entries", got)
	}
}
