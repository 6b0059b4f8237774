package pairing

import (
	"sort"
	"testing"
)

func TestLinkAndAreLinked(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")

	if !g.AreLinked("d1", "m1") {
		t.Error("AreLinked(d1, m1) = false, want true")
	}
	if !g.AreLinked("m1", "d1") {
		t.Error("AreLinked(m1, d1) = false, want true (order-independent)")
	}
	if g.AreLinked("d1", "m2") {
		t.Error("AreLinked(d1, m2) = true, want false")
	}
}

func TestLinkReplacesExistingRelation(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")
	g.Link("u1", "d1", "m1")

	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (duplicate link should replace)", g.Len())
	}
}

func TestUnlinkRemovesRelation(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")
	g.Unlink("d1", "m1")

	if g.AreLinked("d1", "m1") {
		t.Error("AreLinked() after Unlink() = true, want false")
	}
	if g.Len() != 0 {
		t.Errorf("Len() after Unlink() = %d, want 0", g.Len())
	}
}

func TestUnlinkOnlyAffectsMatchingPair(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")
	g.Link("u1", "d1", "m2")
	g.Unlink("d1", "m1")

	if g.AreLinked("d1", "m1") {
		t.Error("unlinked pair d1/m1 should be gone")
	}
	if !g.AreLinked("d1", "m2") {
		t.Error("unrelated pair d1/m2 should survive")
	}
}

func TestPeerOf(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")
	g.Link("u1", "d1", "m2")
	g.Link("u2", "d9", "m9")

	peers := g.PeerOf("u1", "d1")
	sort.Strings(peers)
	if len(peers) != 2 || peers[0] != "m1" || peers[1] != "m2" {
		t.Errorf("PeerOf(u1, d1) = %v, want [m1 m2]", peers)
	}

	mobilePeers := g.PeerOf("u1", "m1")
	if len(mobilePeers) != 1 || mobilePeers[0] != "d1" {
		t.Errorf("PeerOf(u1, m1) = %v, want [d1]", mobilePeers)
	}

	if peers := g.PeerOf("u2", "d1"); len(peers) != 0 {
		t.Errorf("PeerOf across users leaked: %v", peers)
	}
}

func TestDesktopsForUser(t *testing.T) {
	g := New()
	g.Link("u1", "d1", "m1")
	g.Link("u1", "d1", "m2")
	g.Link("u1", "d2", "m3")
	g.Link("u2", "d9", "m9")

	desktops := g.DesktopsForUser("u1")
	sort.Strings(desktops)
	if len(desktops) != 2 || desktops[0] != "d1" || desktops[1] != "d2" {
		t.Errorf("DesktopsForUser(u1) = %v, want [d1 d2]", desktops)
	}
}
