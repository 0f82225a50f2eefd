package peer_test

import (
	"testing"
	"time"

	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/testutil"
)

func testID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestTable(t *testing.T) {
	t.Run("upsert preserves reputation and session key", func(t *testing.T) {
		tbl := peer.NewTable()
		id := testID(1)

		fresh := tbl.Upsert(peer.Peer{NodeID: id, Address: "10.0.0.2", Port: 7777})
		if !fresh {
			t.Errorf("first Upsert() = false, want true")
		}
		tbl.SetSessionKey(id, []byte("session-key"))
		tbl.Penalize(id, 10)

		fresh = tbl.Upsert(peer.Peer{NodeID: id, Address: "10.0.0.3", Port: 7778})
		if fresh {
			t.Errorf("second Upsert() = true, want false")
		}

		got := tbl.Get(id)
		if got.Address != "10.0.0.3" || got.Port != 7778 {
			t.Errorf("address not refreshed: %s:%d", got.Address, got.Port)
		}
		if got.Reputation != peer.StartingReputation-10 {
			t.Errorf("Reputation = %d, want %d", got.Reputation, peer.StartingReputation-10)
		}
		if string(got.SessionKey) != "session-key" {
			t.Errorf("session key lost on refresh")
		}
	})

	t.Run("prunes peers past the liveness window", func(t *testing.T) {
		clock := testutil.FixedClock()
		tbl := peer.NewTableWithClock(90*time.Second, clock.Now)

		stale := testID(1)
		live := testID(2)
		tbl.Upsert(peer.Peer{NodeID: stale})
		clock.Advance(60 * time.Second)
		tbl.Upsert(peer.Peer{NodeID: live})
		clock.Advance(45 * time.Second)

		removed := tbl.PruneDead()
		if len(removed) != 1 || removed[0] != stale {
			t.Fatalf("PruneDead() = %v, want [%s]", removed, stale.Short())
		}

		active := tbl.GetActive()
		if len(active) != 1 || active[0].NodeID != live {
			t.Errorf("GetActive() kept wrong peers: %v", active)
		}
	})

	t.Run("touch extends liveness", func(t *testing.T) {
		clock := testutil.FixedClock()
		tbl := peer.NewTableWithClock(90*time.Second, clock.Now)

		id := testID(3)
		tbl.Upsert(peer.Peer{NodeID: id})
		clock.Advance(80 * time.Second)
		tbl.Touch(id)
		clock.Advance(80 * time.Second)

		if len(tbl.GetActive()) != 1 {
			t.Errorf("touched peer was pruned")
		}
	})

	t.Run("reputation never drops below zero", func(t *testing.T) {
		tbl := peer.NewTable()
		id := testID(4)
		tbl.Upsert(peer.Peer{NodeID: id})

		if got := tbl.Get(id).Reputation; got != peer.StartingReputation {
			t.Errorf("new peer Reputation = %d, want %d", got, peer.StartingReputation)
		}
		tbl.Penalize(id, 1000)
		if got := tbl.Get(id).Reputation; got != 0 {
			t.Errorf("Reputation after big penalty = %d, want 0", got)
		}
	})

	t.Run("get returns a copy", func(t *testing.T) {
		tbl := peer.NewTable()
		id := testID(5)
		tbl.Upsert(peer.Peer{NodeID: id, Address: "10.0.0.9"})

		got := tbl.Get(id)
		got.Address = "mutated"
		if tbl.Get(id).Address != "10.0.0.9" {
			t.Errorf("Get() exposed internal state")
		}
	})

	t.Run("summaries cover active peers", func(t *testing.T) {
		tbl := peer.NewTable()
		tbl.Upsert(peer.Peer{NodeID: testID(6), Address: "10.0.0.6", Port: 7777})
		tbl.Upsert(peer.Peer{NodeID: testID(7), Address: "10.0.0.7", Port: 7777})

		sums := tbl.Summaries()
		if len(sums) != 2 {
			t.Fatalf("Summaries() length = %d, want 2", len(sums))
		}
		if sums[0].NodeID >= sums[1].NodeID {
			t.Errorf("summaries not sorted by node id")
		}
	})
}
