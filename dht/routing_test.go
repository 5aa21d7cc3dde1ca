package dht

import (
	"net"
	"testing"
)

func TestRoutingTableInsertFindRemove(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTable(self)

	var nodeID NodeID
	nodeID[0] = self[0] ^ 0x80
	node := &Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881}}

	if !rt.Insert(node) {
		t.Error("Insert should succeed")
	}
	if rt.Size() != 1 {
		t.Errorf("Size = %d, want 1", rt.Size())
	}

	if found := rt.Find(nodeID); found == nil {
		t.Error("Find should locate the inserted node")
	}

	rt.Remove(nodeID)
	if rt.Size() != 0 {
		t.Errorf("Size after Remove = %d, want 0", rt.Size())
	}
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTable(self)

	if rt.Insert(&Node{ID: self, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}}) {
		t.Error("Insert should reject the table's own id")
	}
	if rt.Size() != 0 {
		t.Errorf("Size = %d, want 0", rt.Size())
	}
}

func TestRoutingTableInsertRefreshesExisting(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTable(self)

	var nodeID NodeID
	nodeID[0] = self[0] ^ 0x80
	rt.Insert(&Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}})
	rt.Insert(&Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 2}})

	if rt.Size() != 1 {
		t.Errorf("Size = %d, want 1 (re-insert should refresh, not duplicate)", rt.Size())
	}
	found := rt.Find(nodeID)
	if found == nil || !found.Addr.IP.Equal(net.IPv4(10, 0, 0, 2)) {
		t.Errorf("Find after refresh = %+v, want addr 10.0.0.2", found)
	}
}

func TestRoutingTableClosest(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTable(self)

	for i := range 20 {
		var nodeID NodeID
		nodeID[0] = byte(i)
		nodeID[19] = byte(i)
		rt.Insert(&Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, byte(i+1)), Port: 6881}})
	}

	var target NodeID
	target[0] = 5
	closest := rt.Closest(target, 8)

	if len(closest) != 8 {
		t.Fatalf("Closest returned %d nodes, want 8", len(closest))
	}
	for i := 1; i < len(closest); i++ {
		if compareDistance(closest[i].ID, closest[i-1].ID, target) < 0 {
			t.Error("Closest did not return nodes sorted by distance")
		}
	}
}

func TestRoutingTableInsertEvictsLeastRecentlySeen(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTableWithBucketSize(self, 4)

	var first NodeID
	var inserted []NodeID
	for i := range 4 {
		var nodeID NodeID
		nodeID[0] = self[0] ^ 0x80 // force the same bucket
		nodeID[19] = byte(i)
		if i == 0 {
			first = nodeID
		}
		if !rt.Insert(&Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, byte(i+1)), Port: 6881}}) {
			t.Fatalf("Insert %d should succeed on a non-full bucket", i)
		}
		inserted = append(inserted, nodeID)
	}
	if rt.Size() != 4 {
		t.Fatalf("Size = %d, want 4", rt.Size())
	}

	// Bucket is now full; one more insert must evict the oldest (first).
	var nodeID NodeID
	nodeID[0] = self[0] ^ 0x80
	nodeID[19] = 0xFF
	if !rt.Insert(&Node{ID: nodeID, Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 9), Port: 6881}}) {
		t.Fatal("Insert into a full bucket should evict rather than fail")
	}

	if rt.Size() != 4 {
		t.Errorf("Size after eviction = %d, want 4", rt.Size())
	}
	if rt.Find(first) != nil {
		t.Error("least-recently-seen node should have been evicted")
	}
	for _, id := range inserted[1:] {
		if rt.Find(id) == nil {
			t.Errorf("node %x should not have been evicted", id[:4])
		}
	}
}

func TestRoutingTableStaleBuckets(t *testing.T) {
	self, _ := GenerateNodeID()
	rt := NewRoutingTable(self)

	if stale := rt.StaleBuckets(); len(stale) != 0 {
		t.Errorf("a fresh, empty table should report no stale buckets, got %d", len(stale))
	}
}
