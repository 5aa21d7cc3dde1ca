package dht

import (
	"bytes"
	"net"
	"testing"
)

func TestGenerateNodeID(t *testing.T) {
	id1, err := GenerateNodeID()
	if err != nil {
		t.Fatalf("GenerateNodeID failed: %v", err)
	}
	id2, err := GenerateNodeID()
	if err != nil {
		t.Fatalf("GenerateNodeID failed: %v", err)
	}
	if id1 == id2 {
		t.Error("generated ids should be different")
	}
}

func TestDistance(t *testing.T) {
	var a, b NodeID
	a[0] = 0xFF
	b[0] = 0x0F

	dist := Distance(a, b)
	if dist[0] != 0xF0 {
		t.Errorf("Distance: got 0x%02X, want 0xF0", dist[0])
	}

	if d := Distance(a, a); d != (NodeID{}) {
		t.Error("distance to self should be zero")
	}
}

func TestLeadingZeros(t *testing.T) {
	tests := []struct {
		id   NodeID
		want int
	}{
		{NodeID{0xFF}, 0},
		{NodeID{0x7F}, 1},
		{NodeID{0x01}, 7},
		{NodeID{0x00, 0xFF}, 8},
		{NodeID{0x00, 0x01}, 15},
		{NodeID{}, 160},
	}
	for _, tc := range tests {
		if got := tc.id.LeadingZeros(); got != tc.want {
			t.Errorf("LeadingZeros(%v) = %d, want %d", tc.id[:4], got, tc.want)
		}
	}
}

func TestBucketIndex(t *testing.T) {
	var self NodeID
	self[0] = 0x80

	var other1 NodeID
	other1[0] = 0xC0 // XOR = 0x40 -> 1 leading zero
	if idx := BucketIndex(self, other1); idx != 1 {
		t.Errorf("BucketIndex = %d, want 1", idx)
	}

	var other2 NodeID
	other2[0] = 0x00 // XOR = 0x80 -> 0 leading zeros
	if idx := BucketIndex(self, other2); idx != 0 {
		t.Errorf("BucketIndex = %d, want 0", idx)
	}
}

func TestTopicFromKeyDeterministic(t *testing.T) {
	a := TopicFromKey([]byte("my-app/v1"))
	b := TopicFromKey([]byte("my-app/v1"))
	if a != b {
		t.Error("TopicFromKey should be deterministic for the same input")
	}

	c := TopicFromKey([]byte("my-app/v2"))
	if a == c {
		t.Error("TopicFromKey should differ for different inputs")
	}
}

func TestEncodeDecodePeer(t *testing.T) {
	p := PeerRecord{IP: net.IPv4(192, 168, 1, 1), Port: 6881}

	enc, err := EncodePeer(p)
	if err != nil {
		t.Fatalf("EncodePeer failed: %v", err)
	}
	if len(enc) != 6 {
		t.Fatalf("compact peer length = %d, want 6", len(enc))
	}

	got, err := DecodePeer(enc)
	if err != nil {
		t.Fatalf("DecodePeer failed: %v", err)
	}
	if !got.IP.Equal(p.IP) || got.Port != p.Port {
		t.Errorf("DecodePeer = %+v, want %+v", got, p)
	}
}

func TestDecodePeers(t *testing.T) {
	peers := []PeerRecord{
		{IP: net.IPv4(10, 0, 0, 1), Port: 1},
		{IP: net.IPv4(10, 0, 0, 2), Port: 2},
	}
	var data []byte
	for _, p := range peers {
		enc, err := EncodePeer(p)
		if err != nil {
			t.Fatalf("EncodePeer failed: %v", err)
		}
		data = append(data, enc...)
	}

	got, err := DecodePeers(data)
	if err != nil {
		t.Fatalf("DecodePeers failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("DecodePeers returned %d peers, want 2", len(got))
	}
	for i, p := range got {
		if !p.IP.Equal(peers[i].IP) || p.Port != peers[i].Port {
			t.Errorf("peer %d = %+v, want %+v", i, p, peers[i])
		}
	}
}

func TestDecodePeersBadLength(t *testing.T) {
	if _, err := DecodePeers([]byte{1, 2, 3}); err == nil {
		t.Error("DecodePeers should reject a length not divisible by 6")
	}
}

func TestCompactIPv4RoundTrip(t *testing.T) {
	n := &Node{
		ID:   NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
	}

	compact, err := n.CompactIPv4()
	if err != nil {
		t.Fatalf("CompactIPv4 failed: %v", err)
	}
	if len(compact) != 26 {
		t.Fatalf("compact node length = %d, want 26", len(compact))
	}

	parsed, err := ParseCompactNode(compact)
	if err != nil {
		t.Fatalf("ParseCompactNode failed: %v", err)
	}
	if parsed.ID != n.ID {
		t.Error("id mismatch")
	}
	if !parsed.Addr.IP.Equal(n.Addr.IP) || parsed.Addr.Port != n.Addr.Port {
		t.Errorf("addr mismatch: got %v, want %v", parsed.Addr, n.Addr)
	}
}

func TestParseCompactNodes(t *testing.T) {
	nodes := make([]*Node, 3)
	for i := range nodes {
		var id NodeID
		id[0] = byte(i + 1)
		nodes[i] = &Node{
			ID:   id,
			Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, byte(i+1)), Port: 6881 + i},
		}
	}

	data := EncodeNodes(nodes)

	parsed, err := ParseCompactNodes(data)
	if err != nil {
		t.Fatalf("ParseCompactNodes failed: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("got %d nodes, want 3", len(parsed))
	}
	for i, p := range parsed {
		if p.ID != nodes[i].ID {
			t.Errorf("node %d id mismatch", i)
		}
	}
}

func TestParseCompactNodesBadLength(t *testing.T) {
	if _, err := ParseCompactNodes([]byte{1, 2, 3}); err == nil {
		t.Error("ParseCompactNodes should reject a length not divisible by 26")
	}
}

func TestNodeString(t *testing.T) {
	n := &Node{
		ID:   NodeID{0xDE, 0xAD, 0xBE, 0xEF},
		Addr: &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
	}
	s := n.String()
	if !bytes.Contains([]byte(s), []byte("deadbeef")) {
		t.Errorf("String() = %q, want it to contain the id prefix", s)
	}
}
