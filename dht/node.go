// Package dht implements a Kademlia-style DHT client over KRPC: a
// routing table keyed by 160-bit node ids, topic announce/lookup, and
// bootstrap against seed nodes.
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/blake2b"
)

// NodeID is a 160-bit identifier for a DHT node. A Topic is compared
// against NodeIDs through its last 20 bytes.
type NodeID [20]byte

// Topic is a 256-bit identifier that partitions the swarm: peers
// interested in the same topic look each other up under it.
type Topic [32]byte

// topicHashKey is the fixed application key BLAKE2b is keyed with when
// deriving a Topic, so that every node derives the same Topic from the
// same input.
var topicHashKey = []byte("swarmgo-topic-v1")

// TopicFromKey derives a Topic deterministically from arbitrary input
// bytes via a keyed BLAKE2b-256 hash.
func TopicFromKey(key []byte) Topic {
	h, err := blake2b.New256(topicHashKey)
	if err != nil {
		// blake2b.New256 only fails for an over-long key; topicHashKey
		// is a fixed, valid-length constant, so this is unreachable.
		panic(err)
	}
	h.Write(key)
	var t Topic
	copy(t[:], h.Sum(nil))
	return t
}

// PeerRecord is an IPv4 endpoint announced against a topic, the
// "compact peer" format: 6 bytes on the wire.
type PeerRecord struct {
	IP   net.IP
	Port uint16
}

// String renders the peer as "ip:port".
func (p PeerRecord) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// EncodePeer renders p as the 6-byte compact peer format.
func EncodePeer(p PeerRecord) ([]byte, error) {
	ip4 := p.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: not an IPv4 address: %s", p.IP)
	}
	buf := make([]byte, 6)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], p.Port)
	return buf, nil
}

// DecodePeer parses a 6-byte compact peer.
func DecodePeer(data []byte) (PeerRecord, error) {
	if len(data) != 6 {
		return PeerRecord{}, fmt.Errorf("dht: compact peer must be 6 bytes, got %d", len(data))
	}
	return PeerRecord{
		IP:   net.IP(data[:4]),
		Port: binary.BigEndian.Uint16(data[4:6]),
	}, nil
}

// DecodePeers parses a concatenated compact peer list.
func DecodePeers(data []byte) ([]PeerRecord, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("dht: compact peer list length %d not divisible by 6", len(data))
	}
	peers := make([]PeerRecord, len(data)/6)
	for i := range peers {
		p, err := DecodePeer(data[i*6 : i*6+6])
		if err != nil {
			return nil, err
		}
		peers[i] = p
	}
	return peers, nil
}

// Node is a known DHT peer: its id, UDP endpoint and when it was last
// observed.
type Node struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// GenerateNodeID creates a random 160-bit node id.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, err
}

// Distance returns the XOR distance between two node ids, the metric
// Kademlia orders nodes by.
func Distance(a, b NodeID) NodeID {
	var dist NodeID
	for i := range a {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// LeadingZeros returns the number of leading zero bits of id, used to
// pick the k-bucket a node falls into.
func (id NodeID) LeadingZeros() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<j) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return 160
}

// BucketIndex returns the k-bucket index of other relative to self.
// Bucket 0 holds the most distant nodes, bucket 159 the closest.
func BucketIndex(self, other NodeID) int {
	dist := Distance(self, other)
	lz := dist.LeadingZeros()
	if lz >= 160 {
		return 159
	}
	return lz
}

// CompactIPv4 encodes a node as 26 bytes: 20-byte id + 4-byte IP + 2-byte port.
func (n *Node) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("dht: not an IPv4 address: %s", n.Addr.IP)
	}
	buf := make([]byte, 26)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactNode decodes a single 26-byte compact node.
func ParseCompactNode(data []byte) (*Node, error) {
	if len(data) != 26 {
		return nil, fmt.Errorf("dht: compact node must be 26 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(data[20:24])
	port := binary.BigEndian.Uint16(data[24:26])
	return &Node{
		ID:       id,
		Addr:     &net.UDPAddr{IP: ip, Port: int(port)},
		LastSeen: time.Now(),
	}, nil
}

// ParseCompactNodes parses a concatenated list of 26-byte compact nodes.
func ParseCompactNodes(data []byte) ([]*Node, error) {
	if len(data)%26 != 0 {
		return nil, fmt.Errorf("dht: compact node list length %d not divisible by 26", len(data))
	}
	nodes := make([]*Node, len(data)/26)
	for i := range nodes {
		n, err := ParseCompactNode(data[i*26 : (i+1)*26])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// EncodeNodes concatenates the compact IPv4 encoding of nodes, skipping
// any that are not IPv4 (e.g. they resolved to an IPv6 endpoint).
func EncodeNodes(nodes []*Node) []byte {
	var buf []byte
	for _, n := range nodes {
		compact, err := n.CompactIPv4()
		if err == nil {
			buf = append(buf, compact...)
		}
	}
	return buf
}

// String returns a human-readable representation of the node.
func (n *Node) String() string {
	return fmt.Sprintf("%x@%s", n.ID[:8], n.Addr)
}
