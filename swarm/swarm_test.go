package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/arl/swarmgo/dht"
)

func newTestSwarm(t *testing.T, bootstrap ...string) *Swarm {
	t.Helper()
	s, err := New(Config{
		Bootstrap:      bootstrap,
		QueryTimeout:   2 * time.Second,
		LookupInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func waitForPeer(t *testing.T, peers <-chan dht.PeerRecord, timeout time.Duration) dht.PeerRecord {
	t.Helper()
	select {
	case p, ok := <-peers:
		if !ok {
			t.Fatal("peer channel closed before a peer arrived")
		}
		return p
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a discovered peer")
		return dht.PeerRecord{}
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	s := newTestSwarm(t)
	topic := dht.TopicFromKey([]byte("join-idempotent"))

	if err := s.Join(topic); err != nil {
		t.Fatalf("first Join failed: %v", err)
	}
	ch1, err := s.OnPeer(topic)
	if err != nil {
		t.Fatalf("OnPeer failed: %v", err)
	}
	if err := s.Join(topic); err != nil {
		t.Fatalf("second Join failed: %v", err)
	}
	ch2, err := s.OnPeer(topic)
	if err != nil {
		t.Fatalf("OnPeer failed: %v", err)
	}
	if ch1 != ch2 {
		t.Error("re-joining an already-joined topic should keep the same peer channel")
	}
}

func TestOnPeerUnjoinedTopicFails(t *testing.T) {
	s := newTestSwarm(t)
	topic := dht.TopicFromKey([]byte("never-joined"))
	if _, err := s.OnPeer(topic); err == nil {
		t.Error("OnPeer on an unjoined topic should fail")
	}
}

func TestLeaveIsIdempotentAndClosesChannel(t *testing.T) {
	s := newTestSwarm(t)
	topic := dht.TopicFromKey([]byte("leave-idempotent"))

	if err := s.Join(topic); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	peers, err := s.OnPeer(topic)
	if err != nil {
		t.Fatalf("OnPeer failed: %v", err)
	}

	if err := s.Leave(topic); err != nil {
		t.Fatalf("first Leave failed: %v", err)
	}
	if err := s.Leave(topic); err != nil {
		t.Fatalf("second Leave failed: %v", err)
	}

	select {
	case _, ok := <-peers:
		if ok {
			t.Error("peer channel should be closed, not carrying a value")
		}
	case <-time.After(2 * time.Second):
		t.Error("peer channel should close promptly after Leave")
	}

	if _, err := s.OnPeer(topic); err == nil {
		t.Error("OnPeer after Leave should fail")
	}
}

// TestTwoSwarmDiscovery covers localhost discovery: one swarm announces
// a topic, and a second, bootstrapped off the same rendezvous swarm,
// discovers it via Join/OnPeer. The seeker's own Join also announces,
// so its own endpoint may be discovered before the announcer's.
func TestTwoSwarmDiscovery(t *testing.T) {
	rendezvous := newTestSwarm(t)

	announcer := newTestSwarm(t, rendezvous.LocalAddr().String())
	seeker := newTestSwarm(t, rendezvous.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := announcer.Bootstrap(ctx); err != nil {
		t.Fatalf("announcer bootstrap failed: %v", err)
	}
	if err := seeker.Bootstrap(ctx); err != nil {
		t.Fatalf("seeker bootstrap failed: %v", err)
	}

	topic := dht.TopicFromKey([]byte("two-swarm-discovery"))

	if err := announcer.Join(topic); err != nil {
		t.Fatalf("announcer Join failed: %v", err)
	}
	if err := seeker.Join(topic); err != nil {
		t.Fatalf("seeker Join failed: %v", err)
	}

	peers, err := seeker.OnPeer(topic)
	if err != nil {
		t.Fatalf("OnPeer failed: %v", err)
	}

	wantPort := localUDPPort(announcer.LocalAddr())
	var peer dht.PeerRecord
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); {
		peer = waitForPeer(t, peers, time.Until(deadline))
		if peer.Port == wantPort {
			break
		}
	}
	if peer.Port != wantPort {
		t.Errorf("discovered peer port = %d, want %d", peer.Port, wantPort)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Shutdown()
	s.Shutdown()
}
