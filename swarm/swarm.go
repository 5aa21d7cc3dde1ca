// Package swarm ties the DHT, holepunch coordinator and Noise
// transport together into a thin discovery-and-connect orchestrator:
// Join a topic, read discovered peers off a channel, Connect to one
// and get back an encrypted stream.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arl/swarmgo/dht"
	"github.com/arl/swarmgo/holepunch"
	"github.com/arl/swarmgo/noise"
)

// DefaultLookupInterval is how often a joined topic is re-looked-up to
// discover peers that announced after the initial lookup.
const DefaultLookupInterval = 30 * time.Second

// Config configures a Swarm.
type Config struct {
	// Bootstrap is the list of seed nodes contacted by Bootstrap,
	// forwarded to dht.Config.Bootstrap.
	Bootstrap []string

	// BindPort is the UDP port the DHT client listens on; 0 means
	// OS-assigned. The holepunch coordinator binds its own separate
	// OS-assigned port regardless.
	BindPort uint16

	// QueryTimeout bounds every outgoing DHT query and lookup round.
	QueryTimeout time.Duration

	// LookupInterval is how often a joined topic's peer list is
	// refreshed. Defaults to DefaultLookupInterval.
	LookupInterval time.Duration

	// HolepunchDeadline bounds how long Connect waits for a candidate
	// to answer before giving up.
	HolepunchDeadline time.Duration

	// ProbeInterval is how often Connect resends a Probe while
	// waiting for a candidate to answer.
	ProbeInterval time.Duration

	// Logger receives structured operational logs. Defaults to
	// slog.Default() if nil.
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) queryTimeout() time.Duration {
	if c.QueryTimeout > 0 {
		return c.QueryTimeout
	}
	return dht.DefaultConfig().QueryTimeout
}

// topicState tracks one Join'd topic's background lookup loop and the
// peers discovered so far.
type topicState struct {
	cancel context.CancelFunc
	peers  chan dht.PeerRecord

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// Swarm discovers peers for one or more topics over a DHT and connects
// to them through a holepunch-then-Noise handshake.
type Swarm struct {
	cfg    Config
	logger *slog.Logger

	dhtClient   *dht.Client
	punchConn   *net.UDPConn
	coordinator *holepunch.Coordinator

	topicsMu sync.Mutex
	topics   map[dht.Topic]*topicState

	streamsMu sync.RWMutex
	streams   map[string]*udpStream

	shutdownOnce sync.Once
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// New creates a Swarm: a DHT client bound to cfg.BindPort and a
// holepunch coordinator on its own dedicated socket.
func New(cfg Config) (*Swarm, error) {
	dcfg := dht.DefaultConfig()
	dcfg.Bootstrap = cfg.Bootstrap
	dcfg.BindPort = cfg.BindPort
	if cfg.QueryTimeout > 0 {
		dcfg.QueryTimeout = cfg.QueryTimeout
	}
	dcfg.Logger = cfg.logger()

	dhtClient, err := dht.New(dcfg)
	if err != nil {
		return nil, fmt.Errorf("swarm: create dht client: %w", err)
	}

	punchConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		dhtClient.Shutdown()
		return nil, fmt.Errorf("swarm: bind holepunch socket: %w", err)
	}

	hcfg := holepunch.DefaultConfig()
	if cfg.HolepunchDeadline > 0 {
		hcfg.Deadline = cfg.HolepunchDeadline
	}
	if cfg.ProbeInterval > 0 {
		hcfg.ProbeInterval = cfg.ProbeInterval
	}
	hcfg.Logger = cfg.logger()
	coordinator := holepunch.Attach(punchConn, hcfg)

	s := &Swarm{
		cfg:         cfg,
		logger:      cfg.logger(),
		dhtClient:   dhtClient,
		punchConn:   punchConn,
		coordinator: coordinator,
		topics:      make(map[dht.Topic]*topicState),
		streams:     make(map[string]*udpStream),
		shutdown:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.punchReadLoop()

	return s, nil
}

// Bootstrap joins the DHT by contacting cfg.Bootstrap.
func (s *Swarm) Bootstrap(ctx context.Context) error {
	return s.dhtClient.Bootstrap(ctx)
}

// LocalAddr returns the DHT client's UDP listen address.
func (s *Swarm) LocalAddr() net.Addr { return s.dhtClient.LocalAddr() }

// punchReadLoop demultiplexes datagrams arriving on the dedicated
// holepunch socket: holepunch protocol messages go to the coordinator,
// everything else is assumed to be a Noise frame for an already
// holepunched peer and is handed to that peer's stream.
func (s *Swarm) punchReadLoop() {
	defer s.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		n, addr, err := s.punchConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if s.coordinator.HandleDatagram(data, addr) {
			continue
		}

		s.streamsMu.RLock()
		st := s.streams[addr.String()]
		s.streamsMu.RUnlock()
		if st != nil {
			st.deliver(data)
		}
	}
}

// Join announces topic once and starts periodically looking it up. It
// is idempotent: joining an already-joined topic is a no-op.
func (s *Swarm) Join(topic dht.Topic) error {
	s.topicsMu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.topicsMu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ts := &topicState{
		cancel: cancel,
		peers:  make(chan dht.PeerRecord, 32),
		seen:   make(map[string]struct{}),
	}
	s.topics[topic] = ts
	s.topicsMu.Unlock()

	port := localUDPPort(s.dhtClient.LocalAddr())
	announceCtx, announceCancel := context.WithTimeout(context.Background(), s.cfg.queryTimeout())
	if err := s.dhtClient.Announce(announceCtx, topic, port); err != nil {
		s.logger.Warn("swarm: initial announce failed", "topic", topic, "err", err)
	}
	announceCancel()

	s.wg.Add(1)
	go s.lookupLoop(ctx, topic, ts)
	return nil
}

// Leave stops a joined topic's background lookups and closes its peer
// channel. It is idempotent: leaving a topic that was never joined, or
// already left, is a no-op.
func (s *Swarm) Leave(topic dht.Topic) error {
	s.topicsMu.Lock()
	ts, ok := s.topics[topic]
	if !ok {
		s.topicsMu.Unlock()
		return nil
	}
	delete(s.topics, topic)
	s.topicsMu.Unlock()

	ts.cancel()
	return nil
}

// OnPeer returns the channel newly discovered peers for topic are
// published on. The channel is closed when the topic is left.
func (s *Swarm) OnPeer(topic dht.Topic) (<-chan dht.PeerRecord, error) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	ts, ok := s.topics[topic]
	if !ok {
		return nil, fmt.Errorf("swarm: topic not joined")
	}
	return ts.peers, nil
}

func (s *Swarm) lookupLoop(ctx context.Context, topic dht.Topic, ts *topicState) {
	defer s.wg.Done()
	defer close(ts.peers)

	interval := s.cfg.LookupInterval
	if interval <= 0 {
		interval = DefaultLookupInterval
	}

	s.runLookup(ctx, topic, ts)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.runLookup(ctx, topic, ts)
		}
	}
}

func (s *Swarm) runLookup(ctx context.Context, topic dht.Topic, ts *topicState) {
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.queryTimeout())
	defer cancel()

	peers, err := s.dhtClient.Lookup(lookupCtx, topic)
	if err != nil {
		s.logger.Debug("swarm: lookup failed", "topic", topic, "err", err)
		return
	}

	ts.seenMu.Lock()
	defer ts.seenMu.Unlock()
	for _, p := range peers {
		key := p.String()
		if _, dup := ts.seen[key]; dup {
			continue
		}
		ts.seen[key] = struct{}{}
		select {
		case ts.peers <- p:
		default:
			s.logger.Warn("swarm: peer channel full, dropping discovered peer", "topic", topic, "peer", p)
		}
	}
}

// Connect holepunches to peer and runs a Noise-XX handshake over the
// resulting channel, returning a ready-to-use encrypted session.
func (s *Swarm) Connect(ctx context.Context, peer dht.PeerRecord) (*noise.Session, error) {
	addr := &net.UDPAddr{IP: peer.IP, Port: int(peer.Port)}

	hp := s.coordinator.Initiate(uuid.New(), []*net.UDPAddr{addr})
	if err := hp.Wait(ctx); err != nil {
		return nil, fmt.Errorf("swarm: holepunch to %s: %w", addr, err)
	}
	selected := hp.Selected()

	stream := newUDPStream(s.punchConn, selected)
	key := selected.String()
	s.streamsMu.Lock()
	s.streams[key] = stream
	s.streamsMu.Unlock()

	session := noise.NewSession(stream, noise.RoleInitiator)
	if err := session.Handshake(); err != nil {
		s.streamsMu.Lock()
		delete(s.streams, key)
		s.streamsMu.Unlock()
		stream.Close()
		return nil, fmt.Errorf("swarm: noise handshake with %s: %w", selected, err)
	}
	return session, nil
}

// Accept waits for an incoming holepunch identified by sessionID (a
// value the two sides must already agree on, e.g. derived from the
// topic) and completes the responder side of a Noise-XX handshake once
// connected.
func (s *Swarm) Accept(ctx context.Context, sessionID uuid.UUID) (*noise.Session, error) {
	hp := s.coordinator.Listen(sessionID)
	if err := hp.Wait(ctx); err != nil {
		return nil, fmt.Errorf("swarm: holepunch accept: %w", err)
	}
	selected := hp.Selected()

	stream := newUDPStream(s.punchConn, selected)
	key := selected.String()
	s.streamsMu.Lock()
	s.streams[key] = stream
	s.streamsMu.Unlock()

	session := noise.NewSession(stream, noise.RoleResponder)
	if err := session.Handshake(); err != nil {
		s.streamsMu.Lock()
		delete(s.streams, key)
		s.streamsMu.Unlock()
		stream.Close()
		return nil, fmt.Errorf("swarm: noise handshake with %s: %w", selected, err)
	}
	return session, nil
}

// Shutdown tears down every joined topic, the holepunch coordinator
// and the DHT client. It is idempotent and blocks until all background
// goroutines have exited.
func (s *Swarm) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.topicsMu.Lock()
		for topic, ts := range s.topics {
			ts.cancel()
			delete(s.topics, topic)
		}
		s.topicsMu.Unlock()

		s.punchConn.Close()
		s.coordinator.Shutdown()
		s.dhtClient.Shutdown()
	})
	s.wg.Wait()
}

func localUDPPort(addr net.Addr) uint16 {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return uint16(udpAddr.Port)
	}
	return 0
}
