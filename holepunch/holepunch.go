// Package holepunch coordinates UDP NAT traversal between an
// initiator and a responder: concurrent candidate probing followed by
// a synchronized punch, matched by a 16-byte session id.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults for Config's probe interval and holepunch deadline.
const (
	DefaultProbeInterval = 250 * time.Millisecond
	DefaultDeadline      = 5 * time.Second
)

// Sentinel errors. Session.Wait returns ErrNoCandidateReachable or
// ErrShutdown; ErrProtocolError reports a malformed wire message.
var (
	ErrNoCandidateReachable = errors.New("holepunch: no candidate reachable")
	ErrShutdown             = errors.New("holepunch: coordinator shut down")
	ErrProtocolError        = errors.New("holepunch: malformed message")
)

// Role identifies which side of a session a peer plays.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}
	return "initiator"
}

// State is a holepunch session's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateProbing
	StatePunching
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StatePunching:
		return "punching"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type kind uint8

const (
	kindProbe kind = iota
	kindProbeAck
	kindPunch
)

// message is the decoded form of a single-datagram wire message: a
// 1-byte kind tag followed by a 16-byte session id and, for Probe and
// ProbeAck, a 1-byte role.
type message struct {
	kind      kind
	sessionID uuid.UUID
	role      Role
}

func encode(m message) []byte {
	if m.kind == kindPunch {
		buf := make([]byte, 17)
		buf[0] = byte(m.kind)
		copy(buf[1:17], m.sessionID[:])
		return buf
	}
	buf := make([]byte, 18)
	buf[0] = byte(m.kind)
	copy(buf[1:17], m.sessionID[:])
	buf[17] = byte(m.role)
	return buf
}

func decode(data []byte) (message, error) {
	if len(data) == 0 {
		return message{}, ErrProtocolError
	}
	switch kind(data[0]) {
	case kindProbe, kindProbeAck:
		if len(data) != 18 {
			return message{}, ErrProtocolError
		}
		var id uuid.UUID
		copy(id[:], data[1:17])
		return message{kind: kind(data[0]), sessionID: id, role: Role(data[17])}, nil
	case kindPunch:
		if len(data) != 17 {
			return message{}, ErrProtocolError
		}
		var id uuid.UUID
		copy(id[:], data[1:17])
		return message{kind: kindPunch, sessionID: id}, nil
	default:
		return message{}, ErrProtocolError
	}
}

// Session tracks one holepunch attempt, identified by a 16-byte id
// shared between initiator and responder out-of-band (typically via a
// DHT lookup result).
type Session struct {
	ID   uuid.UUID
	Role Role

	mu         sync.Mutex
	state      State
	candidates []*net.UDPAddr
	selected   *net.UDPAddr
	punchSent  bool
	punchRecv  bool
	err        error

	done      chan struct{}
	closeOnce sync.Once
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selected returns the candidate address chosen for punching, or nil
// before one has been selected.
func (s *Session) Selected() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Wait blocks until the session reaches Connected or Failed, returning
// the session's terminal error (nil on success).
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) finish(state State, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Config configures a Coordinator.
type Config struct {
	// BindPort is the UDP port a new, self-owned socket listens on; 0
	// means OS-assigned. Unused by Attach.
	BindPort uint16

	// ProbeInterval is how often Probe is resent to each candidate
	// while a session is in StateProbing.
	ProbeInterval time.Duration

	// Deadline bounds how long a session may remain in StateProbing
	// before failing with ErrNoCandidateReachable.
	Deadline time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the default probe interval and deadline.
func DefaultConfig() Config {
	return Config{ProbeInterval: DefaultProbeInterval, Deadline: DefaultDeadline}
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Coordinator runs the holepunch protocol over a UDP socket, either
// one it owns (New) or one shared with another component (Attach,
// e.g. a dht.Client's socket, with datagrams forwarded via
// HandleDatagram).
type Coordinator struct {
	conn   *net.UDPConn
	owned  bool
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	shutdownOnce sync.Once
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// New creates a Coordinator with its own UDP socket and starts its
// read loop.
func New(cfg Config) (*Coordinator, error) {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.BindPort)})
	if err != nil {
		return nil, fmt.Errorf("holepunch: bind udp: %w", err)
	}

	c := &Coordinator{
		conn:     conn,
		owned:    true,
		cfg:      cfg,
		logger:   cfg.logger(),
		sessions: make(map[uuid.UUID]*Session),
		shutdown: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Attach builds a Coordinator over an existing, externally-read UDP
// socket. The caller must forward every inbound datagram that is not
// otherwise claimed to HandleDatagram.
func Attach(conn *net.UDPConn, cfg Config) *Coordinator {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Coordinator{
		conn:     conn,
		owned:    false,
		cfg:      cfg,
		logger:   cfg.logger(),
		sessions: make(map[uuid.UUID]*Session),
		shutdown: make(chan struct{}),
	}
}

// LocalAddr returns the coordinator's socket address.
func (c *Coordinator) LocalAddr() net.Addr { return c.conn.LocalAddr() }

func (c *Coordinator) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 1472)
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
				c.logger.Warn("holepunch: read error", "err", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.HandleDatagram(data, addr)
	}
}

// HandleDatagram decodes data as a holepunch message and dispatches
// it, reporting whether data was a well-formed holepunch message at
// all (so a shared-socket caller can fall through to another decoder
// on false).
func (c *Coordinator) HandleDatagram(data []byte, addr *net.UDPAddr) bool {
	msg, err := decode(data)
	if err != nil {
		return false
	}

	c.mu.Lock()
	s := c.sessions[msg.sessionID]
	c.mu.Unlock()

	switch msg.kind {
	case kindProbe:
		c.handleProbe(msg, addr, s)
	case kindProbeAck:
		if s != nil {
			c.handleProbeAck(s, addr)
		}
	case kindPunch:
		if s != nil {
			c.handlePunch(s, addr)
		}
	}
	return true
}

// Initiate starts an initiator-role session that probes candidates
// concurrently until one acks or the deadline expires.
func (c *Coordinator) Initiate(sessionID uuid.UUID, candidates []*net.UDPAddr) *Session {
	s := &Session{
		ID:         sessionID,
		Role:       RoleInitiator,
		state:      StateProbing,
		candidates: candidates,
		done:       make(chan struct{}),
	}
	c.register(s)
	c.wg.Add(1)
	go c.probeLoop(s)
	return s
}

// Listen registers a responder-role session that waits for an
// inbound Probe carrying sessionID, without itself sending anything
// until one arrives.
func (c *Coordinator) Listen(sessionID uuid.UUID) *Session {
	s := &Session{
		ID:    sessionID,
		Role:  RoleResponder,
		state: StateProbing,
		done:  make(chan struct{}),
	}
	c.register(s)
	return s
}

// Forget drops a completed session's bookkeeping entry.
func (c *Coordinator) Forget(id uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Coordinator) register(s *Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
}

func (c *Coordinator) probeLoop(s *Session) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.Deadline)
	defer deadline.Stop()

	probe := encode(message{kind: kindProbe, sessionID: s.ID, role: RoleInitiator})
	sendProbes := func() {
		for _, addr := range s.candidates {
			c.conn.WriteToUDP(probe, addr)
		}
	}

	sendProbes()
	for {
		select {
		case <-ticker.C:
			if s.State() != StateProbing {
				return
			}
			sendProbes()
		case <-deadline.C:
			if s.State() == StateProbing {
				s.finish(StateFailed, ErrNoCandidateReachable)
			}
			return
		case <-s.done:
			return
		case <-c.shutdown:
			s.finish(StateFailed, ErrShutdown)
			return
		}
	}
}

// handleProbe implements the responder side: reply ProbeAck to
// whichever endpoint the probe arrived from and record it as the
// initiator's observed public endpoint.
func (c *Coordinator) handleProbe(msg message, addr *net.UDPAddr, s *Session) {
	if msg.role != RoleInitiator || s == nil {
		return
	}

	s.mu.Lock()
	if s.state == StateProbing {
		s.state = StatePunching
	}
	s.selected = addr
	s.mu.Unlock()

	ack := encode(message{kind: kindProbeAck, sessionID: msg.sessionID, role: RoleResponder})
	c.conn.WriteToUDP(ack, addr)
}

// handleProbeAck implements the initiator side: the first candidate to
// ack is selected (ties broken by arrival order), then punched.
func (c *Coordinator) handleProbeAck(s *Session, addr *net.UDPAddr) {
	s.mu.Lock()
	if s.state != StateProbing {
		s.mu.Unlock()
		return
	}
	s.state = StatePunching
	s.selected = addr
	s.mu.Unlock()

	c.sendPunch(s, addr)
}

func (c *Coordinator) sendPunch(s *Session, addr *net.UDPAddr) {
	data := encode(message{kind: kindPunch, sessionID: s.ID})
	c.conn.WriteToUDP(data, addr)

	s.mu.Lock()
	s.punchSent = true
	done := s.punchSent && s.punchRecv
	s.mu.Unlock()

	if done {
		s.finish(StateConnected, nil)
	}
}

// handlePunch accepts the peer's Punch whether it arrives before or
// after this side's own: the session completes as soon as both a sent
// and a received Punch are observed, regardless of order.
func (c *Coordinator) handlePunch(s *Session, addr *net.UDPAddr) {
	s.mu.Lock()
	if s.selected == nil {
		s.selected = addr
	}
	s.punchRecv = true
	needPunch := !s.punchSent
	done := s.punchSent && s.punchRecv
	s.mu.Unlock()

	if needPunch {
		c.sendPunch(s, addr)
		return
	}
	if done {
		s.finish(StateConnected, nil)
	}
}

// Shutdown fails every in-flight session with ErrShutdown, stops the
// read loop, and (if the socket is owned) closes it. Safe to call more
// than once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
		if c.owned {
			c.conn.Close()
		}
		c.mu.Lock()
		for _, s := range c.sessions {
			s.finish(StateFailed, ErrShutdown)
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}
