package dht

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arl/swarmgo/bencode"
	"github.com/arl/swarmgo/krpc"
)

// MaxPacketSize is a safe sub-MTU datagram size for KRPC traffic.
const MaxPacketSize = 1472

// RefreshCheckInterval is how often the background refresh loop checks
// the routing table for stale buckets.
const RefreshCheckInterval = time.Minute

// Client is a KRPC-over-UDP DHT client: one UDP socket, a routing
// table, transaction tracking, and topic announce/lookup.
type Client struct {
	ID NodeID

	cfg          Config
	logger       *slog.Logger
	conn         *net.UDPConn
	routingTable *RoutingTable
	transactions *transactionManager
	tokens       *tokenStore

	peerMu    sync.RWMutex
	peerStore map[Topic]map[string]PeerRecord

	droppedMu sync.Mutex
	dropped   uint64

	bootstrapOnce sync.Once
	bootstrapErr  error

	shutdownOnce sync.Once
	shutdown     chan struct{}
	wg           sync.WaitGroup
}

// New creates a Client bound to cfg.BindPort. The socket loop is
// started immediately; callers typically follow with Bootstrap.
func New(cfg Config) (*Client, error) {
	id, err := GenerateNodeID()
	if err != nil {
		return nil, fmt.Errorf("dht: generate node id: %w", err)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultConfig().QueryTimeout
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultBucketSize
	}
	if cfg.LookupWidth <= 0 {
		cfg.LookupWidth = DefaultConfig().LookupWidth
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(cfg.BindPort)})
	if err != nil {
		return nil, fmt.Errorf("dht: bind udp: %w", err)
	}

	c := &Client{
		ID:           id,
		cfg:          cfg,
		logger:       cfg.logger(),
		conn:         conn,
		routingTable: NewRoutingTableWithBucketSize(id, cfg.BucketSize),
		transactions: newTransactionManager(),
		tokens:       newTokenStore(),
		peerStore:    make(map[Topic]map[string]PeerRecord),
		shutdown:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	c.wg.Add(1)
	go c.refreshLoop()

	return c, nil
}

// refreshLoop periodically finds and refreshes stale buckets, keeping
// the routing table populated even when Lookup/Announce traffic alone
// wouldn't touch every bucket.
func (c *Client) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(RefreshCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.refreshStaleBuckets()
			c.tokens.sweep()
		}
	}
}

func (c *Client) refreshStaleBuckets() {
	for _, bucketIdx := range c.routingTable.StaleBuckets() {
		target := randomIDInBucket(c.ID, bucketIdx)
		for _, n := range c.routingTable.Closest(target, c.cfg.LookupWidth) {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.QueryTimeout)
			nodes, err := c.findNode(ctx, n.Addr, target)
			cancel()
			if err != nil {
				continue
			}
			for _, found := range nodes {
				c.routingTable.Insert(found)
			}
		}
		c.routingTable.TouchBucket(bucketIdx)
	}
}

// randomIDInBucket returns a random NodeID whose XOR distance from
// self falls in bucket bucketIdx: it agrees with self on the leading
// bucketIdx bits and differs at bit bucketIdx.
func randomIDInBucket(self NodeID, bucketIdx int) NodeID {
	var id NodeID
	rand.Read(id[:])
	if bucketIdx < 0 {
		bucketIdx = 0
	}
	if bucketIdx >= 160 {
		return id
	}

	byteIdx := bucketIdx / 8
	bitIdx := uint(7 - bucketIdx%8)

	copy(id[:byteIdx], self[:byteIdx])

	highMask := byte(0xFF << (bitIdx + 1))
	b := (self[byteIdx] & highMask) | (id[byteIdx] &^ highMask)
	flip := byte(1 << bitIdx)
	if self[byteIdx]&flip != 0 {
		b &^= flip
	} else {
		b |= flip
	}
	id[byteIdx] = b
	return id
}

// LocalAddr returns the socket's local address.
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RoutingTable returns the client's routing table.
func (c *Client) RoutingTable() *RoutingTable { return c.routingTable }

// Shutdown cancels the socket loop, fails every pending query with
// ErrShutdown, and closes the UDP socket. Safe to call more than once.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
		c.conn.Close()
		c.transactions.drain()
	})
	c.wg.Wait()
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, MaxPacketSize)
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
				c.logger.Warn("dht: read error", "err", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go c.handleDatagram(data, addr)
	}
}

func (c *Client) handleDatagram(data []byte, addr *net.UDPAddr) {
	msg, err := krpc.Decode(data)
	if err != nil {
		c.countDropped()
		c.logger.Debug("dht: dropped unparseable datagram", "from", addr, "err", err)
		return
	}

	switch msg.Type {
	case krpc.TypeQuery:
		c.handleQuery(msg, addr)
	case krpc.TypeResponse:
		c.recordSender(msg.Return, addr)
		if !c.transactions.resolve(msg.TxID, msg) {
			c.countDropped()
		}
	case krpc.TypeError:
		if !c.transactions.resolve(msg.TxID, msg) {
			c.countDropped()
		}
		c.logger.Debug("dht: peer returned error", "from", addr, "code", msg.ErrCode, "msg", msg.ErrMsg)
	default:
		c.countDropped()
	}
}

func (c *Client) countDropped() {
	c.droppedMu.Lock()
	c.dropped++
	c.droppedMu.Unlock()
}

// Dropped returns the number of inbound datagrams dropped for being
// unmatched or unparseable.
func (c *Client) Dropped() uint64 {
	c.droppedMu.Lock()
	defer c.droppedMu.Unlock()
	return c.dropped
}

// recordSender inserts the id carried by a query/response's "id"
// argument, observed at addr, into the routing table.
func (c *Client) recordSender(fields map[string]bencode.Value, addr *net.UDPAddr) {
	idBytes, err := krpc.ArgBytes(fields, "id")
	if err != nil || len(idBytes) != 20 {
		return
	}
	var id NodeID
	copy(id[:], idBytes)
	c.routingTable.Insert(&Node{ID: id, Addr: addr, LastSeen: time.Now()})
}

func (c *Client) handleQuery(msg *krpc.Message, addr *net.UDPAddr) {
	c.recordSender(msg.Args, addr)

	var resp *krpc.Message
	switch msg.Query {
	case krpc.MethodPing:
		resp = krpc.NewResponse(msg.TxID, idReturn(c.ID))

	case krpc.MethodFindNode:
		target, err := krpc.ArgBytes(msg.Args, "target")
		if err != nil || len(target) != 20 {
			resp = krpc.NewError(msg.TxID, krpc.ErrProtocol, "invalid target")
			break
		}
		var targetID NodeID
		copy(targetID[:], target)
		closest := c.routingTable.Closest(targetID, c.cfg.LookupWidth)
		ret := idReturn(c.ID)
		ret["nodes"] = bytesValue(EncodeNodes(closest))
		resp = krpc.NewResponse(msg.TxID, ret)

	case krpc.MethodGetPeers:
		infoHash, err := krpc.ArgBytes(msg.Args, "info_hash")
		if err != nil || len(infoHash) != 20 {
			resp = krpc.NewError(msg.TxID, krpc.ErrProtocol, "invalid info_hash")
			break
		}
		var topic Topic
		copy(topic[:], padTo32(infoHash))
		resp = c.respondGetPeers(msg.TxID, topic)

	case krpc.MethodAnnouncePeer:
		resp = c.handleAnnounce(msg, addr)

	default:
		resp = krpc.NewError(msg.TxID, krpc.ErrMethodUnknow, "unknown method")
	}

	if resp != nil {
		c.conn.WriteToUDP(krpc.Encode(resp), addr)
	}
}

// padTo32 widens a 20-byte info_hash into this client's 32-byte Topic
// space for internal peer-store lookups. The low 20 bytes carry the
// wire info_hash; callers comparing topics derived via TopicFromKey
// never collide with this representation because TopicFromKey always
// fills all 32 bytes from a hash digest.
func padTo32(infoHash []byte) []byte {
	buf := make([]byte, 32)
	copy(buf[12:], infoHash)
	return buf
}

func (c *Client) respondGetPeers(txID string, topic Topic) *krpc.Message {
	token := c.tokens.Issue()
	ret := idReturn(c.ID)
	ret["token"] = bytesValue([]byte(token))

	c.peerMu.RLock()
	peers := c.peerStore[topic]
	c.peerMu.RUnlock()

	if len(peers) > 0 {
		values := make([]bencode.Value, 0, len(peers))
		for _, p := range peers {
			enc, err := EncodePeer(p)
			if err != nil {
				continue
			}
			values = append(values, bytesValue(enc))
		}
		ret["values"] = listValue(values)
	} else {
		var target NodeID
		copy(target[:], topic[12:])
		closest := c.routingTable.Closest(target, c.cfg.LookupWidth)
		ret["nodes"] = bytesValue(EncodeNodes(closest))
	}
	return krpc.NewResponse(txID, ret)
}

func (c *Client) handleAnnounce(msg *krpc.Message, addr *net.UDPAddr) *krpc.Message {
	infoHash, err := krpc.ArgBytes(msg.Args, "info_hash")
	if err != nil || len(infoHash) != 20 {
		return krpc.NewError(msg.TxID, krpc.ErrProtocol, "invalid info_hash")
	}
	tokenBytes, err := krpc.ArgBytes(msg.Args, "token")
	if err != nil {
		return krpc.NewError(msg.TxID, krpc.ErrProtocol, "missing token")
	}
	if !c.tokens.Validate(string(tokenBytes)) {
		return krpc.NewError(msg.TxID, krpc.ErrProtocol, "bad token")
	}
	port, err := krpc.ArgInt(msg.Args, "port")
	if err != nil {
		return krpc.NewError(msg.TxID, krpc.ErrProtocol, "missing port")
	}

	var topic Topic
	copy(topic[:], padTo32(infoHash))
	peer := PeerRecord{IP: addr.IP, Port: uint16(port)}

	c.peerMu.Lock()
	if c.peerStore[topic] == nil {
		c.peerStore[topic] = make(map[string]PeerRecord)
	}
	c.peerStore[topic][peer.String()] = peer
	c.peerMu.Unlock()

	return krpc.NewResponse(msg.TxID, idReturn(c.ID))
}

func idReturn(id NodeID) map[string]bencode.Value {
	return map[string]bencode.Value{"id": bytesValue(id[:])}
}

// query sends a KRPC query to addr and waits for a matched response,
// an error response, or cfg.QueryTimeout/ctx cancellation.
func (c *Client) query(ctx context.Context, method string, args map[string]bencode.Value, addr *net.UDPAddr) (*krpc.Message, error) {
	txID := c.transactions.newID()
	pq := c.transactions.register(txID, method, addr)

	q := krpc.NewQuery(txID, method, args)
	if _, err := c.conn.WriteToUDP(krpc.Encode(q), addr); err != nil {
		c.transactions.cancel(txID)
		return nil, fmt.Errorf("dht: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.QueryTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-pq.done:
		if !ok {
			return nil, ErrShutdown
		}
		if resp.Type == krpc.TypeError {
			return nil, fmt.Errorf("dht: %s error %d: %s", method, resp.ErrCode, resp.ErrMsg)
		}
		return resp, nil
	case <-timer.C:
		c.transactions.cancel(txID)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.transactions.cancel(txID)
		return nil, ctx.Err()
	case <-c.shutdown:
		c.transactions.cancel(txID)
		return nil, ErrShutdown
	}
}

func (c *Client) ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	resp, err := c.query(ctx, krpc.MethodPing, idReturn(c.ID), addr)
	if err != nil {
		return NodeID{}, err
	}
	return extractID(resp.Return)
}

func (c *Client) findNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]*Node, error) {
	args := idReturn(c.ID)
	args["target"] = bytesValue(target[:])
	resp, err := c.query(ctx, krpc.MethodFindNode, args, addr)
	if err != nil {
		return nil, err
	}
	nodesBytes, err := krpc.ArgBytes(resp.Return, "nodes")
	if err != nil {
		return nil, nil
	}
	return ParseCompactNodes(nodesBytes)
}

// getPeersResult is either a set of peers or a set of closer nodes.
type getPeersResult struct {
	peers []PeerRecord
	nodes []*Node
	token string
}

func (c *Client) getPeers(ctx context.Context, addr *net.UDPAddr, topic Topic) (*getPeersResult, error) {
	args := idReturn(c.ID)
	args["info_hash"] = bytesValue(topic[12:])
	resp, err := c.query(ctx, krpc.MethodGetPeers, args, addr)
	if err != nil {
		return nil, err
	}

	res := &getPeersResult{}
	if tok, err := krpc.ArgBytes(resp.Return, "token"); err == nil {
		res.token = string(tok)
	}
	if values, ok := resp.Return["values"]; ok {
		if list, ok := values.List(); ok {
			for _, v := range list {
				b, ok := v.Bytes()
				if !ok {
					continue
				}
				p, err := DecodePeer(b)
				if err == nil {
					res.peers = append(res.peers, p)
				}
			}
		}
		return res, nil
	}
	if nodesBytes, err := krpc.ArgBytes(resp.Return, "nodes"); err == nil {
		res.nodes, _ = ParseCompactNodes(nodesBytes)
	}
	return res, nil
}

func (c *Client) announcePeer(ctx context.Context, addr *net.UDPAddr, topic Topic, token string, port uint16) error {
	args := idReturn(c.ID)
	args["info_hash"] = bytesValue(topic[12:])
	args["token"] = bytesValue([]byte(token))
	args["port"] = intValue(int64(port))
	_, err := c.query(ctx, krpc.MethodAnnouncePeer, args, addr)
	return err
}

func extractID(fields map[string]bencode.Value) (NodeID, error) {
	b, err := krpc.ArgBytes(fields, "id")
	if err != nil || len(b) != 20 {
		return NodeID{}, errors.New("dht: invalid node id in response")
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// Bootstrap resolves every seed address and pings it in parallel,
// inserting each responder into the routing table and then asking it
// to find_node(self) to seed the table further. Bootstrap never fails
// because some seeds were unreachable; it returns
// ErrNoReachableBootstrap only if none responded. Concurrent and
// repeated calls are safe: only the first call's outcome is used by
// all callers.
func (c *Client) Bootstrap(ctx context.Context) error {
	c.bootstrapOnce.Do(func() {
		c.bootstrapErr = c.doBootstrap(ctx)
	})
	return c.bootstrapErr
}

func (c *Client) doBootstrap(ctx context.Context) error {
	if len(c.cfg.Bootstrap) == 0 {
		return nil
	}
	c.logger.Info("dht: bootstrapping", "seeds", len(c.cfg.Bootstrap))

	var mu sync.Mutex
	anyReached := false

	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range c.cfg.Bootstrap {
		seed := seed
		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp4", seed)
			if err != nil {
				return nil
			}
			id, err := c.ping(gctx, addr)
			if err != nil {
				return nil
			}
			c.routingTable.Insert(&Node{ID: id, Addr: addr, LastSeen: time.Now()})
			mu.Lock()
			anyReached = true
			mu.Unlock()

			nodes, err := c.findNode(gctx, addr, c.ID)
			if err != nil {
				return nil
			}
			for _, n := range nodes {
				c.routingTable.Insert(n)
			}
			return nil
		})
	}
	g.Wait()

	if !anyReached {
		return ErrNoReachableBootstrap
	}
	return nil
}

// Announce sends get_peers to the LookupWidth closest known nodes to
// topic, then announce_peer to every node that returned a token. Per-
// node failures are swallowed; this is best-effort.
func (c *Client) Announce(ctx context.Context, topic Topic, port uint16) error {
	closest := c.routingTable.Closest(nodeIDFromTopic(topic), c.cfg.LookupWidth)
	if len(closest) == 0 {
		return ErrNoNodes
	}

	var wg sync.WaitGroup
	for _, n := range closest {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.getPeers(ctx, n.Addr, topic)
			if err != nil || res.token == "" {
				return
			}
			if err := c.announcePeer(ctx, n.Addr, topic, res.token, port); err != nil {
				c.logger.Debug("dht: announce_peer failed", "node", n, "err", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Lookup sends get_peers to the LookupWidth closest known nodes to
// topic and returns the deduplicated union of every values list
// received. If no nodes are known it returns an empty set rather than
// blocking.
func (c *Client) Lookup(ctx context.Context, topic Topic) ([]PeerRecord, error) {
	closest := c.routingTable.Closest(nodeIDFromTopic(topic), c.cfg.LookupWidth)
	if len(closest) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	seen := make(map[string]PeerRecord)

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range closest {
		n := n
		g.Go(func() error {
			res, err := c.getPeers(gctx, n.Addr, topic)
			if err != nil {
				return nil
			}
			mu.Lock()
			for _, p := range res.peers {
				seen[p.String()] = p
			}
			mu.Unlock()
			for _, nd := range res.nodes {
				c.routingTable.Insert(nd)
			}
			return nil
		})
	}
	g.Wait()

	out := make([]PeerRecord, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out, nil
}

func nodeIDFromTopic(t Topic) NodeID {
	var id NodeID
	copy(id[:], t[12:])
	return id
}

func bytesValue(b []byte) bencode.Value        { return bencode.String(b) }
func intValue(n int64) bencode.Value           { return bencode.Int(n) }
func listValue(vs []bencode.Value) bencode.Value { return bencode.List(vs) }
