// Package meshcore composes the Key Store, Ratchet Session, Onion Wrapper,
// Energy Ledger, Routing Table, Wire Codec, Link, and Store abstractions
// into a single Node Coordinator: the send path, the receive path, and the
// periodic tick that drains the relay queue and rebalances the ledger.
package meshcore

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zentalk/meshphone/pkg/energy"
	"github.com/zentalk/meshphone/pkg/identity"
	"github.com/zentalk/meshphone/pkg/link"
	"github.com/zentalk/meshphone/pkg/onion"
	"github.com/zentalk/meshphone/pkg/ratchet"
	"github.com/zentalk/meshphone/pkg/routing"
	"github.com/zentalk/meshphone/pkg/store"
	"github.com/zentalk/meshphone/pkg/wire"
)

// Config mirrors the Application interface's init options: the policy
// knobs a host sets once at node construction.
type Config struct {
	RelayEnabled            bool
	MaxRelayQueue           int
	InitialEnergy           float64
	PluggedIn               bool
	SeenSetTTL              time.Duration
	RelayQueueAgeCap        time.Duration
	SkippedKeyCacheCapacity int
	EnergyTarget            float64
	SpamWindow              time.Duration
	SpamMaxMessages         int
	SpamPenalty             float64

	// AutoPenalizeSpam makes the receive path call ApplySpamPenalty
	// whenever IsSpamming reports true for a message's sender. The
	// ledger operation itself is always available for manual or
	// application-driven use regardless of this flag.
	AutoPenalizeSpam bool

	// MaxMessageBytes caps a payload's encoded size, enforced before
	// any energy is charged.
	MaxMessageBytes int
}

// DefaultConfig returns the documented defaults for every option.
func DefaultConfig() Config {
	return Config{
		RelayEnabled:            true,
		MaxRelayQueue:           100,
		InitialEnergy:           1000,
		PluggedIn:               false,
		SeenSetTTL:              600 * time.Second,
		RelayQueueAgeCap:        60 * time.Second,
		SkippedKeyCacheCapacity: 1024,
		EnergyTarget:            1000,
		SpamWindow:              60 * time.Second,
		SpamMaxMessages:         10,
		SpamPenalty:             50,
		AutoPenalizeSpam:        false,
		MaxMessageBytes:         64 * 1024,
	}
}

// Stats is a snapshot of a node's lifetime counters, surfaced to the host
// application and to pkg/api's status route.
type Stats struct {
	MessagesSent     int
	MessagesRelayed  int
	MessagesReceived int
	MessagesDropped  int
	RelayQueueFull   int
}

type queuedRelay struct {
	msg        wire.Message
	nextHop    string
	enqueuedAt time.Time
}

// Node is the Node Coordinator: it owns the identity store, the energy
// ledger, the routing table, one ratchet session per peer, the relay
// queue, and the seen-set, and drives them all under a single mutex. The
// design is logically single-threaded cooperative: Send, Receive, and
// Tick all mutate state under the same lock, and each releases it
// while handing frames to the link.
type Node struct {
	mu sync.Mutex

	self string
	cfg  Config

	identity *identity.Store
	ledger   *energy.Ledger
	routes   *routing.Table
	lnk      link.Link
	db       store.Store

	sessions map[string]*ratchet.State

	networkGraph map[string][]string
	seen         map[string]time.Time
	relayQueue   []*queuedRelay

	stats Stats

	onMessage  func(from, content string, timestamp float64)
	onDelivery func(messageID string)
}

// New builds a Node Coordinator for identity self, wiring lnk's inbound
// frames to Receive and its neighbor changes into the routing table. lnk
// and db may be nil for a coordinator driven purely by direct Send/Receive
// calls, as in a unit test.
func New(self string, idStore *identity.Store, ledger *energy.Ledger, routes *routing.Table, lnk link.Link, db store.Store, cfg Config) *Node {
	n := &Node{
		self:         self,
		cfg:          cfg,
		identity:     idStore,
		ledger:       ledger,
		routes:       routes,
		lnk:          lnk,
		db:           db,
		sessions:     make(map[string]*ratchet.State),
		networkGraph: make(map[string][]string),
		seen:         make(map[string]time.Time),
	}
	ledger.CreateAccount(self, cfg.InitialEnergy, cfg.PluggedIn)

	if lnk != nil {
		lnk.OnFrame(n.handleFrame)
		lnk.OnNeighborChange(func(added, removed []string) {
			n.routes.UpdateNeighbors(lnk.Neighbors())
		})
		n.routes.UpdateNeighbors(lnk.Neighbors())
	}
	return n
}

// Self returns this node's own identity.
func (n *Node) Self() string {
	return n.self
}

// SetNetworkGraph replaces the node's view of the wider mesh topology
// (identity -> its neighbor identities) used for route discovery beyond
// the directly observed neighbor set. A production host would populate
// this from route-request/route-reply gossip; tests populate it directly.
func (n *Node) SetNetworkGraph(graph map[string][]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.networkGraph = graph
}

// OnMessage registers the callback fired when a text message addressed to
// this node is decrypted.
func (n *Node) OnMessage(cb func(from, content string, timestamp float64)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = cb
}

// OnDelivery registers the callback fired when an ACK for a previously
// sent message arrives.
func (n *Node) OnDelivery(cb func(messageID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDelivery = cb
}

// Stats returns a snapshot of this node's lifetime counters.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Neighbors returns the identities currently reachable over this node's
// link, a thin pass-through for hosts that want neighbor visibility
// without reaching into the routing table directly.
func (n *Node) Neighbors() []string {
	return n.routes.Neighbors()
}

// EnergyStats returns this node's own energy account snapshot, or false
// if no account exists (only possible before New has run, which always
// creates one, so this is here for defensive callers across a db-backed
// reload path).
func (n *Node) EnergyStats() (energy.Stats, bool) {
	account := n.ledger.Account(n.self)
	if account == nil {
		return energy.Stats{}, false
	}
	return account.Stats(), true
}

// NetworkEnergyStats returns a mesh-wide view across every account the
// ledger knows about, not just this node's own.
func (n *Node) NetworkEnergyStats() energy.NetworkStats {
	return n.ledger.NetworkStats()
}

func (n *Node) mergedView() map[string][]string {
	view := make(map[string][]string, len(n.networkGraph)+1)
	for k, v := range n.networkGraph {
		view[k] = v
	}
	view[n.self] = n.routes.Neighbors()
	return view
}

func energyPriority(p wire.Priority) energy.Priority {
	switch p {
	case wire.PriorityLow:
		return energy.PriorityLow
	case wire.PriorityHigh:
		return energy.PriorityHigh
	case wire.PriorityUrgent:
		return energy.PriorityUrgent
	default:
		return energy.PriorityNormal
	}
}

// peekExpectedHops estimates a route's hop count ahead of formally
// discovering and caching it, for pricing purposes. 3 is the documented
// default when no route is yet known.
func (n *Node) peekExpectedHops(recipient string) int {
	if path := n.routes.FindRoute(recipient, n.mergedView()); path != nil {
		return len(path) - 1
	}
	return 3
}

func (n *Node) markSeen(id string) {
	n.seen[id] = time.Now().Add(n.cfg.SeenSetTTL)
}

func (n *Node) hasSeen(id string) bool {
	expiry, ok := n.seen[id]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(n.seen, id)
		return false
	}
	return true
}

// ensureSession fetches or establishes the ratchet session with peer.
// asSender selects the sender (Alice) initialization mode, seeded from
// our fresh ephemeral and the peer's cached identity public; otherwise
// the receiver (Bob) mode, seeded from our identity private and the
// sender's ephemeral public carried in the first message.
func (n *Node) ensureSession(peer string, asSender bool) (*ratchet.State, error) {
	if s, ok := n.sessions[peer]; ok {
		return s, nil
	}
	shared, err := n.identity.Ecdh(peer)
	if err != nil {
		return nil, err
	}

	var session *ratchet.State
	if asSender {
		peerPub, err := n.identity.GetPeerAgreement(peer)
		if err != nil {
			return nil, err
		}
		session, err = ratchet.NewSender(shared, ratchet.DHPublicKey(peerPub), n.cfg.SkippedKeyCacheCapacity)
		if err != nil {
			return nil, err
		}
	} else {
		idKeys := n.identity.IdentityKeyPair()
		session = ratchet.NewReceiver(shared, ratchet.DHPrivateKey(idKeys.Private), ratchet.DHPublicKey(idKeys.Public), n.cfg.SkippedKeyCacheCapacity)
	}
	n.sessions[peer] = session
	return session, nil
}

func (n *Node) relayKeysFor(route []string) (map[string]onion.PublicKey, error) {
	relays := route[1 : len(route)-1]
	keys := make(map[string]onion.PublicKey, len(relays))
	for _, r := range relays {
		pub, err := n.identity.GetPeerAgreement(r)
		if err != nil {
			return nil, fmt.Errorf("no cached public key for relay %s: %w", r, err)
		}
		keys[r] = onion.PublicKey(pub)
	}
	return keys, nil
}

// preparedSend is the outcome of the state-mutating part of the send
// path: everything except handing the frame to the link.
type preparedSend struct {
	messageID string
	delivered bool
	framed    []byte
	nextHop   string
	cost      float64
	recipient string
	msgType   wire.MessageType
}

// Send builds and ships a text message to recipient. Sending to self
// delivers immediately: no energy charge, no link emission.
func (n *Node) Send(recipient, content string, priority wire.Priority) (string, error) {
	return n.dispatch(wire.NewText(n.self, recipient, content, priority))
}

// dispatch implements the send path for msg, whose header is already
// fully formed (used directly by Send for text messages, and by
// deliverLocked to route a synthesized ACK back to its originator). It
// holds n.mu only for the state-mutating portion and releases it before
// calling into the link: a direct neighbor's ack travels back into this
// node synchronously, inside this same call, and n.mu is not reentrant.
func (n *Node) dispatch(msg wire.Message) (string, error) {
	n.mu.Lock()
	prepared, err := n.prepareSendLocked(msg)
	n.mu.Unlock()
	if err != nil {
		return "", err
	}
	if prepared.delivered {
		return prepared.messageID, nil
	}

	if err := n.lnk.Emit(prepared.nextHop, prepared.framed); err != nil {
		return "", ErrLinkUnavailable
	}

	n.mu.Lock()
	n.stats.MessagesSent++
	n.mu.Unlock()
	log.Printf("📤 mesh: sent %s (%s) to %s via %s, cost %.1f", prepared.messageID, prepared.msgType, prepared.recipient, prepared.nextHop, prepared.cost)
	return prepared.messageID, nil
}

func (n *Node) prepareSendLocked(msg wire.Message) (preparedSend, error) {
	recipient := msg.Header.RecipientID
	plaintext := msg.Payload.Content

	if msg.Payload.SizeBytes() > n.cfg.MaxMessageBytes {
		return preparedSend{}, ErrTooLarge
	}

	if recipient == n.self {
		n.stats.MessagesSent++
		n.stats.MessagesReceived++
		n.markSeen(msg.Header.MessageID)
		switch msg.Header.Type {
		case wire.TypeAck:
			if n.onDelivery != nil {
				n.onDelivery(string(plaintext))
			}
		default:
			if n.onMessage != nil {
				n.onMessage(n.self, string(plaintext), msg.Header.Timestamp)
			}
		}
		return preparedSend{messageID: msg.Header.MessageID, delivered: true}, nil
	}

	if n.lnk == nil {
		return preparedSend{}, ErrLinkUnavailable
	}

	sizeKB := float64(len(plaintext)) / 1024.0
	hops := n.peekExpectedHops(recipient)
	priority := energyPriority(msg.Header.Priority)
	cost := energy.SendCost(sizeKB, priority, hops)

	if _, err := n.ledger.ChargeSend(n.self, msg.Header.MessageID, sizeKB, priority, hops); err != nil {
		return preparedSend{}, ErrInsufficientEnergy
	}

	route := n.routes.FindRoute(recipient, n.mergedView())
	if route == nil {
		n.ledger.Refund(n.self, cost, msg.Header.MessageID)
		return preparedSend{}, ErrNoRoute
	}
	n.routes.CacheRoute(route)

	session, err := n.ensureSession(recipient, true)
	if err != nil {
		return preparedSend{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	encrypted, err := session.Encrypt(plaintext)
	if err != nil {
		return preparedSend{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	msg.Payload.Content = encrypted.Marshal()
	msg.IsEncrypted = true

	nextHop := route[1]
	if len(route) > 2 {
		relayKeys, err := n.relayKeysFor(route)
		if err != nil {
			return preparedSend{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		ephemeral := n.identity.EphemeralKeyPair()
		packet, err := onion.Wrap(route, relayKeys, onion.PrivateKey(ephemeral.Private), msg.Payload.Content)
		if err != nil {
			return preparedSend{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
		}
		msg.OnionLayers = packet.Layers
		msg.Payload.Content = packet.FinalPayload
		msg.SenderEphemeralPublic = onion.PublicKey(ephemeral.Public)
	}

	msg.EnergyCost = cost
	msg.AddHop(n.self)
	n.markSeen(msg.Header.MessageID)

	framed, err := msg.Frame()
	if err != nil {
		return preparedSend{}, fmt.Errorf("%w: %v", ErrStoreError, err)
	}

	return preparedSend{
		messageID: msg.Header.MessageID,
		framed:    framed,
		nextHop:   nextHop,
		cost:      cost,
		recipient: recipient,
		msgType:   msg.Header.Type,
	}, nil
}

func (n *Node) handleFrame(from string, frame []byte) {
	if err := n.Receive(frame); err != nil {
		log.Printf("⚠️  mesh: receive from %s: %v", from, err)
	}
}

// Receive implements the receive path for a single framed inbound
// message: checksum verification, seen-set/loop suppression, and
// delivery or relay decisioning. An ack a delivery produces is sent
// after n.mu is released, for the same reentrancy reason dispatch
// releases it before emitting.
func (n *Node) Receive(raw []byte) error {
	n.mu.Lock()
	ack, err := n.receiveLocked(raw)
	n.mu.Unlock()

	if ack != nil {
		if _, sendErr := n.dispatch(*ack); sendErr != nil {
			log.Printf("⚠️  mesh: ack for %s failed: %v", string(ack.Payload.Content), sendErr)
		}
	}
	return err
}

func (n *Node) receiveLocked(raw []byte) (*wire.Message, error) {
	msg, err := wire.Unframe(raw)
	if err != nil {
		n.stats.MessagesDropped++
		return nil, nil
	}

	looped := false
	for _, hop := range msg.HopsTaken {
		if hop == n.self {
			looped = true
			break
		}
	}
	if looped || n.hasSeen(msg.Header.MessageID) {
		n.markSeen(msg.Header.MessageID)
		n.stats.MessagesDropped++
		return nil, ErrReplayOrLoop
	}
	n.markSeen(msg.Header.MessageID)

	if msg.Header.RecipientID == n.self {
		return n.deliverLocked(msg)
	}

	// A relay needs strictly more than one hop of budget left: forwarding
	// at ttl=1 would hand the next node a message already at ttl=0 with
	// no guarantee that node is the recipient.
	if msg.Header.TTL <= 1 {
		n.stats.MessagesDropped++
		return nil, ErrExpired
	}
	if !n.cfg.RelayEnabled {
		n.stats.MessagesDropped++
		return nil, nil
	}
	if len(n.relayQueue) >= n.cfg.MaxRelayQueue {
		n.stats.RelayQueueFull++
		n.stats.MessagesDropped++
		return nil, ErrQueueFull
	}

	return nil, n.relayLocked(msg)
}

// deliverLocked returns the ack to send back (if any) rather than
// sending it itself, so the caller can release n.mu first.
func (n *Node) deliverLocked(msg wire.Message) (*wire.Message, error) {
	if len(msg.OnionLayers) != 0 {
		n.stats.MessagesDropped++
		return nil, ErrCryptoFailure
	}

	session, err := n.ensureSession(msg.Header.SenderID, false)
	if err != nil {
		n.stats.MessagesDropped++
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	encrypted, err := ratchet.UnmarshalEncrypted(msg.Payload.Content)
	if err != nil {
		n.stats.MessagesDropped++
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	plaintext, err := session.Decrypt(encrypted.Header, encrypted.IV, encrypted.Ciphertext)
	if err != nil {
		n.stats.MessagesDropped++
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	n.stats.MessagesReceived++
	if msg.Header.Type == wire.TypeAck {
		if n.onDelivery != nil {
			n.onDelivery(string(plaintext))
		}
		return nil, nil
	}
	if n.cfg.AutoPenalizeSpam && n.ledger.IsSpamming(msg.Header.SenderID, n.cfg.SpamWindow, n.cfg.SpamMaxMessages) {
		n.ledger.ApplySpamPenalty(msg.Header.SenderID)
	}
	if n.onMessage != nil {
		n.onMessage(msg.Header.SenderID, string(plaintext), msg.Header.Timestamp)
	}

	ack := wire.NewAck(msg.Header.MessageID, n.self, msg.Header.SenderID)
	return &ack, nil
}

// relayLocked peels the leading onion layer to learn the next hop,
// credits the relay reward, and enqueues the message for the next tick.
func (n *Node) relayLocked(msg wire.Message) error {
	if len(msg.OnionLayers) == 0 {
		n.stats.MessagesDropped++
		return ErrCryptoFailure
	}

	myKeys := n.identity.IdentityKeyPair()
	packet := onion.Packet{Layers: msg.OnionLayers, FinalPayload: msg.Payload.Content}
	hopNumber := len(msg.HopsTaken) // the sender and any earlier relays already recorded
	nextHop, remaining, err := onion.Peel(packet, n.self, onion.PrivateKey(myKeys.Private), onion.PublicKey(msg.SenderEphemeralPublic), hopNumber)
	if err != nil {
		n.stats.MessagesDropped++
		return fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	msg.OnionLayers = remaining.Layers
	msg.Payload.Content = remaining.FinalPayload

	msg.AddHop(n.self)
	n.ledger.CreditRelay(n.self, msg.Header.MessageID, msg.EnergyCost)
	n.stats.MessagesRelayed++

	if n.cfg.AutoPenalizeSpam && n.ledger.IsSpamming(msg.Header.SenderID, n.cfg.SpamWindow, n.cfg.SpamMaxMessages) {
		n.ledger.ApplySpamPenalty(msg.Header.SenderID)
	}

	n.relayQueue = append(n.relayQueue, &queuedRelay{msg: msg, nextHop: nextHop, enqueuedAt: time.Now()})
	return nil
}

// pendingEmit is a relay-queue entry that has been resolved to a next
// hop and framed, waiting to be handed to the link outside n.mu.
type pendingEmit struct {
	qr      *queuedRelay
	nextHop string
	framed  []byte
}

// Tick drains the relay queue, evicts stale seen-set entries, and
// rebalances the energy ledger. A host drives this at roughly 1 Hz. The
// queue is resolved into a batch under lock, then handed to the link
// with the lock released, for the same reentrancy reason dispatch and
// Receive release it before emitting: a relayed message's eventual ack
// can loop back through this node before Tick returns.
func (n *Node) Tick() {
	n.mu.Lock()
	toSend := n.drainRelayQueueLocked()
	n.evictSeenLocked()
	n.mu.Unlock()

	var failed []*queuedRelay
	for _, pe := range toSend {
		if err := n.lnk.Emit(pe.nextHop, pe.framed); err != nil {
			failed = append(failed, pe.qr)
		}
	}

	n.mu.Lock()
	if len(failed) > 0 {
		n.relayQueue = append(n.relayQueue, failed...)
	}
	n.ledger.Rebalance(n.cfg.EnergyTarget)
	n.mu.Unlock()
}

func (n *Node) drainRelayQueueLocked() []pendingEmit {
	if len(n.relayQueue) == 0 || n.lnk == nil {
		return nil
	}
	var toSend []pendingEmit
	remaining := n.relayQueue[:0:0]
	for _, qr := range n.relayQueue {
		if qr.msg.IsExpired() || time.Since(qr.enqueuedAt) > n.cfg.RelayQueueAgeCap {
			n.stats.MessagesDropped++
			continue
		}

		nextHop, ok := n.routes.CachedNextHop(qr.msg.Header.RecipientID)
		if !ok {
			if path := n.routes.FindRoute(qr.msg.Header.RecipientID, n.mergedView()); path != nil {
				n.routes.CacheRoute(path)
				nextHop, ok = n.routes.CachedNextHop(qr.msg.Header.RecipientID)
			}
		}
		if !ok {
			remaining = append(remaining, qr)
			continue
		}

		framed, err := qr.msg.Frame()
		if err != nil {
			n.stats.MessagesDropped++
			continue
		}
		toSend = append(toSend, pendingEmit{qr: qr, nextHop: nextHop, framed: framed})
	}
	n.relayQueue = remaining
	return toSend
}

func (n *Node) evictSeenLocked() {
	now := time.Now()
	for id, expiry := range n.seen {
		if now.After(expiry) {
			delete(n.seen, id)
		}
	}
}
