// Package tcplink implements a Link backed by persistent TCP
// connections: unlike a request/response RPC, a mesh link pushes
// frames in either direction at any time, so each peer connection is
// held open and framed messages are streamed over it.
package tcplink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/zentalk/meshphone/pkg/link"
)

// frame is the JSON envelope carried over the wire; it tags the
// sender's identity since the raw bytes alone don't self-identify.
type frame struct {
	From string `json:"from"`
	Data []byte `json:"data"`
}

// Link is a TCP-backed transport for one node. It listens for inbound
// peer connections and dials outbound ones on Connect.
type Link struct {
	identity string
	listener net.Listener

	mu              sync.RWMutex
	peers           map[string]net.Conn
	frameHandler    link.FrameHandler
	neighborHandler link.NeighborChangeHandler
	running         bool
}

// New creates a Link for identity without starting its listener.
func New(identity string) *Link {
	return &Link{
		identity: identity,
		peers:    make(map[string]net.Conn),
	}
}

// Listen starts accepting inbound peer connections on addr.
func (l *Link) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcplink: listen: %w", err)
	}
	l.listener = listener
	l.running = true
	go l.acceptLoop()
	return nil
}

// Addr returns the listener's bound address, valid after Listen.
func (l *Link) Addr() string {
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// Close stops accepting connections and closes every peer connection.
func (l *Link) Close() error {
	l.mu.Lock()
	l.running = false
	peers := l.peers
	l.peers = make(map[string]net.Conn)
	l.mu.Unlock()

	for _, conn := range peers {
		conn.Close()
	}
	if l.listener != nil {
		return l.listener.Close()
	}
	return nil
}

func (l *Link) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.RLock()
			running := l.running
			l.mu.RUnlock()
			if !running {
				return
			}
			log.Printf("tcplink: accept error: %v", err)
			continue
		}
		go l.readLoop(conn)
	}
}

// Connect dials peerIdentity at addr and registers it as a neighbor.
// The connection is held open for future Emit calls in either
// direction.
func (l *Link) Connect(peerIdentity, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcplink: connect to %s: %w", peerIdentity, err)
	}
	l.registerPeer(peerIdentity, conn)
	go l.readLoop(conn)
	return nil
}

func (l *Link) registerPeer(identity string, conn net.Conn) {
	l.mu.Lock()
	_, already := l.peers[identity]
	l.peers[identity] = conn
	handler := l.neighborHandler
	l.mu.Unlock()
	if !already && handler != nil {
		handler([]string{identity}, nil)
	}
}

func (l *Link) dropPeer(identity string) {
	l.mu.Lock()
	_, present := l.peers[identity]
	delete(l.peers, identity)
	handler := l.neighborHandler
	l.mu.Unlock()
	if present && handler != nil {
		handler(nil, []string{identity})
	}
}

// readLoop streams newline-delimited JSON frames off conn until it
// closes, dispatching each to the registered frame handler and
// learning the sender's identity from the frame itself.
func (l *Link) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(bufio.NewReader(conn))
	var peerIdentity string
	for {
		var f frame
		if err := decoder.Decode(&f); err != nil {
			if peerIdentity != "" {
				l.dropPeer(peerIdentity)
			}
			conn.Close()
			return
		}
		if peerIdentity == "" {
			peerIdentity = f.From
			l.registerPeer(peerIdentity, conn)
		}

		l.mu.RLock()
		handler := l.frameHandler
		l.mu.RUnlock()
		if handler != nil {
			handler(f.From, f.Data)
		}
	}
}

// Emit writes frame to the open connection for toIdentity.
func (l *Link) Emit(toIdentity string, data []byte) error {
	l.mu.RLock()
	conn, ok := l.peers[toIdentity]
	l.mu.RUnlock()
	if !ok {
		return link.ErrNoLink
	}

	encoded, err := json.Marshal(frame{From: l.identity, Data: data})
	if err != nil {
		return fmt.Errorf("tcplink: encode frame: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := conn.Write(encoded); err != nil {
		l.dropPeer(toIdentity)
		return fmt.Errorf("tcplink: emit to %s: %w", toIdentity, err)
	}
	return nil
}

// OnFrame registers the inbound frame handler.
func (l *Link) OnFrame(handler link.FrameHandler) {
	l.mu.Lock()
	l.frameHandler = handler
	l.mu.Unlock()
}

// Neighbors returns the identities with an open connection.
func (l *Link) Neighbors() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.peers))
	for id := range l.peers {
		out = append(out, id)
	}
	return out
}

// OnNeighborChange registers the neighbor-set-change handler.
func (l *Link) OnNeighborChange(handler link.NeighborChangeHandler) {
	l.mu.Lock()
	l.neighborHandler = handler
	l.mu.Unlock()
}
