// Package memlink provides an in-memory link fabric for wiring
// multiple mesh nodes together inside a single process, without a
// real transport. It exists for tests and local simulation.
package memlink

import (
	"sync"

	"github.com/zentalk/meshphone/pkg/link"
)

// Fabric is a shared switchboard: every Link registered on the same
// Fabric can reach every other by identity.
type Fabric struct {
	mu    sync.Mutex
	links map[string]*Link
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{links: make(map[string]*Link)}
}

// Link is one node's connection into a Fabric.
type Link struct {
	fabric   *Fabric
	identity string

	mu              sync.Mutex
	neighbors       map[string]struct{}
	frameHandler    link.FrameHandler
	neighborHandler link.NeighborChangeHandler
}

// NewLink registers identity on fabric and returns its Link. Two
// identities become neighbors via Connect, not automatically.
func (f *Fabric) NewLink(identity string) *Link {
	l := &Link{
		fabric:    f,
		identity:  identity,
		neighbors: make(map[string]struct{}),
	}
	f.mu.Lock()
	f.links[identity] = l
	f.mu.Unlock()
	return l
}

// Connect makes a and b mutual neighbors.
func (f *Fabric) Connect(a, b string) {
	f.mu.Lock()
	la, lb := f.links[a], f.links[b]
	f.mu.Unlock()
	if la == nil || lb == nil {
		return
	}
	la.addNeighbor(b)
	lb.addNeighbor(a)
}

// Disconnect removes the mutual neighbor relationship between a and b.
func (f *Fabric) Disconnect(a, b string) {
	f.mu.Lock()
	la, lb := f.links[a], f.links[b]
	f.mu.Unlock()
	if la == nil || lb == nil {
		return
	}
	la.removeNeighbor(b)
	lb.removeNeighbor(a)
}

func (l *Link) addNeighbor(id string) {
	l.mu.Lock()
	_, already := l.neighbors[id]
	l.neighbors[id] = struct{}{}
	handler := l.neighborHandler
	l.mu.Unlock()
	if !already && handler != nil {
		handler([]string{id}, nil)
	}
}

func (l *Link) removeNeighbor(id string) {
	l.mu.Lock()
	_, present := l.neighbors[id]
	delete(l.neighbors, id)
	handler := l.neighborHandler
	l.mu.Unlock()
	if present && handler != nil {
		handler(nil, []string{id})
	}
}

// Emit delivers frame to toIdentity synchronously if it is a neighbor.
func (l *Link) Emit(toIdentity string, frame []byte) error {
	l.mu.Lock()
	_, ok := l.neighbors[toIdentity]
	l.mu.Unlock()
	if !ok {
		return link.ErrNoLink
	}

	l.fabric.mu.Lock()
	dest := l.fabric.links[toIdentity]
	l.fabric.mu.Unlock()
	if dest == nil {
		return link.ErrNoLink
	}

	dest.mu.Lock()
	handler := dest.frameHandler
	dest.mu.Unlock()
	if handler != nil {
		handler(l.identity, frame)
	}
	return nil
}

// OnFrame registers the inbound frame handler.
func (l *Link) OnFrame(handler link.FrameHandler) {
	l.mu.Lock()
	l.frameHandler = handler
	l.mu.Unlock()
}

// Neighbors returns the identities currently connected to this link.
func (l *Link) Neighbors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.neighbors))
	for id := range l.neighbors {
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
