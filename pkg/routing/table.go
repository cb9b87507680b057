// Package routing implements the mesh core's on-demand route discovery:
// shortest-path lookup over the visible network topology plus a small
// cache so repeated sends to the same destination skip rediscovery.
package routing

import "sync"

// Entry is one destination's cached route.
type Entry struct {
	Destination    string
	NextHop        string
	HopCount       int
	SequenceNumber uint64
	IsActive       bool
}

// Table tracks one node's neighbors and its cache of discovered routes.
// A Table is safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	nodeID    string
	neighbors map[string]struct{}
	routes    map[string]Entry
	sequence  uint64
}

// New returns an empty table for nodeID.
func New(nodeID string) *Table {
	return &Table{
		nodeID:    nodeID,
		neighbors: make(map[string]struct{}),
		routes:    make(map[string]Entry),
	}
}

// UpdateNeighbors replaces the set of directly reachable neighbors.
// Any cached route whose next hop fell out of the new set is marked
// inactive, since the node it depended on is no longer adjacent.
func (t *Table) UpdateNeighbors(neighbors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]struct{}, len(neighbors))
	for _, n := range neighbors {
		next[n] = struct{}{}
	}
	t.neighbors = next

	for dest, route := range t.routes {
		if _, ok := t.neighbors[route.NextHop]; !ok {
			route.IsActive = false
			t.routes[dest] = route
		}
	}
}

// Neighbors returns the current neighbor set.
func (t *Table) Neighbors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.neighbors))
	for n := range t.neighbors {
		out = append(out, n)
	}
	return out
}

// FindRoute runs a breadth-first search over networkGraph (node ID ->
// its neighbor IDs) for the shortest path from this table's node to
// destination. Returns nil if no path exists.
func (t *Table) FindRoute(destination string, networkGraph map[string][]string) []string {
	if destination == t.nodeID {
		return []string{t.nodeID}
	}
	if _, ok := networkGraph[destination]; !ok {
		return nil
	}

	visited := map[string]struct{}{t.nodeID: {}}
	type queued struct {
		node string
		path []string
	}
	queue := []queued{{t.nodeID, []string{t.nodeID}}}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, neighbor := range networkGraph[current.node] {
			if neighbor == destination {
				return append(append([]string(nil), current.path...), neighbor)
			}
			if _, seen := visited[neighbor]; seen {
				continue
			}
			visited[neighbor] = struct{}{}
			extended := append(append([]string(nil), current.path...), neighbor)
			queue = append(queue, queued{neighbor, extended})
		}
	}
	return nil
}

// CacheRoute stores a discovered path in the routing table, keyed by
// its destination (the path's last element). path must include this
// table's node somewhere before the last hop; otherwise CacheRoute is
// a no-op.
func (t *Table) CacheRoute(path []string) {
	if len(path) < 2 {
		return
	}
	destination := path[len(path)-1]

	myIndex := -1
	for i, hop := range path {
		if hop == t.nodeID {
			myIndex = i
			break
		}
	}
	if myIndex == -1 || myIndex >= len(path)-1 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	t.routes[destination] = Entry{
		Destination:    destination,
		NextHop:        path[myIndex+1],
		HopCount:       len(path) - myIndex - 1,
		SequenceNumber: t.sequence,
		IsActive:       true,
	}
}

// CachedNextHop returns the next hop for destination from the cache,
// and whether a usable (active, currently-adjacent) route was found.
func (t *Table) CachedNextHop(destination string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	route, ok := t.routes[destination]
	if !ok || !route.IsActive {
		return "", false
	}
	if _, adjacent := t.neighbors[route.NextHop]; !adjacent {
		return "", false
	}
	return route.NextHop, true
}

// Invalidate marks destination's cached route inactive, e.g. after a
// delivery failure reveals the link is broken.
func (t *Table) Invalidate(destination string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	route, ok := t.routes[destination]
	if !ok {
		return
	}
	route.IsActive = false
	t.routes[destination] = route
}
