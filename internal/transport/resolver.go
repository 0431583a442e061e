package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"raft-election/internal/wire"
)

// Resolver maps a node name and logical channel to a network address.
type Resolver interface {
	Resolve(name string, ch wire.Channel) (string, error)
}

// Endpoints are the two addresses a node listens on.
type Endpoints struct {
	Protocol string
	Ballots  string
}

func (e Endpoints) of(ch wire.Channel) string {
	if ch == wire.Ballots {
		return e.Ballots
	}
	return e.Protocol
}

// HostResolver treats the node name as a host name (for example a container name on a shared network) and
// uses the same two ports for every node.
type HostResolver struct {
	ProtocolPort int
	BallotPort   int
}

// Resolve implements Resolver.
func (r HostResolver) Resolve(name string, ch wire.Channel) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnknownPeer)
	}
	port := r.ProtocolPort
	if ch == wire.Ballots {
		port = r.BallotPort
	}
	return net.JoinHostPort(name, strconv.Itoa(port)), nil
}

// Registry is a concurrency-safe, explicit name to Endpoints table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Endpoints
}

// NewRegistry returns a Registry seeded with the given entries.
func NewRegistry(entries map[string]Endpoints) *Registry {
	r := &Registry{entries: make(map[string]Endpoints, len(entries))}
	for name, ep := range entries {
		r.entries[name] = ep
	}
	return r
}

// LocalRegistry lays out totalNodes nodes on one host: NodeI listens on basePort+2i (protocol) and
// basePort+2i+1 (ballots).
func LocalRegistry(host string, basePort, totalNodes int) *Registry {
	entries := make(map[string]Endpoints, totalNodes)
	for i := 0; i < totalNodes; i++ {
		entries[NodeName(i)] = Endpoints{
			Protocol: net.JoinHostPort(host, strconv.Itoa(basePort+2*i)),
			Ballots:  net.JoinHostPort(host, strconv.Itoa(basePort+2*i+1)),
		}
	}
	return NewRegistry(entries)
}

// Set adds or replaces the endpoints of a node.
func (r *Registry) Set(name string, ep Endpoints) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = ep
}

// Lookup returns the endpoints of a node.
func (r *Registry) Lookup(name string) (Endpoints, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[name]
	return ep, ok
}

// Resolve implements Resolver.
func (r *Registry) Resolve(name string, ch wire.Channel) (string, error) {
	ep, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	addr := ep.of(ch)
	if addr == "" {
		return "", fmt.Errorf("%w: %s has no %s endpoint", ErrUnknownPeer, name, ch)
	}
	return addr, nil
}
