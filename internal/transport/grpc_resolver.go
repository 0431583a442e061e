package transport

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/resolver"

	"raft-election/internal/wire"
)

// nameScheme addresses peers by node name: "election:///Node3".
const nameScheme = "election"

func nameTarget(name string) string {
	return fmt.Sprintf("%s:///%s", nameScheme, name)
}

// nameBuilder resolves node names through a Registry. Unlike resolver.Register it is passed per ClientConn with
// grpc.WithResolvers, so several in-process nodes can use different registries.
type nameBuilder struct {
	registry *Registry

	mu       sync.Mutex
	watchers map[string]map[*nameResolver]struct{}
}

func newNameBuilder(registry *Registry) *nameBuilder {
	return &nameBuilder{
		registry: registry,
		watchers: make(map[string]map[*nameResolver]struct{}),
	}
}

func (*nameBuilder) Scheme() string { return nameScheme }

func (b *nameBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	name := target.Endpoint()
	if name == "" {
		return nil, fmt.Errorf("%s resolver: empty target endpoint: %+v", nameScheme, target)
	}

	r := &nameResolver{name: name, cc: cc, builder: b}

	b.mu.Lock()
	set := b.watchers[name]
	if set == nil {
		set = make(map[*nameResolver]struct{})
		b.watchers[name] = set
	}
	set[r] = struct{}{}
	b.mu.Unlock()

	r.push()
	return r, nil
}

// Update changes the address of a node and notifies every open connection to it.
func (b *nameBuilder) Update(name string, ep Endpoints) {
	b.registry.Set(name, ep)

	b.mu.Lock()
	watchers := make([]*nameResolver, 0, len(b.watchers[name]))
	for w := range b.watchers[name] {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy.
	for _, w := range watchers {
		w.push()
	}
}

type nameResolver struct {
	name    string
	cc      resolver.ClientConn
	builder *nameBuilder
}

func (r *nameResolver) ResolveNow(resolver.ResolveNowOptions) { r.push() }

func (r *nameResolver) Close() {
	r.builder.mu.Lock()
	defer r.builder.mu.Unlock()
	if set, ok := r.builder.watchers[r.name]; ok {
		delete(set, r)
		if len(set) == 0 {
			delete(r.builder.watchers, r.name)
		}
	}
}

func (r *nameResolver) push() {
	addr, err := r.builder.registry.Resolve(r.name, wire.Protocol)
	if err != nil {
		// No address yet; gRPC keeps the channel in TRANSIENT_FAILURE and retries on ResolveNow.
		r.cc.ReportError(err)
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
