package norm

import (
	"database/sql"
	"sync"
	"sync/atomic"
)

// DBResolver routes queries across a primary connection and read replicas:
// writes always hit the primary, reads go to a replica picked by the load
// balancer.
type DBResolver struct {
	primary  *sql.DB
	replicas []*sql.DB
	lb       LoadBalancer
}

// LoadBalancer selects a replica from a pool.
type LoadBalancer interface {
	Next(replicas []*sql.DB) *sql.DB
}

// RoundRobinLoadBalancer distributes reads across replicas in order.
type RoundRobinLoadBalancer struct {
	counter uint64
}

// Next returns the next replica in round-robin order.
func (r *RoundRobinLoadBalancer) Next(replicas []*sql.DB) *sql.DB {
	if len(replicas) == 0 {
		return nil
	}
	if len(replicas) == 1 {
		return replicas[0]
	}

	idx := atomic.AddUint64(&r.counter, 1) - 1
	return replicas[idx%uint64(len(replicas))]
}

// ResolverOption configures a DBResolver.
type ResolverOption func(*DBResolver)

// WithPrimary sets the primary database connection.
func WithPrimary(db *sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.primary = db
	}
}

// WithReplicas sets the replica database connections.
func WithReplicas(dbs ...*sql.DB) ResolverOption {
	return func(r *DBResolver) {
		r.replicas = dbs
	}
}

// WithLoadBalancer sets the replica selection strategy. Default is
// round-robin.
func WithLoadBalancer(lb LoadBalancer) ResolverOption {
	return func(r *DBResolver) {
		r.lb = lb
	}
}

// Primary returns the primary database connection.
func (r *DBResolver) Primary() *sql.DB {
	return r.primary
}

// Replica returns a replica picked by the load balancer, falling back to
// the primary when none are configured.
func (r *DBResolver) Replica() *sql.DB {
	if len(r.replicas) == 0 {
		return r.primary
	}
	return r.lb.Next(r.replicas)
}

// ReplicaAt returns a specific replica by index, nil when out of range.
func (r *DBResolver) ReplicaAt(index int) *sql.DB {
	if index < 0 || index >= len(r.replicas) {
		return nil
	}
	return r.replicas[index]
}

// HasReplicas reports whether replicas are configured.
func (r *DBResolver) HasReplicas() bool {
	return len(r.replicas) > 0
}

var (
	globalResolver   *DBResolver
	globalResolverMu sync.RWMutex
)

// ConfigureDBResolver installs a global resolver; once set, models without
// an explicit connection route reads and writes through it.
func ConfigureDBResolver(opts ...ResolverOption) {
	r := &DBResolver{lb: &RoundRobinLoadBalancer{}}
	for _, opt := range opts {
		opt(r)
	}

	globalResolverMu.Lock()
	globalResolver = r
	globalResolverMu.Unlock()
}

// ClearDBResolver removes the global resolver.
func ClearDBResolver() {
	globalResolverMu.Lock()
	globalResolver = nil
	globalResolverMu.Unlock()
}

// GetGlobalResolver returns the installed resolver, or nil.
func GetGlobalResolver() *DBResolver {
	globalResolverMu.RLock()
	defer globalResolverMu.RUnlock()
	return globalResolver
}

// UsePrimary forces this query's reads onto the primary connection; useful
// right after a write when replica lag would return stale rows.
func (m *Model[T]) UsePrimary() *Model[T] {
	m.forcePrimary = true
	return m
}

// UseReplica pins this query's reads to the replica at the given index.
func (m *Model[T]) UseReplica(index int) *Model[T] {
	m.forceReplica = index
	return m
}
