// Package cluster decides which node runs which periodic job.
package cluster

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Job identifiers of the periodic jobs.
const (
	JobSecuring  = "securing"
	JobCoherency = "coherency"
	JobRetry     = "retry"
	JobCleanup   = "cleanup"
)

// Coordinator reports whether this node should run job on the current tick.
type Coordinator interface {
	Active(ctx context.Context, job string) (bool, error)
}

// Static is a fixed assignment from configuration.
type Static struct {
	all  bool
	jobs []string
}

// NewStatic activates exactly the listed jobs.
func NewStatic(jobs ...string) *Static {
	return &Static{jobs: slices.Clone(jobs)}
}

// All activates every job, as on a single-node deployment.
func All() *Static {
	return &Static{all: true}
}

// Active implements Coordinator.
func (s *Static) Active(_ context.Context, job string) (bool, error) {
	return s.all || slices.Contains(s.jobs, job), nil
}

// LeaseStore persists job leases shared by every node.
type LeaseStore interface {
	AcquireLease(ctx context.Context, job, node string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, job, node string) error
}

// Lease makes a node active for a job while it holds the job's lease.
// Each Active call renews the lease, so a node that keeps ticking keeps the
// job and a node that dies loses it after ttl.
type Lease struct {
	store LeaseStore
	node  string
	ttl   time.Duration
}

// NewLease creates a lease coordinator. An empty node gets a random UUID.
func NewLease(store LeaseStore, node string, ttl time.Duration) *Lease {
	if node == "" {
		node = uuid.NewString()
	}
	return &Lease{store: store, node: node, ttl: ttl}
}

// Node returns this node's identity.
func (l *Lease) Node() string { return l.node }

// Active implements Coordinator.
func (l *Lease) Active(ctx context.Context, job string) (bool, error) {
	return l.store.AcquireLease(ctx, job, l.node, l.ttl)
}

// Release gives up the given jobs, letting another node take them at once.
func (l *Lease) Release(ctx context.Context, jobs ...string) error {
	for _, job := range jobs {
		if err := l.store.ReleaseLease(ctx, job, l.node); err != nil {
			return err
		}
	}
	return nil
}
