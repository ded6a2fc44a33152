// Package coordinator decides which sender in the cluster runs the master
// passes. Exactly one master may run at a time; everyone else only delivers
// what the master hands them.
package coordinator

import (
	"context"

	"herald/internal/metrics"
)

// Coordinator answers the mastership question for this sender.
type Coordinator interface {
	// IsMaster reports whether this sender currently holds mastership.
	IsMaster(ctx context.Context) bool

	// Peers lists the other senders in the cluster.
	Peers() []string
}

// Static is a configuration-driven coordinator for single-node and test
// deployments: mastership is fixed at startup.
type Static struct {
	master bool
	peers  []string
}

// NewStatic creates a static coordinator.
func NewStatic(master bool, peers []string) *Static {
	if master {
		metrics.IsMaster.Set(1)
	}
	return &Static{master: master, peers: peers}
}

// IsMaster reports the configured mastership.
func (s *Static) IsMaster(ctx context.Context) bool {
	return s.master
}

// Peers lists the configured peers.
func (s *Static) Peers() []string {
	return s.peers
}
