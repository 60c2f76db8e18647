package dss

import "context"

// LeadershipChange is the message emitted exactly when the local
// instance's leadership flips.
type LeadershipChange struct {
	InstanceID string
	IsLeader   bool
}

// LeaderElector arbitrates a single leader among the running instances.
// Implementations must never report leadership while the coordination
// store is unreachable; under uncertainty the instance is a follower.
type LeaderElector interface {
	// InstanceID is the opaque identity of this process.
	InstanceID() string
	// IsLeader reports whether this instance currently holds leadership.
	IsLeader() bool
	// IsReady reports whether election has stabilized at least once.
	IsReady() bool
	// LeaderInstanceID resolves the current leader, if any.
	LeaderInstanceID(ctx context.Context) (string, bool)
	// Changes delivers one message per leadership flip.
	Changes() <-chan LeadershipChange
	// Run drives the election loop until the context is canceled.
	Run(ctx context.Context)
}

// SingleInstanceElector short-circuits election for single-instance
// deployments: it self-declares leader and is ready immediately.
type SingleInstanceElector struct {
	instanceID string
	changes    chan LeadershipChange
}

// NewSingleInstanceElector constructs a self-declared leader.
func NewSingleInstanceElector(instanceID string) *SingleInstanceElector {
	changes := make(chan LeadershipChange, 1)
	changes <- LeadershipChange{InstanceID: instanceID, IsLeader: true}
	return &SingleInstanceElector{
		instanceID: instanceID,
		changes:    changes,
	}
}

func (e *SingleInstanceElector) InstanceID() string { return e.instanceID }

func (e *SingleInstanceElector) IsLeader() bool { return true }

func (e *SingleInstanceElector) IsReady() bool { return true }

func (e *SingleInstanceElector) LeaderInstanceID(ctx context.Context) (string, bool) {
	return e.instanceID, true
}

func (e *SingleInstanceElector) Changes() <-chan LeadershipChange { return e.changes }

func (e *SingleInstanceElector) Run(ctx context.Context) {
	<-ctx.Done()
}
