package dss

import "fmt"

// NotLeaderError reports an operation that only the current leader may
// perform. The caller should re-resolve the leader and retry there.
type NotLeaderError struct {
	InstanceID string
}

func (e NotLeaderError) Error() string {
	return fmt.Sprintf("instance %q is not the leader", e.InstanceID)
}

// UnauthorizedError reports a missing or mismatched instance secret on an
// inter-instance call. Never retried.
type UnauthorizedError struct{}

func (e UnauthorizedError) Error() string {
	return "instance secret is missing or invalid"
}

// TransferError reports a failed transfer to the leader. The batch stays
// queued locally; the message is content-free.
type TransferError struct {
	LeaderID string
	Count    int
	Cause    error
}

func (e TransferError) Error() string {
	return fmt.Sprintf("transfer of %d responses to leader %q failed: %v", e.Count, e.LeaderID, e.Cause)
}

func (e TransferError) Unwrap() error {
	return e.Cause
}
