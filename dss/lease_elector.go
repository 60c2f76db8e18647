package dss

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"
)

// LeaseElector arbitrates leadership through a shared SQL lease record.
// It acquires the lease when no unexpired lease exists, renews its own
// lease on an interval, and drops to follower the moment a renew fails.
// Coordination-store errors never produce leadership; under uncertainty
// the instance stays a follower and retries.
type LeaseElector struct {
	store *sqlStore
	cfg   LeaseConfig

	mu     sync.Mutex
	status LeaseStatus
	ready  bool

	changes chan LeadershipChange
}

// NewLeaseElector constructs a lease-based elector over the shared
// coordination database.
func NewLeaseElector(db *sql.DB, cfg LeaseConfig) (*LeaseElector, error) {
	store, err := newSQLStore(db)
	if err != nil {
		return nil, err
	}
	return &LeaseElector{
		store: store,
		cfg:   cfg,
		status: LeaseStatus{
			Mode:     leaseModeFollower,
			HolderID: cfg.HolderID,
		},
		changes: make(chan LeadershipChange, 4),
	}, nil
}

func (e *LeaseElector) InstanceID() string { return e.cfg.HolderID }

func (e *LeaseElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Mode == leaseModeLeader
}

func (e *LeaseElector) IsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Status returns the local view of the lease.
func (e *LeaseElector) Status() LeaseStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *LeaseElector) Changes() <-chan LeadershipChange { return e.changes }

// LeaderInstanceID resolves the current leader from the lease record.
func (e *LeaseElector) LeaderInstanceID(ctx context.Context) (string, bool) {
	if e.IsLeader() {
		return e.cfg.HolderID, true
	}
	lease, ok, err := e.store.readLease(ctx, e.cfg.LeaseName)
	if err != nil || !ok {
		return "", false
	}
	return lease.holderID, true
}

// LeaderBaseURL resolves the current leader's transfer address from the
// lease record and the instance directory.
func (e *LeaseElector) LeaderBaseURL(ctx context.Context) (string, string, bool) {
	lease, ok, err := e.store.readLease(ctx, e.cfg.LeaseName)
	if err != nil {
		log.Printf("leader_resolve_failed holder_id=%s sql_error=%v", e.cfg.HolderID, err)
		return "", "", false
	}
	if !ok {
		return "", "", false
	}
	baseURL, ok, err := e.store.lookupInstance(ctx, lease.holderID)
	if err != nil {
		log.Printf("leader_resolve_failed holder_id=%s sql_error=%v", e.cfg.HolderID, err)
		return "", "", false
	}
	if !ok {
		return "", "", false
	}
	return lease.holderID, baseURL, true
}

// Run drives registration, acquisition, and renewal until ctx is done.
func (e *LeaseElector) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := e.store.upsertInstance(ctx, e.cfg.HolderID, e.cfg.BaseURL); err != nil {
			log.Printf("instance_register_failed holder_id=%s sql_error=%v", e.cfg.HolderID, err)
			if !sleepWithContext(ctx, e.cfg.AcquireInterval) {
				return
			}
			continue
		}
		break
	}

	for {
		select {
		case <-ctx.Done():
			e.becomeFollower(ctx)
			return
		default:
		}

		lease, acquired, err := e.store.acquireLease(ctx, e.cfg)
		e.markReady()
		if err != nil {
			log.Printf("leader_acquire_failed holder_id=%s sql_error=%v", e.cfg.HolderID, err)
		} else if acquired {
			e.runLeader(ctx, lease)
		}

		if !sleepWithContext(ctx, e.cfg.AcquireInterval) {
			e.becomeFollower(ctx)
			return
		}
	}
}

func (e *LeaseElector) runLeader(ctx context.Context, lease leaseRow) {
	e.setStatus(LeaseStatus{
		Mode:       leaseModeLeader,
		HolderID:   e.cfg.HolderID,
		LeaseEpoch: lease.leaseEpoch,
		ExpiresAt:  lease.expiresAt,
	})
	e.emit(ctx, LeadershipChange{InstanceID: e.cfg.HolderID, IsLeader: true})
	log.Printf("leader_acquired holder_id=%s lease_epoch=%d expires_at=%s", e.cfg.HolderID, lease.leaseEpoch, lease.expiresAt.UTC().Format(time.RFC3339Nano))

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.becomeFollower(ctx)
			return
		case <-ticker.C:
			renewed, ok, err := e.store.renewLease(ctx, e.cfg, lease.leaseEpoch)
			if err != nil || !ok {
				if err != nil {
					log.Printf("leader_renew_failed holder_id=%s lease_epoch=%d sql_error=%v", e.cfg.HolderID, lease.leaseEpoch, err)
				} else {
					log.Printf("leader_renew_failed holder_id=%s lease_epoch=%d", e.cfg.HolderID, lease.leaseEpoch)
				}
				e.becomeFollower(ctx)
				return
			}
			e.setStatus(LeaseStatus{
				Mode:       leaseModeLeader,
				HolderID:   e.cfg.HolderID,
				LeaseEpoch: renewed.leaseEpoch,
				ExpiresAt:  renewed.expiresAt,
			})
			log.Printf("leader_renewed holder_id=%s lease_epoch=%d expires_at=%s", e.cfg.HolderID, renewed.leaseEpoch, renewed.expiresAt.UTC().Format(time.RFC3339Nano))
		}
	}
}

func (e *LeaseElector) becomeFollower(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.status.Mode == leaseModeLeader
	e.status = LeaseStatus{Mode: leaseModeFollower, HolderID: e.cfg.HolderID}
	e.mu.Unlock()
	if wasLeader {
		e.emit(ctx, LeadershipChange{InstanceID: e.cfg.HolderID, IsLeader: false})
		log.Printf("leader_lost holder_id=%s", e.cfg.HolderID)
	}
}

func (e *LeaseElector) emit(ctx context.Context, change LeadershipChange) {
	select {
	case e.changes <- change:
	case <-ctx.Done():
	}
}

func (e *LeaseElector) markReady() {
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

func (e *LeaseElector) setStatus(status LeaseStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
