package dss

import "time"

const (
	leaseModeLeader   = "leader"
	leaseModeFollower = "follower"
)

// LeaseConfig defines the SQL lease timing and identity parameters.
type LeaseConfig struct {
	LeaseName       string
	HolderID        string
	BaseURL         string
	LeaseDuration   time.Duration
	RenewInterval   time.Duration
	AcquireInterval time.Duration
}

// LeaseStatus captures the local view of leadership for readiness.
type LeaseStatus struct {
	Mode       string
	HolderID   string
	LeaseEpoch int64
	ExpiresAt  time.Time
}

// DefaultLeaseConfig returns the reference lease timing for an instance.
func DefaultLeaseConfig(holderID, baseURL string) LeaseConfig {
	return LeaseConfig{
		LeaseName:       "dss-leader",
		HolderID:        holderID,
		BaseURL:         baseURL,
		LeaseDuration:   15 * time.Second,
		RenewInterval:   5 * time.Second,
		AcquireInterval: 5 * time.Second,
	}
}
