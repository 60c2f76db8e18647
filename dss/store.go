package dss

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// sqlStore holds the coordination state shared by the fleet: the leader
// lease and the instance directory used to resolve transfer addresses.
type sqlStore struct {
	db *sql.DB
}

func newSQLStore(db *sql.DB) (*sqlStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &sqlStore{db: db}, nil
}

type leaseRow struct {
	holderID   string
	leaseEpoch int64
	expiresAt  time.Time
}

func (s *sqlStore) acquireLease(ctx context.Context, cfg LeaseConfig) (leaseRow, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	leaseName := strings.TrimSpace(cfg.LeaseName)
	holderID := strings.TrimSpace(cfg.HolderID)
	if leaseName == "" || holderID == "" {
		return leaseRow{}, false, errors.New("lease name and holder id are required")
	}
	durationMs := cfg.LeaseDuration.Milliseconds()

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.dss_leases
     SET holder_id = @p1,
         lease_epoch = lease_epoch + 1,
         acquired_at = SYSUTCDATETIME(),
         renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p2, SYSUTCDATETIME())
     OUTPUT inserted.lease_epoch, inserted.expires_at
     WHERE lease_name = @p3 AND expires_at <= SYSUTCDATETIME()`,
		holderID,
		durationMs,
		leaseName,
	)
	var epoch int64
	var expiresAt time.Time
	if err := row.Scan(&epoch, &expiresAt); err == nil {
		return leaseRow{holderID: holderID, leaseEpoch: epoch, expiresAt: normalizeDBTime(expiresAt)}, true, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return leaseRow{}, false, err
	}

	row = s.db.QueryRowContext(
		ctx,
		`INSERT INTO dbo.dss_leases (
      lease_name, holder_id, lease_epoch, acquired_at, renewed_at, expires_at
    ) OUTPUT inserted.lease_epoch, inserted.expires_at
    VALUES (
      @p1, @p2, 1, SYSUTCDATETIME(), SYSUTCDATETIME(), DATEADD(MILLISECOND, @p3, SYSUTCDATETIME())
    )`,
		leaseName,
		holderID,
		durationMs,
	)
	if err := row.Scan(&epoch, &expiresAt); err != nil {
		if isUniqueViolation(err) {
			return leaseRow{}, false, nil
		}
		return leaseRow{}, false, err
	}
	return leaseRow{holderID: holderID, leaseEpoch: epoch, expiresAt: normalizeDBTime(expiresAt)}, true, nil
}

func (s *sqlStore) renewLease(ctx context.Context, cfg LeaseConfig, epoch int64) (leaseRow, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	leaseName := strings.TrimSpace(cfg.LeaseName)
	holderID := strings.TrimSpace(cfg.HolderID)
	if leaseName == "" || holderID == "" {
		return leaseRow{}, false, errors.New("lease name and holder id are required")
	}
	durationMs := cfg.LeaseDuration.Milliseconds()

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE dbo.dss_leases
     SET renewed_at = SYSUTCDATETIME(),
         expires_at = DATEADD(MILLISECOND, @p1, SYSUTCDATETIME())
     OUTPUT inserted.lease_epoch, inserted.expires_at
     WHERE lease_name = @p2
       AND holder_id = @p3
       AND lease_epoch = @p4
       AND expires_at > SYSUTCDATETIME()`,
		durationMs,
		leaseName,
		holderID,
		epoch,
	)
	var newEpoch int64
	var expiresAt time.Time
	if err := row.Scan(&newEpoch, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leaseRow{}, false, nil
		}
		return leaseRow{}, false, err
	}
	return leaseRow{holderID: holderID, leaseEpoch: newEpoch, expiresAt: normalizeDBTime(expiresAt)}, true, nil
}

func (s *sqlStore) readLease(ctx context.Context, leaseName string) (leaseRow, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(leaseName)
	if name == "" {
		return leaseRow{}, false, errors.New("lease name is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT holder_id, lease_epoch, expires_at
     FROM dbo.dss_leases
     WHERE lease_name = @p1 AND expires_at > SYSUTCDATETIME()`,
		name,
	)
	var holderID string
	var epoch int64
	var expiresAt time.Time
	if err := row.Scan(&holderID, &epoch, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return leaseRow{}, false, nil
		}
		return leaseRow{}, false, err
	}
	return leaseRow{holderID: holderID, leaseEpoch: epoch, expiresAt: normalizeDBTime(expiresAt)}, true, nil
}

// upsertInstance records this instance's base URL so followers can resolve
// the leader's transfer endpoint by holder id.
func (s *sqlStore) upsertInstance(ctx context.Context, instanceID, baseURL string) error {
	instanceID = strings.TrimSpace(instanceID)
	baseURL = strings.TrimSpace(baseURL)
	if instanceID == "" || baseURL == "" {
		return errors.New("instance id and base url are required")
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE dbo.dss_instances
     SET base_url = @p1, refreshed_at = SYSUTCDATETIME()
     WHERE instance_id = @p2`,
		baseURL,
		instanceID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO dbo.dss_instances (instance_id, base_url, registered_at, refreshed_at)
     VALUES (@p1, @p2, SYSUTCDATETIME(), SYSUTCDATETIME())`,
		instanceID,
		baseURL,
	)
	if err != nil && isUniqueViolation(err) {
		// Raced another registration for the same id; the update path wins
		// on the next refresh.
		return nil
	}
	return err
}

func (s *sqlStore) lookupInstance(ctx context.Context, instanceID string) (string, bool, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return "", false, errors.New("instance id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT base_url FROM dbo.dss_instances WHERE instance_id = @p1`,
		instanceID,
	)
	var baseURL string
	if err := row.Scan(&baseURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return baseURL, true, nil
}

func normalizeDBTime(value time.Time) time.Time {
	return time.Date(
		value.Year(),
		value.Month(),
		value.Day(),
		value.Hour(),
		value.Minute(),
		value.Second(),
		value.Nanosecond(),
		time.UTC,
	)
}

func isUniqueViolation(err error) bool {
	var mssqlErr mssql.Error
	if !errors.As(err, &mssqlErr) {
		return false
	}
	return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}
