// Package tenant manages tenant configuration records and their
// synchronization from the on-disk companies directory.
package tenant

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"github.com/orevatech/opsportal/errors"
)

// Record is a tenant configuration row.
type Record struct {
	Key            string
	DisplayName    string
	Active         bool
	ConfigJSON     string
	ConfigChecksum string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// keyPattern constrains tenant keys to lowercase slugs.
var keyPattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateKey reports whether key is a legal tenant key.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.NewInvalidRequestError(
			errors.Newf("invalid tenant key %q: must match [a-z0-9_-], max 64 chars", key))
	}
	return nil
}

// Store persists tenant records.
type Store struct {
	conn *sql.DB
}

// NewStore creates a tenant store.
func NewStore(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Get returns the tenant with the given key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT tenant_key, display_name, active, config_json, config_checksum,
		       version, created_at, updated_at
		FROM tenant_configs WHERE tenant_key = ?`, key)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "tenant %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get tenant")
	}
	return rec, nil
}

// List returns all tenants ordered by key. When activeOnly is set,
// inactive tenants are excluded.
func (s *Store) List(ctx context.Context, activeOnly bool) ([]*Record, error) {
	query := `
		SELECT tenant_key, display_name, active, config_json, config_checksum,
		       version, created_at, updated_at
		FROM tenant_configs`
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY tenant_key"

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan tenant")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Upsert inserts a new tenant at version 1, or updates an existing one.
// An update only bumps the version when the checksum actually changed.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tenant_configs (
			tenant_key, display_name, active, config_json, config_checksum,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(tenant_key) DO UPDATE SET
			display_name = excluded.display_name,
			active = excluded.active,
			config_json = excluded.config_json,
			config_checksum = excluded.config_checksum,
			version = version + CASE
				WHEN config_checksum != excluded.config_checksum THEN 1 ELSE 0 END,
			updated_at = excluded.updated_at`,
		rec.Key, rec.DisplayName, rec.Active, rec.ConfigJSON, rec.ConfigChecksum,
		now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert tenant %s", rec.Key)
	}
	return nil
}

// Deactivate marks a tenant inactive without deleting its history.
func (s *Store) Deactivate(ctx context.Context, key string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.conn.ExecContext(ctx, `
		UPDATE tenant_configs SET active = 0, updated_at = ?
		WHERE tenant_key = ? AND active = 1`, now, key)
	if err != nil {
		return errors.Wrapf(err, "failed to deactivate tenant %s", key)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil // already inactive or unknown
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                  Record
		active               int
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.Key, &rec.DisplayName, &active, &rec.ConfigJSON,
		&rec.ConfigChecksum, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Active = active != 0
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}
