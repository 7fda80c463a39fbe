package pgparcels

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS packages (
  package_id TEXT PRIMARY KEY,
  current_status TEXT NOT NULL,
  current_lat DOUBLE PRECISION NULL,
  current_lon DOUBLE PRECISION NULL,
  last_updated TIMESTAMPTZ NOT NULL,
  eta TIMESTAMPTZ NULL,
  is_active BOOLEAN NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_active_last_updated ON packages(is_active, last_updated DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_packages_current_status ON packages(current_status)`,
		`
CREATE TABLE IF NOT EXISTS package_events (
  id TEXT PRIMARY KEY,
  fingerprint TEXT NOT NULL,
  package_id TEXT NOT NULL,
  status TEXT NOT NULL,
  lat DOUBLE PRECISION NULL,
  lon DOUBLE PRECISION NULL,
  event_time TIMESTAMPTZ NOT NULL,
  received_at TIMESTAMPTZ NOT NULL,
  note TEXT NULL,
  eta TIMESTAMPTZ NULL
)`,
		// The fingerprint is the idempotency key of a courier report.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_package_events_fingerprint ON package_events(fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_package_id_event_time ON package_events(package_id, event_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_package_events_received_at ON package_events(received_at DESC)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
