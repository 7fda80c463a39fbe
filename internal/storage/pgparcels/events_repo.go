package pgparcels

import (
	"context"
	"time"

	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const eventColumns = `
  id, fingerprint, package_id, status, lat, lon,
  event_time, received_at, note, eta`

func (s *Storage) GetEventByFingerprint(ctx context.Context, fingerprint string) (*models.StatusEvent, error) {
	row := s.db.QueryRow(ctx, `SELECT`+eventColumns+`
FROM package_events
WHERE fingerprint = $1
`, fingerprint)

	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select event by fingerprint")
	}
	return ev, nil
}

// InsertEvent returns inserted=false when the fingerprint is already stored.
func (s *Storage) InsertEvent(ctx context.Context, ev *models.StatusEvent) (bool, error) {
	var lat, lon *float64
	if ev.Position != nil {
		lat, lon = &ev.Position.Lat, &ev.Position.Lon
	}

	var id string
	err := s.db.QueryRow(ctx, `
INSERT INTO package_events (`+eventColumns+`
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (fingerprint) DO NOTHING
RETURNING id
`, ev.ID, ev.Fingerprint, ev.PackageID, string(ev.Status), lat, lon,
		ev.EventTimestamp.UTC(), ev.ReceivedAt.UTC(), ev.Note, utcPtr(ev.ETA)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert event")
	}
	return true, nil
}

func (s *Storage) ListPackageEvents(ctx context.Context, packageID string, limit, offset int) ([]*models.StatusEvent, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > storage.MaxEventsPage:
		limit = storage.MaxEventsPage
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `SELECT`+eventColumns+`
FROM package_events
WHERE package_id = $1
ORDER BY event_time DESC, received_at DESC
LIMIT $2 OFFSET $3
`, packageID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	out := make([]*models.StatusEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*models.StatusEvent, error) {
	var ev models.StatusEvent
	var status string
	var lat, lon *float64
	if err := row.Scan(
		&ev.ID, &ev.Fingerprint, &ev.PackageID, &status, &lat, &lon,
		&ev.EventTimestamp, &ev.ReceivedAt, &ev.Note, &ev.ETA,
	); err != nil {
		return nil, err
	}
	ev.Status = models.Status(status)
	ev.Position = position(lat, lon)
	ev.EventTimestamp = ev.EventTimestamp.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	ev.ETA = utcPtr(ev.ETA)
	return &ev, nil
}

func position(lat, lon *float64) *models.Position {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Position{Lat: *lat, Lon: *lon}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
