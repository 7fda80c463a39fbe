package pgparcels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/ParcelWatch/internal/models"
	"github.com/BearBump/ParcelWatch/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const packageColumns = `
  package_id, current_status, current_lat, current_lon,
  last_updated, eta, is_active, created_at, updated_at`

func (s *Storage) GetPackage(ctx context.Context, packageID string) (*models.PackageState, error) {
	row := s.db.QueryRow(ctx, `SELECT`+packageColumns+`
FROM packages
WHERE package_id = $1
`, packageID)

	p, err := scanPackage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

func (s *Storage) GetPackagesByIDs(ctx context.Context, ids []string) ([]*models.PackageState, error) {
	if len(ids) == 0 {
		return []*models.PackageState{}, nil
	}

	rows, err := s.db.Query(ctx, `SELECT`+packageColumns+`
FROM packages
WHERE package_id = ANY($1)
`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	return collectPackages(rows, len(ids))
}

// SavePackage is a compare-and-swap on last_updated: with prevLastUpdated nil
// the row must not exist yet, otherwise the stored last_updated must equal it.
// storage.ErrConflict is returned when nothing was written.
func (s *Storage) SavePackage(ctx context.Context, st *models.PackageState, prevLastUpdated *time.Time) error {
	var lat, lon *float64
	if st.CurrentPosition != nil {
		lat, lon = &st.CurrentPosition.Lat, &st.CurrentPosition.Lon
	}

	var (
		q    string
		args []any
	)
	if prevLastUpdated == nil {
		q = `
INSERT INTO packages (` + packageColumns + `
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (package_id) DO NOTHING
`
		args = []any{st.PackageID, string(st.CurrentStatus), lat, lon,
			st.LastUpdated.UTC(), utcPtr(st.ETA), st.IsActive, st.CreatedAt.UTC(), st.UpdatedAt.UTC()}
	} else {
		q = `
UPDATE packages
SET
  current_status = $2,
  current_lat = $3,
  current_lon = $4,
  last_updated = $5,
  eta = $6,
  is_active = $7,
  updated_at = $8
WHERE package_id = $1
  AND last_updated = $9
`
		args = []any{st.PackageID, string(st.CurrentStatus), lat, lon,
			st.LastUpdated.UTC(), utcPtr(st.ETA), st.IsActive, st.UpdatedAt.UTC(), prevLastUpdated.UTC()}
	}

	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "save package")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

func (s *Storage) ListStalledPackages(ctx context.Context, cutoff time.Time) ([]*models.PackageState, error) {
	rows, err := s.db.Query(ctx, `SELECT`+packageColumns+`
FROM packages
WHERE is_active
  AND last_updated < $1
ORDER BY last_updated ASC, package_id ASC
`, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "select stalled packages")
	}
	return collectPackages(rows, 0)
}

func (s *Storage) ListPackages(ctx context.Context, f models.PackageFilter) ([]*models.PackageState, int, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active")
	}
	if f.UpdatedSince != nil {
		add("last_updated >= $%d", f.UpdatedSince.UTC())
	}
	if f.Status != nil {
		add("current_status = $%d", string(*f.Status))
	}
	if f.Search != "" {
		add(`package_id ILIKE '%%' || $%d || '%%'`, escapeLike(f.Search))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM packages `+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count packages")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT`+packageColumns+`
FROM packages
%s
ORDER BY last_updated DESC, package_id ASC
LIMIT $%d OFFSET $%d
`, where, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "select packages page")
	}
	out, err := collectPackages(rows, limit)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func collectPackages(rows pgx.Rows, capHint int) ([]*models.PackageState, error) {
	defer rows.Close()

	out := make([]*models.PackageState, 0, capHint)
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanPackage(row pgx.Row) (*models.PackageState, error) {
	var p models.PackageState
	var status string
	var lat, lon *float64
	if err := row.Scan(
		&p.PackageID, &status, &lat, &lon,
		&p.LastUpdated, &p.ETA, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.CurrentStatus = models.Status(status)
	p.CurrentPosition = position(lat, lon)
	p.LastUpdated = p.LastUpdated.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.ETA = utcPtr(p.ETA)
	return &p, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
