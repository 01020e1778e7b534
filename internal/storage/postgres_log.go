package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

const selectColumns = `l.driver_id, l.lat, l.lon, l.status, l.geohash, l.recorded_at`

// latestQuery joins every row against its driver's MAX(recorded_at).
const latestQuery = `SELECT ` + selectColumns + `
FROM driver_locations l
JOIN (
    SELECT driver_id, MAX(recorded_at) AS recorded_at
    FROM driver_locations
    GROUP BY driver_id
) latest ON latest.driver_id = l.driver_id AND latest.recorded_at = l.recorded_at`

type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(dsn string) (*PostgresLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresLogFromDB(db), nil
}

func NewPostgresLogFromDB(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) DB() *sql.DB { return p.db }

func (p *PostgresLog) Close() error { return p.db.Close() }

func (p *PostgresLog) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func transient(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %w", models.ErrTransientStorage, op, err)
}

// Append inserts inside a transaction; afterCommit runs only once COMMIT has
// returned without error.
func (p *PostgresLog) Append(ctx context.Context, pos models.DriverPosition, afterCommit func()) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO driver_locations(id, driver_id, lat, lon, status, geohash, recorded_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		uuid.NewString(), pos.DriverID, pos.Lat, pos.Lon, string(pos.Status), pos.Geohash, pos.Timestamp.UTC())
	if err != nil {
		_ = tx.Rollback()
		return transient("insert location", err)
	}
	if err := tx.Commit(); err != nil {
		return transient("commit", err)
	}
	if afterCommit != nil {
		afterCommit()
	}
	return nil
}

func (p *PostgresLog) Latest(ctx context.Context, driverID string) (models.DriverPosition, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM driver_locations l WHERE l.driver_id = $1 ORDER BY l.recorded_at DESC LIMIT 1`,
		driverID)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DriverPosition{}, false, nil
	}
	if err != nil {
		return models.DriverPosition{}, false, transient("latest", err)
	}
	return pos, true, nil
}

func (p *PostgresLog) Range(ctx context.Context, driverID string, from, to time.Time) ([]models.DriverPosition, error) {
	return p.query(ctx, "range",
		`SELECT `+selectColumns+` FROM driver_locations l WHERE l.driver_id = $1 AND l.recorded_at BETWEEN $2 AND $3 ORDER BY l.recorded_at ASC`,
		driverID, from.UTC(), to.UTC())
}

func (p *PostgresLog) LatestInBox(ctx context.Context, box geo.BoundingBox) ([]models.DriverPosition, error) {
	lonClause := `l.lon BETWEEN $3 AND $4`
	if box.CrossesAntimeridian() {
		lonClause = `(l.lon >= $3 OR l.lon <= $4)`
	}
	rows, err := p.query(ctx, "latest in box",
		latestQuery+` WHERE l.lat BETWEEN $1 AND $2 AND `+lonClause,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	return dedupeLatest(rows), err
}

func (p *PostgresLog) LatestByGeohashPrefix(ctx context.Context, prefix string) ([]models.DriverPosition, error) {
	rows, err := p.query(ctx, "latest by geohash", latestQuery+` WHERE l.geohash LIKE $1`, prefix+"%")
	return dedupeLatest(rows), err
}

func (p *PostgresLog) LatestAll(ctx context.Context) ([]models.DriverPosition, error) {
	rows, err := p.query(ctx, "latest all", latestQuery)
	return dedupeLatest(rows), err
}

func (p *PostgresLog) query(ctx context.Context, op, q string, args ...interface{}) ([]models.DriverPosition, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, transient(op, err)
	}
	defer rows.Close()
	var out []models.DriverPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, transient(op, err)
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, transient(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (models.DriverPosition, error) {
	var (
		pos    models.DriverPosition
		status string
	)
	if err := s.Scan(&pos.DriverID, &pos.Lat, &pos.Lon, &status, &pos.Geohash, &pos.Timestamp); err != nil {
		return models.DriverPosition{}, err
	}
	pos.Status = models.DriverStatus(status)
	return pos, nil
}

// dedupeLatest drops duplicate driver rows that share the same max timestamp.
func dedupeLatest(rows []models.DriverPosition) []models.DriverPosition {
	if len(rows) < 2 {
		return rows
	}
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0]
	for _, r := range rows {
		if _, ok := seen[r.DriverID]; ok {
			continue
		}
		seen[r.DriverID] = struct{}{}
		out = append(out, r)
	}
	return out
}
