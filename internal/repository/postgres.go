package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/haulfleet/ingestd/internal/telemetry"
)

// Postgres is the RelationalStore adapter: trucks, road segments,
// roughness events, aggregated stats, and advisory locks all live in
// one Postgres database.
type Postgres struct {
	db *sql.DB

	lockMu   sync.Mutex
	lockConn map[string]*sql.Conn // pg_advisory_unlock must run on the same session that took the lock
}

// Open connects to Postgres using dsn (a standard libpq connection
// string) and verifies connectivity.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	return &Postgres{db: db, lockConn: make(map[string]*sql.Conn)}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) FindTruckByIdentifier(ctx context.Context, identifier string) (*telemetry.Truck, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, identifier, status FROM trucks WHERE identifier = $1`, identifier)

	var t telemetry.Truck
	if err := row.Scan(&t.ID, &t.Identifier, &t.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: find truck by identifier: %w", err)
	}
	return &t, nil
}

func (p *Postgres) InsertRoughnessEvents(ctx context.Context, events []telemetry.RoughnessEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO roughness_events
			(start_time, duration_ms, truck_id, latitude, longitude, segment_id,
			 event_type, severity, peak_x, peak_y, peak_z, speed, is_loaded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`)
	if err != nil {
		return fmt.Errorf("repository: prepare insert roughness event: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.StartTime, e.DurationMs, e.TruckID, e.Latitude, e.Longitude, e.SegmentID,
			string(e.EventType), e.Severity.String(), e.PeakX, e.PeakY, e.PeakZ, e.Speed, e.IsLoaded,
		); err != nil {
			return fmt.Errorf("repository: insert roughness event: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ListRoadSegmentIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM road_segments`)
	if err != nil {
		return nil, fmt.Errorf("repository: list road segment ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: scan road segment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) ListRoadSegments(ctx context.Context) ([]telemetry.RoadSegment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT s.id, s.name, v.lat, v.lon
		 FROM road_segments s
		 JOIN road_segment_vertices v ON v.segment_id = s.id
		 ORDER BY s.id, v.sequence`)
	if err != nil {
		return nil, fmt.Errorf("repository: list road segments: %w", err)
	}
	defer rows.Close()

	bySegment := make(map[int64]*telemetry.RoadSegment)
	var order []int64
	for rows.Next() {
		var id int64
		var name string
		var lat, lon float64
		if err := rows.Scan(&id, &name, &lat, &lon); err != nil {
			return nil, fmt.Errorf("repository: scan road segment vertex: %w", err)
		}
		seg, ok := bySegment[id]
		if !ok {
			seg = &telemetry.RoadSegment{ID: id, Name: name}
			bySegment[id] = seg
			order = append(order, id)
		}
		seg.Vertices = append(seg.Vertices, telemetry.LatLon{Lat: lat, Lon: lon})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	segments := make([]telemetry.RoadSegment, 0, len(order))
	for _, id := range order {
		segments = append(segments, *bySegment[id])
	}
	return segments, nil
}

func (p *Postgres) CountEventsForSegmentOnDay(ctx context.Context, segmentID int64, day time.Time, criticalOnly bool) (int64, error) {
	start := day.Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	query := `SELECT count(*) FROM roughness_events WHERE segment_id = $1 AND start_time >= $2 AND start_time < $3`
	args := []any{segmentID, start, end}
	if criticalOnly {
		query += ` AND severity = $4`
		args = append(args, telemetry.SeverityCritical.String())
	}

	var n int64
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("repository: count events for segment on day: %w", err)
	}
	return n, nil
}

func (p *Postgres) UpsertSegmentStats(ctx context.Context, row telemetry.RoadSegmentStats) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO road_segment_stats
			(segment_id, date, total_passes, loaded_passes, avg_speed, std_dev_z,
			 iri, iri_category, event_count, critical_event_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (segment_id, date) DO UPDATE SET
			total_passes = EXCLUDED.total_passes,
			loaded_passes = EXCLUDED.loaded_passes,
			avg_speed = EXCLUDED.avg_speed,
			std_dev_z = EXCLUDED.std_dev_z,
			iri = EXCLUDED.iri,
			iri_category = EXCLUDED.iri_category,
			event_count = EXCLUDED.event_count,
			critical_event_count = EXCLUDED.critical_event_count`,
		row.SegmentID, row.Date, row.TotalPasses, row.LoadedPasses, row.AvgSpeed, row.StdDevZ,
		row.IRI, row.IRICategory, row.EventCount, row.CriticalEventCount)
	if err != nil {
		return fmt.Errorf("repository: upsert segment stats: %w", err)
	}
	return nil
}

// AcquireAdvisoryLock takes a Postgres session-level advisory lock
// keyed by the FNV-1a hash of name, non-blocking: it returns
// (false, nil) rather than waiting if another session holds it.
// pg_advisory_unlock must run on the exact connection that took the
// lock, so the acquiring *sql.Conn is pinned and reused by
// ReleaseAdvisoryLock rather than drawn fresh from the pool.
func (p *Postgres) AcquireAdvisoryLock(ctx context.Context, name string) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("repository: acquire connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(name)).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("repository: acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	p.lockMu.Lock()
	p.lockConn[name] = conn
	p.lockMu.Unlock()
	return true, nil
}

func (p *Postgres) ReleaseAdvisoryLock(ctx context.Context, name string) error {
	p.lockMu.Lock()
	conn, ok := p.lockConn[name]
	delete(p.lockConn, name)
	p.lockMu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey(name)); err != nil {
		return fmt.Errorf("repository: release advisory lock: %w", err)
	}
	return nil
}

func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}
