// Package archive persists metric rows dropped by the rolling 24h purge
// so history survives beyond the on-disk window.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"sorterfleet/internal/metricslog"
)

// Sink batch-inserts purged metric rows into Postgres. It implements
// metricslog.Archiver; a nil *Sink disables archiving.
type Sink struct {
	db     *sql.DB
	logger *log.Logger
}

// NewSink constructs a sink over an open database handle.
func NewSink(db *sql.DB, logger *log.Logger) (*Sink, error) {
	if db == nil {
		return nil, errors.New("archive: nil db")
	}
	return &Sink{db: db, logger: logger}, nil
}

// EnsureSchema creates the archive table when absent.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS machine_metrics_archive (
	machine_id      TEXT        NOT NULL,
	ts              TIMESTAMPTZ NOT NULL,
	capacity_lbs    DOUBLE PRECISION NOT NULL,
	accepts_lbs     DOUBLE PRECISION NOT NULL,
	rejects_lbs     DOUBLE PRECISION NOT NULL,
	objects_per_min DOUBLE PRECISION NOT NULL,
	objects_60m     DOUBLE PRECISION NOT NULL,
	running         SMALLINT    NOT NULL,
	stopped         SMALLINT    NOT NULL,
	counters        DOUBLE PRECISION[] NOT NULL,
	mode            TEXT        NOT NULL,
	PRIMARY KEY (machine_id, ts)
)`)
	if err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// ArchiveMetrics inserts the rows in one transaction. Conflicting rows are
// skipped, so re-archiving the same window is harmless.
func (s *Sink) ArchiveMetrics(ctx context.Context, machineID string, rows []metricslog.Record) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO machine_metrics_archive (
	machine_id, ts, capacity_lbs, accepts_lbs, rejects_lbs,
	objects_per_min, objects_60m, running, stopped, counters, mode
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (machine_id, ts) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("archive: prepare: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			machineID, row.Timestamp.UTC(), row.Capacity, row.Accepts, row.Rejects,
			row.ObjectsPerMin, row.Objects60M, row.Running, row.Stopped,
			counterArray(row.Counters[:]), row.Mode,
		); err != nil {
			return fmt.Errorf("archive: insert row at %s: %w", row.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	if s.logger != nil {
		s.logger.Printf("archived %d rows for machine %s", len(rows), machineID)
	}
	return nil
}

// counterArray renders a float slice as a Postgres array literal. The pgx
// stdlib driver does not bind Go slices without the native interface.
func counterArray(values []float64) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%g", v)
	}
	return out + "}"
}
