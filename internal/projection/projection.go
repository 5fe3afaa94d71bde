// Package projection mirrors materialized snapshots into SQLite for
// downstream consumers (dashboards, the SaaS mirror).
//
// The mirror is strictly read-only for everything downstream and strictly
// derived on our side: each sync replaces a feature's rows wholesale inside
// one transaction, so readers see either the previous materialization or
// the new one, never a blend. The event log remains the single source of
// truth; this database can be deleted and rebuilt at any time.
package projection

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gantry-dev/gantry/internal/reduce"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema (wp_status + wp_audit)
const currentSchemaVersion = 1

// Store is the projection database handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the projection database at path. WAL mode allows
// dashboard reads concurrent with sync writes; a single write connection
// avoids SQLITE_BUSY between our own writers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open projection db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect projection db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply projection schema: %w", err)
	}
	if err := ensureVersion(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureVersion(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > currentSchemaVersion:
		return fmt.Errorf("projection db schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Sync replaces one feature's mirrored rows with the given snapshot,
// atomically.
func (s *Store) Sync(ctx context.Context, feature string, snap *reduce.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync projection: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM wp_status WHERE feature = ?", feature); err != nil {
		return fmt.Errorf("sync projection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM wp_audit WHERE feature = ?", feature); err != nil {
		return fmt.Errorf("sync projection: %w", err)
	}

	keys := make([]string, 0, len(snap.WPs))
	for k := range snap.WPs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		wp := snap.WPs[key]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wp_status
			(aggregate_id, feature, wp, lane, owner, workspace_ref, last_event_id, updated_at, violation_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			key,
			wp.Aggregate.Feature,
			wp.Aggregate.WP,
			string(wp.Lane),
			wp.Owner,
			wp.WorkspaceRef,
			wp.LastEventID,
			formatTime(wp.UpdatedAt),
			len(wp.Violations),
		)
		if err != nil {
			return fmt.Errorf("sync projection: %w", err)
		}
		for seq, entry := range wp.Audit {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO wp_audit
				(event_id, aggregate_id, feature, seq, event_type, actor, lamport_clock, from_lane, to_lane, outcome, note)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				entry.EventID,
				key,
				wp.Aggregate.Feature,
				seq,
				string(entry.Type),
				entry.Actor,
				entry.Lamport,
				string(entry.FromLane),
				string(entry.ToLane),
				string(entry.Outcome),
				entry.Note,
			)
			if err != nil {
				return fmt.Errorf("sync projection: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync projection: %w", err)
	}
	return nil
}

// StatusRow is one mirrored WP status.
type StatusRow struct {
	AggregateID    string
	Feature        string
	WP             string
	Lane           string
	Owner          string
	WorkspaceRef   string
	LastEventID    string
	UpdatedAt      string
	ViolationCount int
}

// Statuses lists mirrored WP statuses for a feature, ordered by aggregate
// id.
func (s *Store) Statuses(ctx context.Context, feature string) ([]StatusRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT aggregate_id, feature, wp, lane, owner, workspace_ref, last_event_id, updated_at, violation_count
		FROM wp_status WHERE feature = ?
		ORDER BY aggregate_id ASC
	`, feature)
	if err != nil {
		return nil, fmt.Errorf("query wp_status: %w", err)
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.AggregateID, &r.Feature, &r.WP, &r.Lane, &r.Owner,
			&r.WorkspaceRef, &r.LastEventID, &r.UpdatedAt, &r.ViolationCount); err != nil {
			return nil, fmt.Errorf("scan wp_status: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditRow is one mirrored audit entry.
type AuditRow struct {
	EventID string
	Seq     int
	Type    string
	Actor   string
	Lamport int64
	Outcome string
	Note    string
}

// Audit returns a WP's mirrored audit trail in replay order.
func (s *Store) Audit(ctx context.Context, aggregateID string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, seq, event_type, actor, lamport_clock, outcome, note
		FROM wp_audit WHERE aggregate_id = ?
		ORDER BY seq ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query wp_audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.EventID, &r.Seq, &r.Type, &r.Actor, &r.Lamport, &r.Outcome, &r.Note); err != nil {
			return nil, fmt.Errorf("scan wp_audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
