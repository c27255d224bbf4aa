// Package audit is a supplemental, queryable record of scheduler decisions,
// dispatch outcomes, and cooldown transitions. It never participates in
// control flow: every write is best-effort and a failure here must never
// block or fail the mutation it is observing.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/joestump/profile-gate/internal/model"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the audit/history sqlite database.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, enables WAL
// mode, and applies embedded goose migrations via the provider API.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply audit migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) insert(kind string, connIndex *int, endpoint *string, steamID *string, detail string) {
	_, err := d.conn.ExecContext(context.Background(),
		`INSERT INTO audit_events (occurred_at, kind, connection_index, endpoint_class, steam_id, detail) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), kind, connIndex, endpoint, steamID, detail,
	)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("audit event insert failed")
	}
}

// RecordCooldown logs a cooldown mutation. Best-effort: see package doc.
func (d *DB) RecordCooldown(connIndex int, endpoint model.EndpointClass, reason model.CooldownReason, message string) {
	e := string(endpoint)
	detail := message
	if reason != "" {
		detail = fmt.Sprintf("reason=%s message=%s", reason, message)
	}
	d.insert("cooldown", &connIndex, &e, nil, detail)
}

// RecordDispatch logs a terminal dispatch outcome.
func (d *DB) RecordDispatch(endpoint model.EndpointClass, kind model.OutcomeKind, detail string) {
	e := string(endpoint)
	d.insert("dispatch", nil, &e, nil, fmt.Sprintf("%s: %s", kind, detail))
}

// RecordScheduler logs a scheduler decision (e.g. profile removal on a
// failed check).
func (d *DB) RecordScheduler(steamID, detail string) {
	d.insert("scheduler", nil, nil, &steamID, detail)
}

// RecordSubmission logs a downstream ingest submission attempt.
func (d *DB) RecordSubmission(steamID string, success bool, detail string) {
	outcome := "submission_failed"
	if success {
		outcome = "submission_accepted"
	}
	d.insert("submission", nil, nil, &steamID, outcome+": "+detail)
}

// Event is one row read back from the audit table, for the status API.
type Event struct {
	ID              int64     `json:"id"`
	OccurredAt      time.Time `json:"occurred_at"`
	Kind            string    `json:"kind"`
	ConnectionIndex *int      `json:"connection_index,omitempty"`
	EndpointClass   *string   `json:"endpoint_class,omitempty"`
	SteamID         *string   `json:"steam_id,omitempty"`
	Detail          string    `json:"detail"`
}

// Recent returns the most recent limit audit events, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, occurred_at, kind, connection_index, endpoint_class, steam_id, detail
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Kind, &e.ConnectionIndex, &e.EndpointClass, &e.SteamID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
