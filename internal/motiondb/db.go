// Package motiondb persists the motion history: every issued command and
// its terminal outcome. The history backs the operator API and post-hoc
// review of failed cycles.
package motiondb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/eidos-vision/pickpoint/internal/motion"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the sqlite handle.
type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the motion history database and applies any
// pending schema migrations.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open motion database: %w", err)
	}

	// Single writer; sqlite locks the file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	d := &DB{db}
	if err := d.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// migrateUp applies all embedded migrations up to the latest version.
func (db *DB) migrateUp() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	// Note: we don't close m because it would close the underlying DB
	// connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MotionRecord is one row of the motion history.
type MotionRecord struct {
	CommandID   string     `json:"command_id"`
	TargetX     float64    `json:"target_x"`
	TargetY     float64    `json:"target_y"`
	TargetZ     float64    `json:"target_z"`
	MaxVel      float64    `json:"max_vel"`
	MaxAccel    float64    `json:"max_accel"`
	Home        bool       `json:"home"`
	IssuedAt    time.Time  `json:"issued_at"`
	Outcome     string     `json:"outcome,omitempty"`
	FailureKind string     `json:"failure_kind,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordCommand inserts a newly issued command. Outcome columns stay NULL
// until the command reaches a terminal state.
func (db *DB) RecordCommand(cmd motion.Command) error {
	_, err := db.Exec(`
		INSERT INTO motions (
			command_id, target_x, target_y, target_z,
			max_vel, max_accel, is_home, issued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Target.X, cmd.Target.Y, cmd.Target.Z,
		cmd.MaxVel, cmd.MaxAccel, boolToInt(cmd.Home), cmd.IssuedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert motion %s: %w", cmd.ID, err)
	}
	return nil
}

// RecordOutcome stores the terminal state of a command.
func (db *DB) RecordOutcome(commandID string, state motion.State, failureKind string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE motions
		SET outcome = ?, failure_kind = ?, completed_at = ?
		WHERE command_id = ?`,
		string(state), failureKind, at.UTC(), commandID,
	)
	if err != nil {
		return fmt.Errorf("update motion %s: %w", commandID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no motion row for command %s", commandID)
	}
	return nil
}

// RecentMotions returns up to limit motions, newest first.
func (db *DB) RecentMotions(limit int) ([]MotionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.Query(`
		SELECT command_id, target_x, target_y, target_z,
		       max_vel, max_accel, is_home, issued_at,
		       COALESCE(outcome, ''), COALESCE(failure_kind, ''), completed_at
		FROM motions
		ORDER BY issued_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query motions: %w", err)
	}
	defer rows.Close()

	var records []MotionRecord
	for rows.Next() {
		var r MotionRecord
		var home int
		var completed sql.NullTime
		if err := rows.Scan(
			&r.CommandID, &r.TargetX, &r.TargetY, &r.TargetZ,
			&r.MaxVel, &r.MaxAccel, &home, &r.IssuedAt,
			&r.Outcome, &r.FailureKind, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan motion row: %w", err)
		}
		r.Home = home != 0
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
