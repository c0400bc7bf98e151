// Package database implements an SQL history of entity states.
//
// Architecture:
//   - Every entity event (added, changed, removed) becomes one row
//   - Rows of one sink call are written in a single transaction
//   - The same schema works on PostgreSQL, MySQL and SQLite
//
// Supported drivers:
//   - postgres: github.com/lib/pq
//   - mysql:    github.com/go-sql-driver/mysql
//   - sqlite:   modernc.org/sqlite
//
// Example usage:
//
//	rec, err := NewRecorder(ctx, "sqlite", "file:states.db", logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rec.Close()
//
//	rows, err := rec.History(ctx, "P1.temperature", 10)
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
)

const writeTimeout = 5 * time.Second

// Drivers lists the accepted driver names
var Drivers = []string{"postgres", "mysql", "sqlite"}

// StateRow is one recorded entity event
type StateRow struct {
	UniqueID   string
	Event      string
	Platform   string
	State      string
	Attributes string
	RecordedAt time.Time
}

// Recorder implements entity.Sink by appending every event to the
// entity_states table.
//
// Write failures are logged and never reach the registries: losing
// history must not interrupt the update loop.
type Recorder struct {
	db     *sql.DB
	driver string
	logger logrus.FieldLogger
}

// NewRecorder opens the database, verifies connectivity and creates the
// schema if needed.
//
// Returns:
//   - *Recorder: Initialized recorder
//   - error: Unknown driver, connection or migration error
func NewRecorder(ctx context.Context, driver, dsn string, logger logrus.FieldLogger) (*Recorder, error) {
	if !validDriver(driver) {
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Verify connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{db: db, driver: driver, logger: logger}
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Migrate creates the entity_states table when it does not exist
func (r *Recorder) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS entity_states (
            unique_id   VARCHAR(255) NOT NULL,
            event       VARCHAR(16)  NOT NULL,
            platform    VARCHAR(32)  NOT NULL,
            state       TEXT         NOT NULL,
            attributes  TEXT         NOT NULL,
            recorded_at BIGINT       NOT NULL
        )
    `)
	if err != nil {
		return fmt.Errorf("failed to create entity_states: %w", err)
	}
	return nil
}

// Record writes descriptions as rows of the given event. recorded_at
// holds Unix nanoseconds so ordering behaves the same on every driver.
//
// The operation is atomic - either all rows are inserted or none.
//
// Transaction Flow:
//  1. Begin transaction
//  2. Prepare statement
//  3. Execute inserts
//  4. Commit or rollback
func (r *Recorder) Record(ctx context.Context, event string, descriptions []entity.Description) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	stmt, err := tx.PrepareContext(ctx, r.rebind(`
        INSERT INTO entity_states (unique_id, event, platform, state, attributes, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range descriptions {
		attributes, err := json.Marshal(d.Attributes)
		if err != nil {
			return fmt.Errorf("failed to encode attributes of %s: %w", d.UniqueID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			d.UniqueID, event, d.Platform, fmt.Sprint(d.State), string(attributes), d.RenderedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert state of %s: %w", d.UniqueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// History returns the most recent rows of an entity, newest first.
func (r *Recorder) History(ctx context.Context, uniqueID string, limit int) ([]StateRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`
        SELECT unique_id, event, platform, state, attributes, recorded_at
        FROM entity_states
        WHERE unique_id = ?
        ORDER BY recorded_at DESC
        LIMIT ?
    `), uniqueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StateRow
	for rows.Next() {
		var row StateRow
		var recordedAt int64
		if err := rows.Scan(&row.UniqueID, &row.Event, &row.Platform, &row.State, &row.Attributes, &recordedAt); err != nil {
			return nil, err
		}
		row.RecordedAt = time.Unix(0, recordedAt)
		results = append(results, row)
	}
	return results, rows.Err()
}

func (r *Recorder) AddEntities(entities []entity.Entity) {
	descriptions := make([]entity.Description, 0, len(entities))
	for _, e := range entities {
		descriptions = append(descriptions, entity.Describe(e))
	}
	r.write(sink.EventAdded, descriptions)
}

func (r *Recorder) StateChanged(e entity.Entity) {
	r.write(sink.EventChanged, []entity.Description{entity.Describe(e)})
}

func (r *Recorder) RemoveEntity(e entity.Entity) {
	r.write(sink.EventRemoved, []entity.Description{entity.Describe(e)})
}

func (r *Recorder) write(event string, descriptions []entity.Description) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.Record(ctx, event, descriptions); err != nil {
		r.logger.WithError(err).WithField("event", event).Error("Failed to record entity states")
	}
}

// Close releases all database resources.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// rebind turns ? placeholders into $n for postgres
func (r *Recorder) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func validDriver(driver string) bool {
	for _, d := range Drivers {
		if d == driver {
			return true
		}
	}
	return false
}

// Compile-time interface implementation check
var _ entity.Sink = (*Recorder)(nil)
