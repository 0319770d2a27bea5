package database

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tomyedwab/litedb/sqldriver"
	"github.com/tomyedwab/litedb/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	name TEXT,
	applied TIMESTAMP
)
`

const recordStepSql = `
INSERT INTO _migrations (version, name, applied)
VALUES (?, ?, ?)
ON CONFLICT (version)
DO UPDATE SET name = excluded.name, applied = excluded.applied;
`

// Step moves the schema to Version. Apply runs inside a transaction that
// also records the step.
type Step struct {
	Version int64
	Name    string
	Apply   func(tx *sqlx.Tx) error
}

// SQLStep is a Step that executes a SQL script.
func SQLStep(version int64, name, script string) Step {
	return Step{
		Version: version,
		Name:    name,
		Apply: func(tx *sqlx.Tx) error {
			_, err := tx.Exec(script)
			return err
		},
	}
}

// AppliedStep is a row of the migration history.
type AppliedStep struct {
	Version int64     `db:"version"`
	Name    string    `db:"name"`
	Applied time.Time `db:"applied"`
}

func sortSteps(steps []Step) ([]Step, error) {
	sorted := append([]Step(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, s := range sorted {
		if s.Version <= 0 {
			return nil, errors.Errorf("migration %q: version must be positive, got %d", s.Name, s.Version)
		}
		if s.Apply == nil {
			return nil, errors.Errorf("migration %d (%s) has no Apply function", s.Version, s.Name)
		}
		if i > 0 && sorted[i-1].Version == s.Version {
			return nil, errors.Errorf("duplicate migration version %d", s.Version)
		}
	}
	return sorted, nil
}

// Migrate applies every step newer than the database's schema version and
// returns the resulting version. A failing step is rolled back and leaves the
// version at the last step that succeeded.
func Migrate(ctx context.Context, conn *sqlite.Connection, steps []Step) (int64, error) {
	sorted, err := sortSteps(steps)
	if err != nil {
		return 0, err
	}
	current, err := conn.SchemaVersionContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read schema version")
	}

	db := sqlx.NewDb(sqldriver.OpenConnection(conn), sqldriver.DriverName)
	defer db.Close()

	entry := log.WithField("path", conn.DataSource())
	for _, step := range sorted {
		if step.Version <= current {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return current, errors.Wrapf(err, "migration %d (%s) failed", step.Version, step.Name)
		}
		if err := conn.SetSchemaVersionContext(ctx, step.Version); err != nil {
			return current, errors.Wrapf(err, "failed to record schema version %d", step.Version)
		}
		current = step.Version
		entry.WithFields(log.Fields{"version": step.Version, "name": step.Name}).Info("applied migration")
	}
	return current, nil
}

func applyStep(ctx context.Context, db *sqlx.DB, step Step) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(historySchema); err != nil {
		return err
	}
	if err := step.Apply(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(recordStepSql, step.Version, strings.TrimSpace(step.Name), time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// Database is a migrated connection with a sqlx view of it.
type Database struct {
	conn    *sqlite.Connection
	db      *sqlx.DB
	version int64
}

// Connect opens conn, applies steps and returns the migrated database.
func Connect(ctx context.Context, conn *sqlite.Connection, steps []Step) (*Database, error) {
	if err := conn.SafeOpen(); err != nil {
		return nil, err
	}
	version, err := Migrate(ctx, conn, steps)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"path": conn.DataSource(), "version": version}).Info("database ready")
	return &Database{
		conn:    conn,
		db:      sqlx.NewDb(sqldriver.OpenConnection(conn), sqldriver.DriverName),
		version: version,
	}, nil
}

func (d *Database) GetDB() *sqlx.DB { return d.db }

func (d *Database) Connection() *sqlite.Connection { return d.conn }

// Version is the schema version after migration.
func (d *Database) Version() int64 { return d.version }

// History lists the applied steps in version order.
func (d *Database) History(ctx context.Context) ([]AppliedStep, error) {
	var steps []AppliedStep
	err := d.db.SelectContext(ctx, &steps, "SELECT version, name, applied FROM _migrations ORDER BY version")
	return steps, err
}

// Close releases the sqlx view. The connection stays with the caller.
func (d *Database) Close() error { return d.db.Close() }
