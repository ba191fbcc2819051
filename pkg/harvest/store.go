package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// SchemaVersion is the current results schema.
const SchemaVersion = 1

// Store persists harvests in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the results database at path and
// migrates it. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping results store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for ad hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("results store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "file:") {
		return path, nil
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	if dsn == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
		return nil
	}

	// Keep a single connection and use WAL to reduce lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Migrate creates (or upgrades) the results schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS harvests (
			harvest_id TEXT PRIMARY KEY,
			root TEXT NOT NULL,
			quantities TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS measurements (
			harvest_id TEXT NOT NULL,
			rel_dir TEXT NOT NULL,
			job_index INTEGER,
			state TEXT,
			quantity TEXT NOT NULL,
			atom INTEGER NOT NULL DEFAULT 0,
			component TEXT NOT NULL,
			value REAL,
			error TEXT,
			PRIMARY KEY(harvest_id, rel_dir, quantity, atom, component),
			FOREIGN KEY(harvest_id) REFERENCES harvests(harvest_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_quantity ON measurements(harvest_id, quantity);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Save stores entries under harvestID in one transaction. Saving the
// same harvest again replaces its measurements.
func (s *Store) Save(ctx context.Context, harvestID, root string, specs []Spec, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	names := make([]string, len(specs))
	for i, sp := range specs {
		names[i] = sp.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO harvests (harvest_id, root, quantities, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(harvest_id) DO UPDATE SET
		   root = excluded.root,
		   quantities = excluded.quantities`,
		harvestID, root, strings.Join(names, ","), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert harvest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM measurements WHERE harvest_id = ?`, harvestID); err != nil {
		return fmt.Errorf("clear measurements: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO measurements
		 (harvest_id, rel_dir, job_index, state, quantity, atom, component, value, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		var index, state any
		if e.Index != nil {
			index = *e.Index
		}
		if e.State != "" {
			state = string(e.State)
		}
		for _, m := range e.Measurements {
			quantity := m.Spec.Kind.String()
			if m.Err != nil {
				if _, err := stmt.ExecContext(ctx, harvestID, e.Rel, index, state, quantity, m.Spec.Atom, "error", nil, m.Err.Error()); err != nil {
					return fmt.Errorf("insert measurement: %w", err)
				}
				continue
			}
			comps := Components(m.Spec.Kind, len(m.Values))
			for i, v := range m.Values {
				if _, err := stmt.ExecContext(ctx, harvestID, e.Rel, index, state, quantity, m.Spec.Atom, comps[i], v, nil); err != nil {
					return fmt.Errorf("insert measurement: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit harvest: %w", err)
	}
	return nil
}

// Row is one stored number (or error) of a harvest.
type Row struct {
	RelDir    string
	JobIndex  *int
	State     string
	Quantity  string
	Atom      int
	Component string
	Value     *float64
	Error     string
}

// Rows returns the measurements of harvestID ordered by directory.
func (s *Store) Rows(ctx context.Context, harvestID string) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rel_dir, job_index, state, quantity, atom, component, value, error
		 FROM measurements WHERE harvest_id = ?
		 ORDER BY rel_dir, quantity, atom, rowid`, harvestID)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var (
			r     Row
			index sql.NullInt64
			state sql.NullString
			value sql.NullFloat64
			msg   sql.NullString
		)
		if err := rows.Scan(&r.RelDir, &index, &state, &r.Quantity, &r.Atom, &r.Component, &value, &msg); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		if index.Valid {
			n := int(index.Int64)
			r.JobIndex = &n
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		r.State = state.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Harvests lists stored harvest IDs, newest first.
func (s *Store) Harvests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT harvest_id FROM harvests ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query harvests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
