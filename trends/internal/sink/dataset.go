package sink

import (
	"bufio"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/hazyhaar/trendscrape/dbopen"
	"github.com/hazyhaar/trendscrape/trends/record"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Dataset stores records and snapshots in SQLite. It survives restarts, so
// a resumed crawl can count what was already emitted.
type Dataset struct {
	db    *sql.DB
	owned bool
	now   func() time.Time
}

// OpenDataset opens (or creates) the dataset at path and migrates it.
func OpenDataset(ctx context.Context, path string) (*Dataset, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	d, err := NewDataset(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.owned = true
	return d, nil
}

// NewDataset migrates db and wraps it. The caller keeps ownership of db.
func NewDataset(ctx context.Context, db *sql.DB) (*Dataset, error) {
	if _, err := Migrate(db); err != nil {
		return nil, err
	}
	return &Dataset{db: db, now: time.Now}, nil
}

// Migrate applies the embedded migrations and returns the schema version.
func Migrate(db *sql.DB) (uint, error) {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: "dataset_migrations"})
	if err != nil {
		return 0, fmt.Errorf("dataset: migrate driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("dataset: migrate source: %w", err)
	}
	// Closing m would close db, which belongs to the caller.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("dataset: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("dataset: migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("dataset: migrate version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("dataset: schema version %d is dirty", version)
	}
	return version, nil
}

func (d *Dataset) insert(ctx context.Context, kind string, r *record.Record) error {
	body, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("dataset: encode: %w", err)
	}
	var term string
	if keys := r.Keys(); len(keys) > 0 && kind == "data" {
		v, _ := r.Get(keys[0])
		term, _ = v.(string)
	}
	_, err = dbopen.Exec(ctx, d.db,
		`INSERT INTO records (id, kind, term, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), kind, term, string(body), d.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("dataset: insert %s: %w", kind, err)
	}
	return nil
}

func (d *Dataset) Push(ctx context.Context, r *record.Record) error {
	return d.insert(ctx, "data", r)
}

func (d *Dataset) PushDebug(ctx context.Context, r *record.Record) error {
	return d.insert(ctx, "debug", r)
}

func (d *Dataset) SaveSnapshot(ctx context.Context, key string, png []byte) error {
	_, err := dbopen.Exec(ctx, d.db,
		`INSERT INTO snapshots (key, png, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET png = excluded.png, created_at = excluded.created_at`,
		key, png, d.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("dataset: snapshot %q: %w", key, err)
	}
	return nil
}

// Count returns the number of data records, debug records excluded.
func (d *Dataset) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE kind = 'data'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("dataset: count: %w", err)
	}
	return n, nil
}

// Snapshot returns the PNG stored under key.
func (d *Dataset) Snapshot(ctx context.Context, key string) ([]byte, error) {
	var png []byte
	err := d.db.QueryRowContext(ctx, `SELECT png FROM snapshots WHERE key = ?`, key).Scan(&png)
	if err != nil {
		return nil, fmt.Errorf("dataset: snapshot %q: %w", key, err)
	}
	return png, nil
}

// Export writes every record as a JSON line in insertion order. Debug
// records are included when debug is true.
func (d *Dataset) Export(ctx context.Context, w io.Writer, debug bool) (int, error) {
	q := `SELECT body FROM records WHERE kind = 'data' ORDER BY created_at, rowid`
	if debug {
		q = `SELECT body FROM records ORDER BY created_at, rowid`
	}
	rows, err := d.db.QueryContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("dataset: export: %w", err)
	}
	defer rows.Close()

	bw := bufio.NewWriter(w)
	n := 0
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return n, fmt.Errorf("dataset: export scan: %w", err)
		}
		bw.WriteString(body)
		bw.WriteByte('\n')
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("dataset: export: %w", err)
	}
	return n, bw.Flush()
}

// Close closes the database when the dataset opened it.
func (d *Dataset) Close() error {
	if d.owned {
		return d.db.Close()
	}
	return nil
}
