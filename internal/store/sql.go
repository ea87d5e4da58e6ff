package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// dialect captures the few places SQLite and PostgreSQL disagree.
type dialect struct {
	name     string
	schema   string
	dollar   bool   // $1 placeholders instead of ?
	greatest string // scalar max function
	least    string // scalar min function
}

var (
	dialectSQLite = dialect{
		name:     "sqlite",
		schema:   schemaSQLite,
		greatest: "MAX",
		least:    "MIN",
	}
	dialectPostgres = dialect{
		name:     "postgres",
		schema:   schemaPostgres,
		dollar:   true,
		greatest: "GREATEST",
		least:    "LEAST",
	}
)

// rebind rewrites ? placeholders to the dialect's form. Queries in this
// package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	timeout time.Duration
}

// OpenSQLite opens (creating if needed on Init) a SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// A single connection serializes writers and keeps pragmas consistent.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialectSQLite), nil
}

// OpenPostgres opens a PostgreSQL connection pool for dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(db, dialectPostgres), nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, timeout: 10 * time.Second}
}

// Backend returns the dialect name.
func (s *SQLStore) Backend() string { return s.dialect.name }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: pinging database: %v", model.ErrUnavailable, err)
	}
	return nil
}

// Init creates tables and applies column migrations.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, m := range columnMigrations {
		if err := s.addColumn(ctx, m); err != nil {
			return fmt.Errorf("migrating %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *SQLStore) addColumn(ctx context.Context, m columnMigration) error {
	if s.dialect.dollar {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", m.table, m.column, m.ddl))
		return err
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", m.table, m.column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.ddl))
	return err
}

// Read runs fn in a transaction that is always rolled back.
func (s *SQLStore) Read(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, false)
}

// Write runs fn in a transaction committed only if fn succeeds.
func (s *SQLStore) Write(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn, true)
}

func (s *SQLStore) run(ctx context.Context, fn func(Tx) error, commit bool) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", model.ErrUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{tx: tx, d: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !commit {
		return tx.Rollback()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
