package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations_postgres.sql migrations_sqlite.sql
var migrations embed.FS

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// SQLStorage maps every logical table onto rows of a single kv_records
// table keyed by (table_name, pk, sk). The record itself is a JSON document.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, unavailable("postgres.ping", fmt.Errorf("error connecting to the database: %w", err))
	}

	return newSQLStorage(db, DialectPostgres, logger)
}

func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLStorage, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStorage(db, DialectSQLite, logger)
}

func newSQLStorage(db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStorage{db: db, dialect: dialect, logger: logger}

	// Initialize database schema
	if err := s.initializeSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations_" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	s.logger.Debug("Schema initialized", zap.String("dialect", string(s.dialect)))
	return nil
}

// rebind rewrites ? placeholders into the $n form lib/pq expects.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) Get(ctx context.Context, t Table, key Key) (Record, error) {
	query := `SELECT data FROM kv_records WHERE table_name = ? AND pk = ? AND sk = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, s.rebind(query), t.Name, key.Partition, key.Sort).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sql.get", fmt.Errorf("error reading %s record: %w", t.Name, err))
	}
	return decodeRecord(data)
}

func (s *SQLStorage) Put(ctx context.Context, t Table, rec Record) error {
	key, err := KeyOf(t, rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error encoding %s record: %w", t.Name, err)
	}

	query := `
		INSERT INTO kv_records (table_name, pk, sk, data, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (table_name, pk, sk)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, s.rebind(query), t.Name, key.Partition, key.Sort, string(data)); err != nil {
		return unavailable("sql.put", fmt.Errorf("error writing %s record: %w", t.Name, err))
	}
	return nil
}

func (s *SQLStorage) Query(ctx context.Context, t Table, cond KeyCondition) ([]Record, error) {
	query := `SELECT data FROM kv_records WHERE table_name = ? AND pk = ?`
	args := []any{t.Name, cond.Partition}
	if cond.SortPrefix != "" {
		query += ` AND substr(sk, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(cond.SortPrefix), cond.SortPrefix)
	}
	query += ` ORDER BY sk`

	recs, err := s.collect(ctx, "sql.query", t, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	// Collation may differ from byte order on postgres.
	sortRecords(t, recs)
	return recs, nil
}

func (s *SQLStorage) Scan(ctx context.Context, t Table, filter Filter) ([]Record, error) {
	recs, err := s.collect(ctx, "sql.scan", t, s.rebind(`SELECT data FROM kv_records WHERE table_name = ?`), t.Name)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *SQLStorage) Delete(ctx context.Context, t Table, key Key) error {
	query := `DELETE FROM kv_records WHERE table_name = ? AND pk = ? AND sk = ?`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), t.Name, key.Partition, key.Sort); err != nil {
		return unavailable("sql.delete", fmt.Errorf("error deleting %s record: %w", t.Name, err))
	}
	return nil
}

func (s *SQLStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStorage) collect(ctx context.Context, op string, t Table, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, fmt.Errorf("error querying %s: %w", t.Name, err))
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, unavailable(op, fmt.Errorf("error scanning %s record: %w", t.Name, err))
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return recs, nil
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("error decoding record: %w", err)
	}
	return rec, nil
}
