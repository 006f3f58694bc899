package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStorage implements Store on two tables: one for plain keys and
// one for hash fields.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_strings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error reading key %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, upsertString, key, value)
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = $1`, key); err != nil {
		return fmt.Errorf("error deleting key %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = $1`, key); err != nil {
		return fmt.Errorf("error deleting hash %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *PostgresStorage) HSet(ctx context.Context, key, field, value string) error {
	query := `
		INSERT INTO kv_hashes (key, field, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, key, field, value); err != nil {
		return fmt.Errorf("error writing hash field %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *PostgresStorage) HGet(ctx context.Context, key, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_hashes WHERE key = $1 AND field = $2`, key, field).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("error reading hash field %s/%s: %w", key, field, err)
	}
	return value, nil
}

func (s *PostgresStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hashes WHERE key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("error querying hash %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("error scanning hash field: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *PostgresStorage) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_hashes WHERE key = $1 AND field = $2`, key, field)
	if err != nil {
		return fmt.Errorf("error deleting hash field %s/%s: %w", key, field, err)
	}
	return nil
}

func (s *PostgresStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	query := `
		SELECT key FROM kv_strings WHERE key LIKE $1 ESCAPE '\'
		UNION
		SELECT DISTINCT key FROM kv_hashes WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, globToLike(pattern))
	if err != nil {
		return nil, fmt.Errorf("error scanning keys %s: %w", pattern, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("error scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Update serializes writers of the same key with a transaction-scoped
// advisory lock, so the read and the write see no interleaved update.
func (s *PostgresStorage) Update(ctx context.Context, key string, fn UpdateFunc) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return "", fmt.Errorf("error locking key %s: %w", key, err)
	}

	var current string
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_strings WHERE key = $1`, key).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", fmt.Errorf("error reading key %s: %w", key, err)
	}

	next, err := fn(current, exists)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, upsertString, key, next); err != nil {
		return "", fmt.Errorf("error writing key %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("error committing update of %s: %w", key, err)
	}
	return next, nil
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

const upsertString = `
	INSERT INTO kv_strings (key, value, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

// globToLike converts a redis-style glob into a LIKE pattern escaped with '\'.
// Character classes are not supported by LIKE and match a single character.
func globToLike(pattern string) string {
	var b strings.Builder
	inClass := false
	for _, r := range pattern {
		switch {
		case inClass:
			if r == ']' {
				inClass = false
				b.WriteRune('_')
			}
		case r == '[':
			inClass = true
		case r == '*':
			b.WriteRune('%')
		case r == '?':
			b.WriteRune('_')
		case r == '%' || r == '_' || r == '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
