package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/config"
)

// keepSnapshots bounds how many rows the store retains.
const keepSnapshots = 20

// PostgresStore persists snapshots as compressed blobs in Postgres, for
// deployments where the daemon's local disk is ephemeral.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: ping database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger}
	if err := store.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) createSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS resilience_snapshots (
		id SERIAL PRIMARY KEY,
		taken_at TIMESTAMPTZ NOT NULL,
		data BYTEA NOT NULL
	)`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("snapshot: create schema: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// Save implements Store.
func (p *PostgresStore) Save(ctx context.Context, s Snapshot) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(s); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("snapshot: compress: %w", err)
	}

	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO resilience_snapshots (taken_at, data) VALUES ($1, $2)`,
		s.TakenAt, buf.Bytes()); err != nil {
		return fmt.Errorf("snapshot: insert: %w", err)
	}

	// Drop old rows beyond the retention cap.
	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM resilience_snapshots
		 WHERE id NOT IN (
			SELECT id FROM resilience_snapshots ORDER BY taken_at DESC LIMIT $1
		 )`, keepSnapshots); err != nil {
		p.logger.Warn("snapshot retention cleanup failed", zap.Error(err))
	}

	p.logger.Debug("snapshot saved to postgres", zap.Int("services", len(s.Services)))
	return nil
}

// Load implements Store, returning the newest snapshot.
func (p *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT data FROM resilience_snapshots ORDER BY taken_at DESC LIMIT 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: query: %w", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decompress: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var s Snapshot
	if err := json.NewDecoder(gz).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return s, nil
}
