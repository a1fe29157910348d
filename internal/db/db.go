package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mediacourse/segment-pipeline/internal/cache"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
	Cache  *cache.InMemoryCache
}

// GetDB returns the underlying sql.DB client
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Set defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 30
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 75
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config, Cache: cache.NewInMemoryCache()}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "segment_pipeline"
	}

	return New(config)
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Batches table first (referenced by segments)
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			id UUID PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			quality_level TEXT NOT NULL DEFAULT 'balanced',
			concurrency INTEGER NOT NULL DEFAULT 1,
			total_segments INTEGER NOT NULL DEFAULT 0,
			completed_segments INTEGER NOT NULL DEFAULT 0,
			failed_segments INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			actual_duration_seconds DOUBLE PRECISION
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batches table: %w", err)
	}

	// Course pipeline segments
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			id UUID PRIMARY KEY,
			segment_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			batch_id UUID REFERENCES batches(id),
			status TEXT NOT NULL DEFAULT 'ready',
			progress REAL NOT NULL DEFAULT 0,
			priority TEXT NOT NULL DEFAULT 'normal',
			quality_level TEXT NOT NULL DEFAULT 'balanced',
			error_message TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			audio_started_at TIMESTAMPTZ,
			audio_completed_at TIMESTAMPTZ,
			audio_path TEXT,
			transcript_started_at TIMESTAMPTZ,
			transcript_completed_at TIMESTAMPTZ,
			transcript_path TEXT,
			terminology_started_at TIMESTAMPTZ,
			terminology_completed_at TIMESTAMPTZ,
			terminology_count INTEGER,
			review_status TEXT,
			review_feedback TEXT,
			reviewed_by TEXT,
			reviewed_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create segments table: %w", err)
	}

	// Simple download segments (no multi-stage pipeline)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS download_segments (
			id UUID PRIMARY KEY,
			segment_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ready',
			progress REAL NOT NULL DEFAULT 0,
			file_path TEXT,
			error_message TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create download_segments table: %w", err)
	}

	// At most one in-flight record per segment identifier. Enforced here,
	// not by a pre-check: concurrent creates race and the loser catches
	// the unique violation.
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_inflight
			ON segments (segment_id)
			WHERE status NOT IN ('completed', 'failed')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_download_segments_inflight
			ON download_segments (segment_id)
			WHERE status NOT IN ('completed', 'failed')`,
		`CREATE INDEX IF NOT EXISTS idx_segments_status_created
			ON segments (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_batch_status
			ON segments (batch_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_download_segments_status_created
			ON download_segments (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status_created
			ON batches (status, created_at)`,
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	// Wake the scheduler when workers report progress
	_, err = db.Exec(`
		CREATE OR REPLACE FUNCTION notify_segment_events() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('segment_events', NEW.id::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}

	_, err = db.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'segments_notify') THEN
				CREATE TRIGGER segments_notify
					AFTER INSERT OR UPDATE OF status ON segments
					FOR EACH ROW EXECUTE FUNCTION notify_segment_events();
			END IF;
		END
		$$
	`)
	if err != nil {
		return fmt.Errorf("failed to create notify trigger: %w", err)
	}

	return nil
}
