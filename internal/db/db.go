package db

import (
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"database/sql"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
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
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 40
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	// Test connection
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// Initialise schema
	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables.
// DATABASE_URL takes priority over the individual POSTGRES_* settings.
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
		config.Database = "bbc_news_etl"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Work queue: one row per calendar date that needs scraping
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS work_items (
			id UUID PRIMARY KEY,
			work_date DATE NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			claimed_by TEXT,
			claimed_at TIMESTAMPTZ,
			lease_expires_at TIMESTAMPTZ,
			not_before TIMESTAMPTZ,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create work_items table: %w", err)
	}

	// Task queue: one row per article link awaiting transformation.
	// id is the stable URL fingerprint, which makes publication idempotent.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			work_date DATE NOT NULL,
			source_url TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ready',
			attempt INTEGER NOT NULL DEFAULT 0,
			not_before TIMESTAMPTZ,
			delivery_expires_at TIMESTAMPTZ,
			last_error TEXT,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			delivered_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create tasks table: %w", err)
	}

	// Dead letter queue: never auto-drained
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS dlq_entries (
			task_id TEXT PRIMARY KEY,
			work_date DATE NOT NULL,
			source_url TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			last_error TEXT,
			failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			redriven_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create dlq_entries table: %w", err)
	}

	// Raw artifact store (existing-records store queried by the dedup oracle)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS raw_articles (
			id TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			published_date DATE,
			payload JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create raw_articles table: %w", err)
	}

	// Structured store (clean side), upsert keyed by the same fingerprint
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS articles (
			id TEXT PRIMARY KEY,
			source_url TEXT NOT NULL,
			title TEXT NOT NULL,
			category TEXT,
			sub_category TEXT,
			summary TEXT,
			content TEXT,
			published_date DATE,
			scraped_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create articles table: %w", err)
	}

	// Claim-order indexes. Partial indexes keep the SKIP LOCKED scans cheap.
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_work_items_claimable ON work_items (work_date) WHERE status IN ('pending', 'claimed')`)
	if err != nil {
		return fmt.Errorf("failed to create work_items claim index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_deliverable ON tasks (enqueued_at) WHERE status IN ('ready', 'delivered')`)
	if err != nil {
		return fmt.Errorf("failed to create tasks delivery index: %w", err)
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_raw_articles_published ON raw_articles (published_date)`)
	if err != nil {
		return fmt.Errorf("failed to create raw_articles date index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}
