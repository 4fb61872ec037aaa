package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/tongate/tongate-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	collector := &SQLiteCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized sqlite stats collector at %s", dbPath)

	return collector, nil
}

// initSchema creates the necessary tables if they don't exist
func (s *SQLiteCollector) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			bytes_received INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS http_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL REFERENCES connections(id),
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			content_length INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS http_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL REFERENCES connections(id),
			status_code INTEGER NOT NULL,
			content_length INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id INTEGER NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
		`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests(connection_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// StartConnection records the start of a connection
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}

	return id, nil
}

// EndConnection records the end of a connection with final statistics
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?,
		     duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request sent through the proxy
func (s *SQLiteCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, content_length, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		connectionID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response relayed back to the client
func (s *SQLiteCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, created_at)
		 VALUES (?, ?, ?, ?)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error associated with a connection
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, created_at)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds transferred byte counts to a connection record
func (s *SQLiteCollector) RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ? WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
