package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/tongate/tongate-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL as the backend
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a new PostgreSQL-based statistics collector
func NewPostgreSQLCollector(dsn string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	collector := &PostgreSQLCollector{db: db}
	if err := collector.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized postgres stats collector")

	return collector, nil
}

// initSchema creates the necessary tables if they don't exist
func (p *PostgreSQLCollector) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id BIGSERIAL PRIMARY KEY,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			bytes_sent BIGINT NOT NULL DEFAULT 0,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS http_requests (
			id BIGSERIAL PRIMARY KEY,
			connection_id BIGINT NOT NULL REFERENCES connections(id),
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			content_length BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS http_responses (
			id BIGSERIAL PRIMARY KEY,
			connection_id BIGINT NOT NULL REFERENCES connections(id),
			status_code INTEGER NOT NULL,
			content_length BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id BIGSERIAL PRIMARY KEY,
			connection_id BIGINT NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
		`CREATE INDEX IF NOT EXISTS idx_http_requests_connection ON http_requests(connection_id)`,
	}

	for _, stmt := range statements {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// StartConnection records the start of a connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		clientIP, targetHost, targetPort, protocol, time.Now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection with final statistics
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = $1, bytes_sent = bytes_sent + $2, bytes_received = bytes_received + $3,
		     duration_ms = $4, close_reason = $5
		 WHERE id = $6`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request sent through the proxy
func (p *PostgreSQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, content_length, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		connectionID, method, url, host, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordHTTPResponse records an HTTP response relayed back to the client
func (p *PostgreSQLCollector) RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO http_responses (connection_id, status_code, content_length, created_at)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, statusCode, contentLength, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record HTTP response: %w", err)
	}
	return nil
}

// RecordError records an error associated with a connection
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, created_at)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordDataTransfer adds transferred byte counts to a connection record
func (p *PostgreSQLCollector) RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections SET bytes_sent = bytes_sent + $1, bytes_received = bytes_received + $2 WHERE id = $3`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
