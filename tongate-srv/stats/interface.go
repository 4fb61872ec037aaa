package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request/Response tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string, contentLength int64) error
	RecordHTTPResponse(ctx context.Context, connectionID int64, statusCode int, contentLength int64) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo holds information about a connection
type ConnectionInfo struct {
	ID            int64
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Protocol      string
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	CloseReason   string
}
