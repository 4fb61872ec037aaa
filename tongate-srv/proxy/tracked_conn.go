package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/tongate/tongate-srv/stats"
)

// flushThreshold is the number of unreported bytes after which a tracked
// connection flushes its counters to the collector mid-stream. Long tunnels
// surface their traffic without waiting for Close.
const flushThreshold = 64 * 1024

// trackedConn is a wrapper around net.Conn that tracks connection statistics.
// Byte counts are reported to the collector as deltas: periodically while the
// connection is active and once more on Close.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     int64 // accessed atomically
	bytesReceived int64 // accessed atomically
	flushMu       sync.Mutex
	flushSent     int64 // guarded by flushMu
	flushReceived int64 // guarded by flushMu
	startTime     time.Time
	ctx           context.Context
	endOnce       sync.Once
}

// newTrackedConn creates a new tracked connection.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesReceived, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesSent, int64(n))
		c.maybeFlush()
	}
	return n, err
}

// maybeFlush reports accumulated byte deltas once they cross flushThreshold.
// The relay's two directions call this concurrently, so claiming a window is
// done under the mutex: exactly one caller advances the markers and reports
// each delta.
func (c *trackedConn) maybeFlush() {
	sent := atomic.LoadInt64(&c.bytesSent)
	received := atomic.LoadInt64(&c.bytesReceived)

	c.flushMu.Lock()
	deltaSent := sent - c.flushSent
	deltaReceived := received - c.flushReceived
	if deltaSent+deltaReceived < flushThreshold {
		c.flushMu.Unlock()
		return
	}
	c.flushSent = sent
	c.flushReceived = received
	c.flushMu.Unlock()

	_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, deltaSent, deltaReceived)
}

// CloseWrite forwards a half-close to the underlying connection when it
// supports one. Tunnel relays depend on this to signal EOF to the peer
// while the read side keeps draining.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	duration := time.Since(c.startTime)
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		// Report only the unflushed remainder; mid-stream flushes already
		// accounted for the rest.
		c.flushMu.Lock()
		deltaSent := atomic.LoadInt64(&c.bytesSent) - c.flushSent
		deltaReceived := atomic.LoadInt64(&c.bytesReceived) - c.flushReceived
		c.flushSent += deltaSent
		c.flushReceived += deltaReceived
		c.flushMu.Unlock()
		_ = c.collector.EndConnection(c.ctx, c.connectionID, deltaSent, deltaReceived, duration, closeReason)
	})
	return err
}
