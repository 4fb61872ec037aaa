package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// handleConnect establishes a raw TCP tunnel for a CONNECT request. The
// target is dialed first; only after a successful dial is the client given a
// 200 response and upgraded to raw byte mode. Dial failures and missing
// authority produce a 502 while the connection still speaks HTTP.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	targetAddr := r.Host
	if targetAddr == "" && r.URL != nil {
		targetAddr = r.URL.Host
	}
	if targetAddr == "" {
		err := NewProxyError(ErrCodeMissingAuthority, GetErrorDescription(ErrCodeMissingAuthority), nil)
		logger.Error("CONNECT error: %v", err)
		writeProxyErrorResponse(w, err, ErrCodeMissingAuthority)
		return
	}

	logger.Debug("CONNECT request for %s", targetAddr)

	targetConn, err := p.dialTarget(r.Context(), targetAddr)
	if err != nil {
		logger.Error("Failed to establish connection to target %s (via %s): %v", targetAddr, r.RemoteAddr, err)
		writeProxyErrorResponse(w, err, ErrCodeDialFailed)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		if closeErr := targetConn.Close(); closeErr != nil {
			logger.Error("Error closing target connection: %v", closeErr)
		}
		writeProxyErrorResponse(w, NewProxyError(ErrCodeHijackNotSupported, GetErrorDescription(ErrCodeHijackNotSupported), nil), ErrCodeHijackNotSupported)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		if closeErr := targetConn.Close(); closeErr != nil {
			logger.Error("Error closing target connection: %v", closeErr)
		}
		writeProxyErrorResponse(w, NewProxyError(ErrCodeHijackFailed, GetErrorDescription(ErrCodeHijackFailed), err), ErrCodeHijackFailed)
		return
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Error("Failed to send 200 response: %v", err)
		if closeErr := clientConn.Close(); closeErr != nil {
			logger.Error("Error closing client connection: %v", closeErr)
		}
		if closeErr := targetConn.Close(); closeErr != nil {
			logger.Error("Error closing target connection: %v", closeErr)
		}
		return
	}

	// The handler goroutine now belongs entirely to this tunnel; the server's
	// accept loop and other connections are unaffected.
	if err := relayTunnel(clientConn, clientBuf, targetConn); err != nil {
		logger.Warn("Tunnel to %s closed with error: %v", targetAddr, err)
	} else {
		logger.Debug("Tunnel to %s closed", targetAddr)
	}
}

// relayTunnel runs the two relay directions of an established tunnel as
// concurrent loops. A zero-byte read in one direction half-closes the write
// side of the peer and stops that loop only; the opposite direction keeps
// draining until it reaches its own EOF or error. Both connections are fully
// closed once both loops have finished, and a combined error is returned if
// either direction failed.
func relayTunnel(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetConn net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)

	var clientToTargetErr, targetToClientErr error

	go func() {
		defer wg.Done()
		// Bytes the server already buffered past the request head belong to
		// the tunnel and must reach the target first.
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			buffered := int64(clientBuf.Reader.Buffered())
			if _, err := io.CopyN(targetConn, clientBuf.Reader, buffered); err != nil {
				if !isClosedConnError(err) {
					clientToTargetErr = err
				}
				halfCloseWrite(targetConn)
				return
			}
		}
		if _, err := copyBuffer(targetConn, clientConn); err != nil && !isClosedConnError(err) {
			clientToTargetErr = err
		}
		halfCloseWrite(targetConn)
	}()

	go func() {
		defer wg.Done()
		if _, err := copyBuffer(clientConn, targetConn); err != nil && !isClosedConnError(err) {
			targetToClientErr = err
		}
		halfCloseWrite(clientConn)
	}()

	wg.Wait()

	if closeErr := clientConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing client connection: %v", closeErr)
	}
	if closeErr := targetConn.Close(); closeErr != nil && !isClosedConnError(closeErr) {
		logger.Debug("Error closing target connection: %v", closeErr)
	}

	if clientToTargetErr != nil || targetToClientErr != nil {
		return NewProxyError(ErrCodeRelayFailed, GetErrorDescription(ErrCodeRelayFailed),
			errors.Join(clientToTargetErr, targetToClientErr))
	}
	return nil
}

// halfCloseWrite shuts down the write side of a connection, leaving its read
// side open so in-flight data in the other direction can still drain.
func halfCloseWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil && !isClosedConnError(err) {
			logger.Debug("Half-close failed: %v", err)
		}
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
