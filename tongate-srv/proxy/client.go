package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// dialTarget establishes a TCP connection to the target address, going
// through the configured SOCKS5 upstream when one is set. The returned
// connection is wrapped for statistics tracking. Failures are *Error values
// carrying a dial error code.
//
// No dial timeout is applied unless timeout-seconds is configured; the
// original behavior of waiting for the OS-level connect failure is kept.
func (p *Proxy) dialTarget(ctx context.Context, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		portStr = ""
	}
	port := 0
	if portStr != "" {
		if parsed, parseErr := strconv.Atoi(portStr); parseErr == nil {
			port = parsed
		}
	}

	clientIP, _ := ClientIPFromContext(ctx)

	connectionID, startErr := p.StartConnection(ctx, clientIP, host, port, "tcp")
	if startErr != nil {
		// Stats may be incomplete, but the dial can still proceed.
		logger.Error("Failed to start connection tracking: %v", startErr)
	}

	dialer := &net.Dialer{}
	if p.config.TimeoutSeconds > 0 {
		dialer.Timeout = time.Duration(p.config.TimeoutSeconds) * time.Second
	}

	var targetConn net.Conn
	if p.config.Socks5Forward != "" {
		logger.Debug("Dialing %s via SOCKS5 upstream %s", addr, p.config.Socks5Forward)
		targetConn, err = dialSocks5(ctx, dialer, p.config.Socks5Forward, addr)
	} else {
		logger.Debug("Dialing %s directly", addr)
		targetConn, err = dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			err = NewProxyError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed),
				fmt.Errorf("direct dial to %s: %w", addr, err))
		}
	}

	if err != nil {
		_ = p.RecordError(ctx, connectionID, "dial", err.Error())
		_ = p.EndConnection(ctx, connectionID, 0, 0, 0, err.Error())
		return nil, err
	}

	return newTrackedConn(ctx, targetConn, p.Collector, connectionID), nil
}

// dialSocks5 connects to the target through a SOCKS5 proxy.
func dialSocks5(ctx context.Context, dialer *net.Dialer, socksAddr, targetAddr string) (net.Conn, error) {
	socksDialer, err := proxy.SOCKS5("tcp", socksAddr, nil, dialer)
	if err != nil {
		return nil, NewProxyError(ErrCodeSocks5DialFailed, GetErrorDescription(ErrCodeSocks5DialFailed),
			fmt.Errorf("upstream %s: %w", socksAddr, err))
	}

	if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		conn, err := contextDialer.DialContext(ctx, "tcp", targetAddr)
		if err != nil {
			return nil, NewProxyError(ErrCodeSocks5DialFailed, GetErrorDescription(ErrCodeSocks5DialFailed),
				fmt.Errorf("dial %s via %s: %w", targetAddr, socksAddr, err))
		}
		return conn, nil
	}

	conn, err := socksDialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, NewProxyError(ErrCodeSocks5DialFailed, GetErrorDescription(ErrCodeSocks5DialFailed),
			fmt.Errorf("dial %s via %s: %w", targetAddr, socksAddr, err))
	}
	return conn, nil
}
