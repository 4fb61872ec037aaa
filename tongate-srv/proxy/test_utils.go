package proxy

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/tongate/tongate-srv/config"
)

// newTestConfig returns a config suitable for tests: ephemeral listen
// address, statistics disabled.
func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	return cfg
}

// startTestProxy starts a proxy on an ephemeral port and returns its
// address. The proxy is stopped when the test finishes.
func startTestProxy(t *testing.T, cfg *config.Config) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewProxy(cfg)
	go func() {
		if serveErr := p.StartWithListener(listener); serveErr != nil {
			t.Logf("proxy serve error: %v", serveErr)
		}
	}()
	t.Cleanup(func() {
		_ = p.Stop()
	})

	return listener.Addr().String()
}

// startEchoServer starts a TCP server that echoes everything back and
// returns its address.
func startEchoServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = listener.Close()
	})

	go func() {
		for {
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	return listener.Addr().String()
}

// closedPortAddr returns an address nothing is listening on.
func closedPortAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}
