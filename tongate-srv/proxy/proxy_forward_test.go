package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// proxyHTTPClient returns an HTTP client routing every request through the
// proxy at proxyAddr.
func proxyHTTPClient(t *testing.T, proxyAddr string) *http.Client {
	t.Helper()

	proxyURL, err := url.Parse("http://" + proxyAddr)
	require.NoError(t, err)

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}
}

func TestForwardNonMatchingPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/some/path", r.URL.Path)
		assert.Equal(t, "a=1&b=2", r.URL.RawQuery)
		assert.Equal(t, "custom-value", r.Header.Get("X-Custom"))
		assert.Empty(t, r.Header.Get("Proxy-Connection"), "hop-by-hop header must not be forwarded")
		w.Header().Set("X-Backend", "reached")
		fmt.Fprint(w, "backend response")
	}))
	defer backend.Close()

	cfg := newTestConfig()
	cfg.TONDomains = []string{"ton", "t.me"}
	proxyAddr := startTestProxy(t, cfg)

	client := proxyHTTPClient(t, proxyAddr)
	req, err := http.NewRequest(http.MethodGet, backend.URL+"/some/path?a=1&b=2", nil)
	require.NoError(t, err)
	req.Header.Set("X-Custom", "custom-value")
	req.Header.Set("Proxy-Connection", "keep-alive")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reached", resp.Header.Get("X-Backend"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "backend response", string(body))
}

func TestForwardGatewayRewrite(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/example.ton/page", r.URL.Path)
		assert.Equal(t, "x=1", r.URL.RawQuery)
		fmt.Fprint(w, "gateway content")
	}))
	defer gateway.Close()

	cfg := newTestConfig()
	cfg.TONDomains = []string{"ton", "t.me"}
	cfg.TONGateway = gateway.URL
	proxyAddr := startTestProxy(t, cfg)

	client := proxyHTTPClient(t, proxyAddr)
	// example.ton does not resolve anywhere; only the gateway rewrite can
	// make this request succeed.
	resp, err := client.Get("http://example.ton/page?x=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "gateway content", string(body))
}

func TestForwardGatewayRewriteTrailingSlash(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/foo.t.me/a", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	cfg := newTestConfig()
	cfg.TONDomains = []string{"t.me"}
	cfg.TONGateway = gateway.URL + "/"
	proxyAddr := startTestProxy(t, cfg)

	client := proxyHTTPClient(t, proxyAddr)
	resp, err := client.Get("http://foo.t.me/a")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForwardDeadBackend(t *testing.T) {
	deadAddr := closedPortAddr(t)

	cfg := newTestConfig()
	proxyAddr := startTestProxy(t, cfg)

	client := proxyHTTPClient(t, proxyAddr)
	resp, err := client.Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Proxy-Error"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "502 Bad Gateway")
}

func TestForwardPostBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, readErr := io.ReadAll(r.Body)
		assert.NoError(t, readErr)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer backend.Close()

	proxyAddr := startTestProxy(t, newTestConfig())
	client := proxyHTTPClient(t, proxyAddr)

	resp, err := client.Post(backend.URL+"/submit", "text/plain", strings.NewReader("request payload"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "request payload", string(body))
}

func TestForwardStreamingResponse(t *testing.T) {
	chunks := []string{"first-chunk|", "second-chunk|", "third-chunk"}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, chunk := range chunks {
			fmt.Fprint(w, chunk)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer backend.Close()

	proxyAddr := startTestProxy(t, newTestConfig())
	client := proxyHTTPClient(t, proxyAddr)

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(chunks, ""), string(body))
}

// TestForwardTimeoutYieldsBadGateway verifies a timed-out forward maps to
// the coded 502 like every other transport failure, with the cause in the
// body.
func TestForwardTimeoutYieldsBadGateway(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(10 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	cfg := newTestConfig()
	cfg.TimeoutSeconds = 1
	proxyAddr := startTestProxy(t, cfg)

	client := proxyHTTPClient(t, proxyAddr)
	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeHTTPForwardFailed, resp.Header.Get("X-Proxy-Error"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "502 Bad Gateway")
	assert.Contains(t, string(body), "Timeout", "body must carry the underlying timeout error text")
}

// TestForwardStatsBytesOnTransportRowOnly verifies the request-level "http"
// connection record ends with zero byte deltas; traffic bytes belong to the
// tracked transport connections so the schema's sums stay exact.
func TestForwardStatsBytesOnTransportRowOnly(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("payload."), 512))
	}))
	defer backend.Close()

	rec := newRecordingCollector()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := NewProxy(newTestConfig())
	p.Collector = rec
	go func() {
		_ = p.StartWithListener(listener)
	}()
	t.Cleanup(func() { _ = p.Stop() })

	client := proxyHTTPClient(t, listener.Addr().String())
	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, body)

	require.Eventually(t, func() bool {
		_, ended := rec.endedConnection("http")
		return ended
	}, 5*time.Second, 10*time.Millisecond, "http connection record never ended")

	id, _ := rec.endedConnection("http")
	sent, received := rec.totals(id)
	assert.Zero(t, sent, "http record must not carry byte totals")
	assert.Zero(t, received, "http record must not carry byte totals")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.requestURLs, "request record expected on the http row")
	assert.Contains(t, rec.responseCode, http.StatusOK)
}

func TestForwardRedirectPassedThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://elsewhere.example/", http.StatusFound)
	}))
	defer backend.Close()

	proxyAddr := startTestProxy(t, newTestConfig())
	client := proxyHTTPClient(t, proxyAddr)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The redirect must reach the requesting client, not be followed by the
	// proxy's internal client.
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://elsewhere.example/", resp.Header.Get("Location"))
}
