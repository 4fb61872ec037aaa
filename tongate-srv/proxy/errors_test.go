package proxy

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewProxyError(ErrCodeDialFailed, GetErrorDescription(ErrCodeDialFailed), cause)

	assert.Contains(t, err.Error(), ErrCodeDialFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))

	noCause := NewProxyError(ErrCodeMissingAuthority, GetErrorDescription(ErrCodeMissingAuthority), nil)
	assert.Contains(t, noCause.Error(), ErrCodeMissingAuthority)
	assert.Nil(t, errors.Unwrap(noCause))
}

func TestNewBadGatewayResponse(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	resp := NewBadGatewayResponse(ErrCodeDialFailed, cause)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, ErrCodeDialFailed, resp.Header.Get("X-Proxy-Error"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "502 Bad Gateway")
	assert.Contains(t, string(body), ErrCodeDialFailed)
	assert.Contains(t, string(body), "connection refused")
}

func TestWriteProxyErrorResponse(t *testing.T) {
	t.Run("proxy error code wins over default", func(t *testing.T) {
		rec := httptest.NewRecorder()
		err := NewProxyError(ErrCodeMissingAuthority, GetErrorDescription(ErrCodeMissingAuthority), nil)
		writeProxyErrorResponse(rec, err, ErrCodeDialFailed)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, ErrCodeMissingAuthority, rec.Header().Get("X-Proxy-Error"))
		assert.Contains(t, rec.Body.String(), GetErrorDescription(ErrCodeMissingAuthority))
	})

	t.Run("plain error uses default code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		writeProxyErrorResponse(rec, errors.New("boom"), ErrCodeHTTPForwardFailed)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, ErrCodeHTTPForwardFailed, rec.Header().Get("X-Proxy-Error"))
		assert.Contains(t, rec.Body.String(), "boom")
	})
}

func TestGetErrorDescription(t *testing.T) {
	assert.Equal(t, "Failed to dial target address", GetErrorDescription(ErrCodeDialFailed))
	assert.Equal(t, "Unknown error code", GetErrorDescription("E9999"))
}
