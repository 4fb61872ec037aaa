package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// rewriteGatewayURL composes the gateway-routed form of a matched request URL:
//
//	<gateway without trailing slash>/<original host><original path>[?<query>]
//
// The original scheme is discarded; the gateway's own scheme governs the
// outbound connection. Returns a *Error with ErrCodeGatewayRewriteFailed when
// the composed string does not parse as a valid absolute URL.
func rewriteGatewayURL(original *url.URL, gateway string) (*url.URL, error) {
	host := original.Hostname()
	path := original.EscapedPath()

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(gateway, "/"))
	sb.WriteString("/")
	sb.WriteString(host)
	sb.WriteString(path)
	if original.RawQuery != "" {
		sb.WriteString("?")
		sb.WriteString(original.RawQuery)
	}

	composed := sb.String()
	rewritten, err := url.Parse(composed)
	if err != nil {
		return nil, NewProxyError(ErrCodeGatewayRewriteFailed, GetErrorDescription(ErrCodeGatewayRewriteFailed),
			fmt.Errorf("failed to parse rewritten URI %q: %w", composed, err))
	}
	if rewritten.Scheme == "" || rewritten.Host == "" {
		return nil, NewProxyError(ErrCodeGatewayRewriteFailed, GetErrorDescription(ErrCodeGatewayRewriteFailed),
			fmt.Errorf("rewritten URI %q is not absolute", composed))
	}

	return rewritten, nil
}
