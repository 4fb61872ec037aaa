package proxy

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/codefionn/tongate/tongate-srv/logger"
)

// acSuffixThreshold is the suffix count above which the matcher compiles the
// list into an Aho-Corasick trie instead of scanning linearly.
const acSuffixThreshold = 16

// GatewayMatcher decides whether a host should be routed through the TON
// gateway. A host matches when it ends with one of the configured suffixes.
// The comparison is a raw byte-wise suffix check: case-sensitive, not aware
// of DNS label boundaries (suffix "ton" matches host "proton"). This mirrors
// how TON domain lists are conventionally applied and is intentional.
type GatewayMatcher struct {
	suffixes []string
	trie     *ahocorasick.Trie
}

// NewGatewayMatcher builds a matcher for the given suffix list.
func NewGatewayMatcher(suffixes []string) *GatewayMatcher {
	m := &GatewayMatcher{suffixes: suffixes}
	if len(suffixes) > acSuffixThreshold {
		m.trie = ahocorasick.NewTrieBuilder().AddStrings(suffixes).Build()
		logger.Debug("Compiled Aho-Corasick suffix matcher with %d patterns", len(suffixes))
	}
	return m
}

// Match reports whether host ends with at least one configured suffix.
// An empty host or an empty suffix list never matches.
func (m *GatewayMatcher) Match(host string) bool {
	if host == "" || len(m.suffixes) == 0 {
		return false
	}

	if m.trie != nil {
		// A trie hit is only a suffix match when it ends at the end of the host.
		for _, match := range m.trie.MatchString(host) {
			pattern := m.suffixes[match.Pattern()]
			if int(match.Pos())+len(pattern) == len(host) {
				return true
			}
		}
		return false
	}

	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// Suffixes returns the configured suffix list.
func (m *GatewayMatcher) Suffixes() []string {
	return m.suffixes
}
