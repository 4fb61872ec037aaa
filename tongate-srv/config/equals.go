package config

// HasChanged returns true if the configuration has changed compared to another
// config. This implementation explicitly compares all fields without using
// reflection; used to decide whether a SIGHUP reload needs a proxy restart.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress {
		return true
	}
	if !stringSliceEqual(a.TONDomains, b.TONDomains) {
		return true
	}
	if a.TONGateway != b.TONGateway {
		return true
	}
	if a.VerboseLogging != b.VerboseLogging {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.Socks5Forward != b.Socks5Forward {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
