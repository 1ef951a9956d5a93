package cache

import "path/filepath"

// globMatch matches a KEYS/SCAN pattern against a key the same way the
// control channel matches runtime names (path/filepath.Match) rather
// than a bespoke glob implementation, per spec §4.8's "name arguments
// accept glob patterns" convention applied consistently across the
// daemon.
func globMatch(pattern, key string) (bool, error) {
	return filepath.Match(pattern, key)
}
