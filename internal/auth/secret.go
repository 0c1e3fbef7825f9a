package auth

import "crypto/subtle"

// SecretMatches compares a presented shared secret with the configured one in constant
// time. An unconfigured secret never matches.
func SecretMatches(configured, presented string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
