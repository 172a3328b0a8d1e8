package security

import "strings"

const (
	// maskKeepRunes is how many leading and trailing runes survive masking.
	maskKeepRunes = 3
	// maskMinLength is the minimum identity length eligible for partial masking.
	// Anything shorter is fully masked to avoid leaking most of the value.
	maskMinLength = 8
	maskFiller    = "***"
)

// MaskIdentity redacts a participant identity for logs and telemetry, keeping
// a short prefix and suffix so operators can still correlate entries. Short
// identities are fully masked; whitespace-only input yields an empty string.
//
//	MaskIdentity("alice@acme.com") == "ali***com"
//	MaskIdentity("bob") == "***"
func MaskIdentity(identity string) string {
	trimmed := strings.TrimSpace(identity)
	if trimmed == "" {
		return ""
	}

	runes := []rune(trimmed)
	if len(runes) < maskMinLength {
		return maskFiller
	}

	return string(runes[:maskKeepRunes]) + maskFiller + string(runes[len(runes)-maskKeepRunes:])
}
