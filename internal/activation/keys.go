package activation

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

const (
	keyGroups    = 5
	keyGroupSize = 5
	keyLength    = keyGroups * keyGroupSize
)

// keyPattern finds dashed product keys inside free text.
var keyPattern = regexp.MustCompile(`(?i)\b[A-Z0-9]{5}(?:-[A-Z0-9]{5}){4}\b`)

// NormalizeKey strips separators, upper-cases and regroups a key as
// XXXXX-XXXXX-XXXXX-XXXXX-XXXXX. It fails with KindInvalidKey when the key
// does not contain exactly 25 alphanumeric characters.
func NormalizeKey(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return "", &Error{Kind: KindInvalidKey, Op: "normalize_key", Message: fmt.Sprintf("unexpected character %q", r)}
		}
	}

	clean := b.String()
	if len(clean) != keyLength {
		return "", &Error{Kind: KindInvalidKey, Op: "normalize_key", Message: fmt.Sprintf("expected %d characters, got %d", keyLength, len(clean))}
	}

	groups := make([]string, 0, keyGroups)
	for i := 0; i < keyLength; i += keyGroupSize {
		groups = append(groups, clean[i:i+keyGroupSize])
	}
	return strings.Join(groups, "-"), nil
}

// ExtractKeys returns the dashed keys found in text, in order of appearance.
func ExtractKeys(text string) []string {
	return keyPattern.FindAllString(text, -1)
}

// MaskKey hides all but the first and last group of a key for logging.
func MaskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:5] + "-****-" + key[len(key)-5:]
}

// HashKey returns a short stable hash for audit correlation.
func HashKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", h)[:16]
}
