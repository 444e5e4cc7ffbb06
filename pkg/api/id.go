package api

import (
	"crypto/rand"
	"strings"
)

const (
	completionIDPrefix = "chatcmpl-"
	completionIDLength = 24
)

// NewCompletionID returns an id of the form "chatcmpl-" followed by 24
// random characters, as the mock backend assigns to every completion.
func NewCompletionID() string {
	return completionIDPrefix + rand.Text()[:completionIDLength]
}

// ValidateCompletionID reports whether id has the shape produced by
// NewCompletionID: the prefix and 24 ASCII letters or digits.
func ValidateCompletionID(id string) bool {
	rest, ok := strings.CutPrefix(id, completionIDPrefix)
	if !ok || len(rest) != completionIDLength {
		return false
	}
	for _, c := range []byte(rest) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
