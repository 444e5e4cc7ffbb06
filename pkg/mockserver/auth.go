package mockserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

// keyStore validates bearer tokens against a static set of keys. Keys are
// hashed on construction; plaintext keys are not stored.
type keyStore struct {
	hashes [][32]byte
}

func newKeyStore(keys []string) *keyStore {
	ks := &keyStore{}
	for _, k := range keys {
		if k == "" {
			continue
		}
		ks.hashes = append(ks.hashes, sha256.Sum256([]byte(k)))
	}
	return ks
}

// enabled reports whether any key is configured. With no keys every request
// is accepted.
func (ks *keyStore) enabled() bool {
	return len(ks.hashes) > 0
}

// authenticate returns nil if the request carries a known bearer token, and
// the error body to send otherwise.
func (ks *keyStore) authenticate(r *http.Request) *api.ErrorBody {
	if !ks.enabled() {
		return nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return authFailure("You didn't provide an API key.")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return authFailure("Authorization header must use the Bearer scheme.")
	}

	token := strings.TrimPrefix(header, "Bearer ")
	tokenHash := sha256.Sum256([]byte(token))

	// Compare against every entry so timing does not depend on which key matched.
	match := 0
	for _, h := range ks.hashes {
		match |= subtle.ConstantTimeCompare(tokenHash[:], h[:])
	}
	if match == 1 {
		return nil
	}
	return authFailure("Incorrect API key provided.")
}

func authFailure(message string) *api.ErrorBody {
	return &api.ErrorBody{
		Message: message,
		Type:    api.ErrorTypeAuthentication,
		Code:    "invalid_api_key",
	}
}
