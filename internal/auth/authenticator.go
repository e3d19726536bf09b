package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrMissingCredential maps to 401.
	ErrMissingCredential = errors.New("auth: missing credential")
	// ErrInvalidCredential maps to 403.
	ErrInvalidCredential = errors.New("auth: invalid credential")
)

// Principal is the authenticated caller. Admin callers may act on any device.
type Principal struct {
	DeviceID string
	Admin    bool
}

// CanActOn reports whether the principal may read or write deviceID's data.
func (p Principal) CanActOn(deviceID string) bool {
	return p.Admin || (p.DeviceID != "" && p.DeviceID == deviceID)
}

// Authenticator accepts the shared API key or a device token.
type Authenticator struct {
	apiKey []byte
	tokens *TokenIssuer
}

// NewAuthenticator builds an authenticator. tokens may be nil when device tokens are not in use.
func NewAuthenticator(apiKey string, tokens *TokenIssuer) *Authenticator {
	authenticator := &Authenticator{tokens: tokens}
	if key := strings.TrimSpace(apiKey); key != "" {
		authenticator.apiKey = []byte(key)
	}
	return authenticator
}

// Enabled is false when neither an API key nor a signing secret is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (len(a.apiKey) > 0 || a.tokens != nil)
}

// Authenticate resolves a bearer credential into a principal.
// With auth disabled every caller is an admin.
func (a *Authenticator) Authenticate(credential string) (Principal, error) {
	if !a.Enabled() {
		return Principal{Admin: true}, nil
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Principal{}, ErrMissingCredential
	}
	if len(a.apiKey) > 0 && subtle.ConstantTimeCompare([]byte(credential), a.apiKey) == 1 {
		return Principal{Admin: true}, nil
	}
	if a.tokens != nil {
		if deviceID, err := a.tokens.ValidateToken(credential); err == nil {
			return Principal{DeviceID: deviceID}, nil
		}
	}
	return Principal{}, ErrInvalidCredential
}

// BearerToken extracts the credential from an Authorization header value.
// Headers without the Bearer scheme yield an empty credential.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) >= 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
