package auth

import (
	"errors"
	"testing"
)

func TestAuthenticatorResolvesCredentials(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	deviceToken, _, err := issuer.IssueDeviceToken("pixel-7")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	authenticator := NewAuthenticator("admin-key", issuer)

	testCases := []struct {
		name       string
		credential string
		want       Principal
		wantErr    error
	}{
		{name: "missing", credential: "", wantErr: ErrMissingCredential},
		{name: "invalid", credential: "wrong-key", wantErr: ErrInvalidCredential},
		{name: "api key", credential: "admin-key", want: Principal{Admin: true}},
		{name: "device token", credential: deviceToken, want: Principal{DeviceID: "pixel-7"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			principal, err := authenticator.Authenticate(testCase.credential)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if principal != testCase.want {
				t.Fatalf("expected %+v, got %+v", testCase.want, principal)
			}
		})
	}
}

func TestAuthenticatorDisabledAllowsEverything(t *testing.T) {
	authenticator := NewAuthenticator("  ", nil)
	if authenticator.Enabled() {
		t.Fatalf("expected auth disabled without key or secret")
	}
	principal, err := authenticator.Authenticate("")
	if err != nil || !principal.Admin {
		t.Fatalf("expected admin principal, got %+v (%v)", principal, err)
	}
}

func TestPrincipalScope(t *testing.T) {
	device := Principal{DeviceID: "pixel-7"}
	if !device.CanActOn("pixel-7") || device.CanActOn("galaxy") {
		t.Fatalf("device principal must be scoped to its own id")
	}
	if !(Principal{Admin: true}).CanActOn("anything") {
		t.Fatalf("admin principal may act on any device")
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := BearerToken("bearer  xyz "); got != "xyz" {
		t.Fatalf("unexpected token %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("unexpected token %q", got)
	}
}
