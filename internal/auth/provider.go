package auth

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"
)

// Provider authenticates a STOMP CONNECT/STOMP frame's login and passcode headers.
type Provider interface {
	Authenticate(ctx context.Context, login, passcode string) (bool, error)
}

// AllowAllProvider accepts every CONNECT attempt. It is the default when the
// broker is not configured as secured.
type AllowAllProvider struct{}

// Authenticate always reports success.
func (AllowAllProvider) Authenticate(context.Context, string, string) (bool, error) {
	return true, nil
}

// StaticCredentialsProvider checks login/passcode against one configured pair
// using constant-time comparison.
type StaticCredentialsProvider struct {
	login    string
	passcode string
}

// NewStaticCredentialsProvider builds a provider that accepts exactly one login/passcode pair.
func NewStaticCredentialsProvider(login, passcode string) *StaticCredentialsProvider {
	return &StaticCredentialsProvider{login: login, passcode: passcode}
}

// Authenticate reports whether the supplied credentials match the configured pair.
func (p *StaticCredentialsProvider) Authenticate(_ context.Context, login, passcode string) (bool, error) {
	if p == nil {
		return false, nil
	}
	loginOK := subtle.ConstantTimeCompare([]byte(login), []byte(p.login)) == 1
	passcodeOK := subtle.ConstantTimeCompare([]byte(passcode), []byte(p.passcode)) == 1
	return loginOK && passcodeOK, nil
}

// HMACBearerProvider treats the STOMP passcode header as an HMAC-signed bearer
// token (see HMACTokenVerifier) and requires its subject claim to match login.
type HMACBearerProvider struct {
	verifier *HMACTokenVerifier
}

// NewHMACBearerProvider wraps an HMACTokenVerifier as a STOMP AuthProvider.
func NewHMACBearerProvider(secret string, leeway time.Duration) (*HMACBearerProvider, error) {
	verifier, err := NewHMACTokenVerifier(secret, leeway)
	if err != nil {
		return nil, err
	}
	return &HMACBearerProvider{verifier: verifier}, nil
}

// Authenticate verifies the bearer token carried in passcode and checks its subject.
func (p *HMACBearerProvider) Authenticate(_ context.Context, login, passcode string) (bool, error) {
	if p == nil || p.verifier == nil {
		return false, nil
	}
	claims, err := p.verifier.Verify(strings.TrimSpace(passcode))
	if err != nil {
		return false, nil
	}
	if login != "" && claims.Subject != login {
		return false, nil
	}
	return true, nil
}
