package auth

import (
	"context"
	"testing"
	"time"
)

func TestAllowAllProviderAcceptsAnything(t *testing.T) {
	ok, err := (AllowAllProvider{}).Authenticate(context.Background(), "anyone", "anything")
	if err != nil || !ok {
		t.Fatalf("expected allow-all provider to accept, got ok=%v err=%v", ok, err)
	}
}

func TestStaticCredentialsProvider(t *testing.T) {
	provider := NewStaticCredentialsProvider("client", "s3cret")

	ok, err := provider.Authenticate(context.Background(), "client", "s3cret")
	if err != nil || !ok {
		t.Fatalf("expected matching credentials to authenticate, got ok=%v err=%v", ok, err)
	}

	ok, err = provider.Authenticate(context.Background(), "client", "wrong")
	if err != nil || ok {
		t.Fatalf("expected mismatched passcode to fail, got ok=%v err=%v", ok, err)
	}
}

func TestHMACBearerProvider(t *testing.T) {
	provider, err := NewHMACBearerProvider("secret", time.Second)
	if err != nil {
		t.Fatalf("NewHMACBearerProvider: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	provider.verifier.WithClock(func() time.Time { return fixedNow })
	token := makeToken(t, "secret", "conn-1", fixedNow.Add(time.Minute))

	ok, err := provider.Authenticate(context.Background(), "conn-1", token)
	if err != nil || !ok {
		t.Fatalf("expected valid bearer token to authenticate, got ok=%v err=%v", ok, err)
	}

	ok, err = provider.Authenticate(context.Background(), "someone-else", token)
	if err != nil || ok {
		t.Fatalf("expected subject mismatch to fail, got ok=%v err=%v", ok, err)
	}
}
