package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write",
	}
	roles := parseRoles(claims)
	if len(roles) < 3 {
		t.Fatalf("expected roles to include entries, got %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestJWKSCacheResolvesKeys(t *testing.T) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(private.Public())
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, "staff-signing-1"); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cache := &jwksCache{url: srv.URL, ttl: time.Minute, client: srv.Client(), byKID: map[string]any{}}
	got, err := cache.get(context.Background(), "staff-signing-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}

	if _, err := cache.get(context.Background(), "no-such-kid"); !errors.Is(err, ErrUnknownKID) {
		t.Fatalf("expected ErrUnknownKID, got %v", err)
	}
}
