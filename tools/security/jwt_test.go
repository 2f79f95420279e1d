package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := Options{Secret: []byte("k"), Alg: "HS256", TTL: time.Hour}
	token, exp, err := Generate(opts, "alice", []string{"admin"})
	if err != nil {
		t.Fatal(err)
	}
	if !exp.After(time.Now()) {
		t.Fatalf("expiry in the past: %v", exp)
	}
	claims, err := Verify(opts, token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "alice" {
		t.Fatalf("UserID = %s", claims.UserID)
	}
	if len(claims.Scopes) != 1 || claims.Scopes[0] != "admin" {
		t.Fatalf("Scopes = %v", claims.Scopes)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(Options{Secret: []byte("k1"), Alg: "HS256"}, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(Options{Secret: []byte("k2"), Alg: "HS256"}, token); err == nil {
		t.Fatalf("token verified with wrong secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Now().Add(-2 * time.Hour)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "alice",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	signed, err := tok.SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Verify(Options{Secret: []byte("k"), Alg: "HS256"}, signed); err == nil {
		t.Fatalf("expired token accepted")
	}
}
