package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidateToken(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "test-secret", TokenTTL: time.Hour}

	tok, err := IssueToken("user@example.com", cfg)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	sub, err := ValidateToken(tok, cfg)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if sub != "user@example.com" {
		t.Errorf("sub = %q, want %q", sub, "user@example.com")
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	tok, err := IssueToken("user@example.com", JWTCfg{HS256Secret: "secret-a", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ValidateToken(tok, JWTCfg{HS256Secret: "secret-b"}); err == nil {
		t.Error("Expected validation to fail with wrong secret")
	}
}

func TestValidateToken_Expired(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "test-secret"}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": "user@example.com",
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.HS256Secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := ValidateToken(tok, cfg); err == nil {
		t.Error("Expected validation to fail for expired token")
	}
}

func TestValidateToken_RejectsNonHMAC(t *testing.T) {
	// Token claiming alg=none must never validate.
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "evil"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build token: %v", err)
	}

	if _, err := ValidateToken(tok, JWTCfg{HS256Secret: "test-secret"}); err == nil {
		t.Error("Expected validation to reject alg=none token")
	}
}

func TestValidateToken_MissingSub(t *testing.T) {
	cfg := JWTCfg{HS256Secret: "test-secret"}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.HS256Secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	if _, err := ValidateToken(tok, cfg); err == nil {
		t.Error("Expected validation to fail without sub claim")
	}
}
