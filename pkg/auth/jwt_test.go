package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing"

func TestGenerateAndParseServiceToken(t *testing.T) {
	tokenString, expiresAt, err := GenerateServiceToken(
		"crm-backend", "operator", testSecret, "edvisory", "voice-bridge", 30)
	if err != nil {
		t.Fatalf("GenerateServiceToken: %v", err)
	}
	if tokenString == "" {
		t.Fatal("empty token string")
	}
	if remaining := time.Until(expiresAt); remaining < 29*time.Minute || remaining > 31*time.Minute {
		t.Errorf("expiry not ~30m out: %v", remaining)
	}

	claims, err := ParseToken(tokenString, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.ServiceID != "crm-backend" {
		t.Errorf("ServiceID: got %q, want crm-backend", claims.ServiceID)
	}
	if claims.Role != "operator" {
		t.Errorf("Role: got %q, want operator", claims.Role)
	}
	if claims.Issuer != "edvisory" {
		t.Errorf("Issuer: got %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Error("token ID not set")
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	tokenString, _, err := GenerateServiceToken(
		"crm-backend", "operator", testSecret, "edvisory", "voice-bridge", 5)
	if err != nil {
		t.Fatalf("GenerateServiceToken: %v", err)
	}

	if _, err := ParseToken(tokenString, "some-other-secret"); err == nil {
		t.Error("token signed with different secret accepted")
	}
}

func TestParseTokenExpired(t *testing.T) {
	claims := TokenClaims{
		ServiceID: "crm-backend",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := ParseToken(tokenString, testSecret); err == nil {
		t.Error("expired token accepted")
	}
}

func TestParseTokenRejectsUnexpectedAlg(t *testing.T) {
	// alg=none with an empty signature segment must not validate.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, TokenClaims{ServiceID: "x"})
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := ParseToken(tokenString, testSecret); err == nil {
		t.Error("unsigned token accepted")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken("not.a.token", testSecret); err == nil {
		t.Error("garbage token accepted")
	}
	if _, err := ParseToken(strings.Repeat("a", 64), testSecret); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestGenerateServiceTokenDefaultTTL(t *testing.T) {
	_, expiresAt, err := GenerateServiceToken(
		"crm-backend", "operator", testSecret, "edvisory", "voice-bridge", 0)
	if err != nil {
		t.Fatalf("GenerateServiceToken: %v", err)
	}
	if remaining := time.Until(expiresAt); remaining < 14*time.Minute || remaining > 16*time.Minute {
		t.Errorf("default TTL not ~15m: %v", remaining)
	}
}
