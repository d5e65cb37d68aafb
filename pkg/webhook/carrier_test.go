package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"testing"
)

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureValid(t *testing.T) {
	values := url.Values{}
	values.Set("CallSid", "CA123")
	values.Set("Status", "completed")
	values.Set("From", "+919876543210")

	// Keys sorted alphabetically, joined with &.
	signature := sign("s3cret", "CallSid=CA123&From=+919876543210&Status=completed")

	if err := VerifySignature("s3cret", values, signature); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureInvalid(t *testing.T) {
	values := url.Values{}
	values.Set("CallSid", "CA123")

	if err := VerifySignature("s3cret", values, "deadbeef"); err == nil {
		t.Error("tampered signature accepted")
	}
}

func TestVerifySignatureMissingHeader(t *testing.T) {
	values := url.Values{}
	values.Set("CallSid", "CA123")

	if err := VerifySignature("s3cret", values, ""); err == nil {
		t.Error("missing signature accepted when secret is configured")
	}
}

func TestVerifySignatureEmptySecretSkips(t *testing.T) {
	values := url.Values{}
	values.Set("CallSid", "CA123")

	if err := VerifySignature("", values, ""); err != nil {
		t.Errorf("empty secret should skip verification: %v", err)
	}
}

func TestVerifySignatureRepeatedKeys(t *testing.T) {
	values := url.Values{}
	values.Add("Leg", "1")
	values.Add("Leg", "2")

	signature := sign("s3cret", "Leg=1&Leg=2")

	if err := VerifySignature("s3cret", values, signature); err != nil {
		t.Errorf("repeated keys rejected: %v", err)
	}
}
