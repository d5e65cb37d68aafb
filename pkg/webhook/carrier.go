package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature verifies the carrier webhook HMAC signature.
// The carrier sends the signature in the X-Exotel-Signature header,
// computed as HMAC-SHA256 over the sorted form values.
// An empty secret skips verification (development only).
func VerifySignature(secret string, formValues url.Values, signature string) error {
	if secret == "" {
		return nil
	}

	if signature == "" {
		return fmt.Errorf("signature header missing")
	}

	var keys []string
	for k := range formValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range formValues[k] {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, "&")))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
