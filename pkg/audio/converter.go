package audio

import "encoding/base64"

// EncodePayload encodes an audio chunk to base64 for a JSON media frame.
func EncodePayload(chunk []byte) string {
	return base64.StdEncoding.EncodeToString(chunk)
}

// DecodePayload decodes a base64 media payload back to raw audio bytes.
func DecodePayload(payload string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(payload)
}
