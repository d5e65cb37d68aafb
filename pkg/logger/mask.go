package logger

import (
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/utils"
)

// MaskPhone returns a zap field with the number masked. Call lifecycle
// logs include caller numbers on every event; raw numbers never reach
// the log sink.
func MaskPhone(key, phone string) zap.Field {
	return zap.String(key, utils.MaskPhoneNumber(phone))
}

// MaskPhoneIfPresent is MaskPhone for fields that may be empty.
func MaskPhoneIfPresent(key, phone string) zap.Field {
	if phone == "" {
		return zap.String(key, "")
	}
	return MaskPhone(key, phone)
}
