package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edvisortech/voice-bridge/pkg/errors"
)

// ValidateSIDParam validates that a call SID parameter looks like a
// carrier-issued identifier (non-empty, alphanumeric with no spaces).
func ValidateSIDParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param(paramName)
		if sid == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			c.Abort()
			return
		}

		if len(sid) > 64 || strings.ContainsAny(sid, " \t\n/") {
			errors.BadRequest(c, "invalid "+paramName+" parameter")
			c.Abort()
			return
		}

		c.Set(paramName, sid)
		c.Next()
	}
}

// ValidatePhoneParam validates that a phone parameter is in E.164 format
func ValidatePhoneParam(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		phone := c.Param(paramName)
		if phone == "" {
			errors.BadRequest(c, paramName+" parameter is required")
			c.Abort()
			return
		}

		if !strings.HasPrefix(phone, "+") || len(phone) < 8 || len(phone) > 16 {
			errors.BadRequest(c, "invalid "+paramName+": must be in E.164 format (e.g., +919876543210)")
			c.Abort()
			return
		}

		c.Set(paramName, phone)
		c.Next()
	}
}

// SanitizeString removes potentially dangerous characters from strings
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	return s
}
