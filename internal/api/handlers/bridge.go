package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/errors"
	"github.com/edvisortech/voice-bridge/pkg/logger"
)

// BridgeInitRequest is the payload the carrier's voicebot applet sends
// when a call starts, asking where to stream media.
type BridgeInitRequest struct {
	CallSid string `json:"CallSid" form:"CallSid"`
	From    string `json:"From" form:"From"`
	To      string `json:"To" form:"To"`
}

type BridgeInitResponse struct {
	WebSocketURL string `json:"websocket_url"`
}

// BridgeInit returns the WebSocket URL the carrier should connect to
// for this call. Supports both GET (query params) and POST (form/json).
func (h *Handler) BridgeInit(c *gin.Context) {
	var req BridgeInitRequest
	if err := c.ShouldBind(&req); err != nil {
		req.CallSid = c.Query("CallSid")
		req.From = c.Query("From")
		req.To = c.Query("To")
	}

	// Carriers are not consistent about parameter names.
	if req.CallSid == "" {
		req.CallSid = c.Query("call_sid")
	}
	if req.From == "" {
		req.From = c.Query("CallFrom")
	}
	if req.To == "" {
		req.To = c.Query("CallTo")
	}

	if req.CallSid == "" {
		h.logger.Warn("bridge init called without CallSid",
			zap.String("method", c.Request.Method),
			zap.String("url", c.Request.URL.String()))
		errors.BadRequest(c, "CallSid is required")
		return
	}

	baseURL := h.cfg.BridgeBaseURL
	if baseURL == "" {
		// Behind a reverse proxy, reconstruct from forwarded headers.
		scheme := "https"
		if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" {
			scheme = "http"
		} else if c.Request.TLS == nil && proto == "" {
			scheme = "http"
		}
		host := c.GetHeader("X-Forwarded-Host")
		if host == "" {
			host = c.Request.Host
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	wsBaseURL := baseURL
	if strings.HasPrefix(wsBaseURL, "https") {
		wsBaseURL = "wss" + wsBaseURL[5:]
	} else if strings.HasPrefix(wsBaseURL, "http") {
		wsBaseURL = "ws" + wsBaseURL[4:]
	}

	wsURL := fmt.Sprintf("%s/bridge/ws?call_sid=%s&from=%s&to=%s",
		wsBaseURL, req.CallSid, req.From, req.To)

	h.logger.Info("bridge init",
		zap.String("call_sid", req.CallSid),
		logger.MaskPhoneIfPresent("from", req.From),
		logger.MaskPhoneIfPresent("to", req.To))

	c.JSON(http.StatusOK, BridgeInitResponse{WebSocketURL: wsURL})
}

// createUpgrader builds a WebSocket upgrader that only accepts carrier
// origins in production.
func createUpgrader(cfg *env.Config) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")

			if cfg.AppEnv == "development" {
				return true
			}

			allowedOrigins := []string{
				"https://my.exotel.com",
				"https://api.exotel.com",
				"https://" + cfg.ExotelSubdomain + ".exotel.com",
			}
			if cfg.BridgeBaseURL != "" {
				allowedOrigins = append(allowedOrigins, cfg.BridgeBaseURL)
			}

			for _, allowed := range allowedOrigins {
				if origin == allowed || origin == "" {
					return true
				}
			}

			logger.Log.Warn("WebSocket connection rejected, invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr))
			return false
		},
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
	}
}

// BridgeWebSocket is the media-stream endpoint the carrier connects to.
// It must be reachable over public wss://; the carrier does not
// authenticate beyond origin.
func (h *Handler) BridgeWebSocket(c *gin.Context) {
	callSid := c.Query("call_sid")
	if callSid == "" {
		callSid = c.Query("callLogId")
	}
	from := c.Query("from")
	to := c.Query("to")

	if callSid == "" {
		errors.BadRequest(c, "call_sid is required")
		return
	}

	upgrader := createUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade to WebSocket",
			zap.Error(err),
			zap.String("call_sid", callSid),
			zap.String("remote_addr", c.Request.RemoteAddr))
		return
	}
	defer conn.Close()

	h.logger.Info("carrier WebSocket connected",
		zap.String("call_sid", callSid),
		logger.MaskPhoneIfPresent("from", from),
		logger.MaskPhoneIfPresent("to", to))

	h.bridge.HandleConnection(conn, callSid, from, to)
}
