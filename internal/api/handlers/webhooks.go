package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/errors"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
	"github.com/edvisortech/voice-bridge/pkg/webhook"
)

// CarrierWebhookPayload is the carrier's status callback, sent when a
// call completes outside the media stream (busy, failed, no-answer) or
// when a recording becomes available.
type CarrierWebhookPayload struct {
	CallSid      string `json:"CallSid" form:"CallSid"`
	From         string `json:"From" form:"From"`
	To           string `json:"To" form:"To"`
	Direction    string `json:"Direction" form:"Direction"`
	Status       string `json:"Status" form:"Status"`
	StartTime    string `json:"StartTime" form:"StartTime"`
	EndTime      string `json:"EndTime" form:"EndTime"`
	Duration     string `json:"Duration" form:"Duration"`
	RecordingUrl string `json:"RecordingUrl" form:"RecordingUrl"`
}

func (h *Handler) CarrierWebhook(c *gin.Context) {
	if err := c.Request.ParseForm(); err == nil {
		signature := c.GetHeader("X-Exotel-Signature")
		if err := webhook.VerifySignature(h.cfg.ExotelWebhookSecret, c.Request.PostForm, signature); err != nil {
			h.logger.Warn("carrier webhook signature rejected", zap.Error(err))
			errors.Unauthorized(c, "invalid webhook signature")
			return
		}
	}

	var payload CarrierWebhookPayload
	if err := c.ShouldBind(&payload); err != nil {
		errors.BadRequest(c, "invalid payload")
		return
	}

	if payload.CallSid == "" {
		errors.BadRequest(c, "CallSid is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	callData := map[string]interface{}{
		"call_sid":    payload.CallSid,
		"from_number": payload.From,
		"to_number":   payload.To,
		"direction":   payload.Direction,
		"status":      payload.Status,
	}
	if payload.StartTime != "" {
		callData["started_at"] = payload.StartTime
	}
	if payload.EndTime != "" {
		callData["ended_at"] = payload.EndTime
	}
	if payload.Duration != "" {
		callData["duration"] = payload.Duration
	}
	if payload.RecordingUrl != "" {
		callData["recording_url"] = payload.RecordingUrl
		// Mirror the recording if the local driver is configured.
		if h.storage != nil {
			go func(sid, url string) {
				if err := h.storage.DownloadRecording(sid, url); err != nil {
					h.logger.Warn("recording mirror failed",
						zap.String("call_sid", sid),
						zap.Error(err))
				}
			}(payload.CallSid, payload.RecordingUrl)
		}
	}

	// Status callbacks can race the media-stream record writes or land
	// for calls the bridge never saw; upsert covers both.
	mongo.UpdateTimestamp(callData)
	if _, err := h.mongoClient.NewQuery("calls").
		Eq("call_sid", payload.CallSid).
		Upsert(ctx, callData); err != nil {
		h.logger.Warn("webhook call record upsert failed",
			zap.String("call_sid", payload.CallSid),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"message": "webhook processed"})
}
