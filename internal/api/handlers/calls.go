package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edvisortech/voice-bridge/pkg/errors"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
)

func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

// GetActiveCalls lists calls currently registered by any bridge
// instance, from the shared Redis registry.
func (h *Handler) GetActiveCalls(c *gin.Context) {
	calls, err := h.bridge.ActiveCalls(c.Request.Context())
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if calls == nil {
		calls = []map[string]string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(calls),
		"calls": calls,
	})
}

// parseListQuery turns the raw limit and status query params into a
// page size and a status filter. Limit defaults to 20 and is capped at
// 100; status accepts a comma-separated list.
func parseListQuery(limitStr, statusStr string) (int64, []string) {
	limit := int64(20)
	if n, err := strconv.ParseInt(limitStr, 10, 64); err == nil && n > 0 {
		limit = n
	}
	if limit > 100 {
		limit = 100
	}

	var statuses []string
	for _, s := range strings.Split(statusStr, ",") {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, s)
		}
	}
	return limit, statuses
}

func filterByStatus(q *mongo.QueryBuilder, statuses []string) *mongo.QueryBuilder {
	switch len(statuses) {
	case 0:
		return q
	case 1:
		return q.Eq("status", statuses[0])
	default:
		return q.In("status", statuses)
	}
}

// ListCalls returns the most recent call records, newest first,
// optionally filtered by status.
func (h *Handler) ListCalls(c *gin.Context) {
	limit, statuses := parseListQuery(c.Query("limit"), c.Query("status"))

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	query := filterByStatus(h.mongoClient.NewQuery("calls"), statuses).
		Select("call_sid", "stream_sid", "from_number", "to_number", "status", "direction", "started_at", "ended_at", "duration_seconds").
		Sort("started_at", false).
		Limit(limit)
	calls, err := query.Find(ctx)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	total, err := filterByStatus(h.mongoClient.NewQuery("calls"), statuses).Count(ctx)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	if calls == nil {
		calls = []map[string]interface{}{}
	}
	for _, call := range calls {
		delete(call, "_id")
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(calls),
		"total": total,
		"calls": calls,
	})
}

// GetCall returns the CRM call record for one call SID, with the
// recording URL resolved through the storage driver.
func (h *Handler) GetCall(c *gin.Context) {
	callSid := c.Param("call_sid")

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	call, err := h.mongoClient.NewQuery("calls").
		Eq("call_sid", callSid).
		FindOne(ctx)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if call == nil {
		errors.NotFound(c, "call not found")
		return
	}

	delete(call, "_id")
	if h.storage != nil {
		if url, err := h.storage.GetRecordingURL(callSid); err == nil {
			call["recording_url"] = url
		}
	}

	c.JSON(http.StatusOK, call)
}

// GetCallTranscript returns just the transcript entries for a call.
func (h *Handler) GetCallTranscript(c *gin.Context) {
	callSid := c.Param("call_sid")

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	call, err := h.mongoClient.NewQuery("calls").
		Select("call_sid", "transcript").
		Eq("call_sid", callSid).
		FindOne(ctx)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	if call == nil {
		errors.NotFound(c, "call not found")
		return
	}

	transcript := call["transcript"]
	if transcript == nil {
		transcript = []interface{}{}
	}
	c.JSON(http.StatusOK, gin.H{
		"call_sid":   callSid,
		"transcript": transcript,
	})
}
