package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/mongo"
)

// Call records live in the CRM's calls collection. All writes here are
// best effort with short timeouts; record persistence must never hold
// up a live call.

func (b *Bridge) initializeCallRecord(callSid, from, to string) {
	if b.mongo == nil || callSid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	existing, _ := b.mongo.NewQuery("calls").
		Select("call_sid").
		Eq("call_sid", callSid).
		FindOne(ctx)

	callData := map[string]interface{}{
		"call_sid":    callSid,
		"from_number": from,
		"to_number":   to,
		"status":      "in-progress",
		"started_at":  time.Now().Format(time.RFC3339),
	}

	if existing != nil {
		mongo.UpdateTimestamp(callData)
		b.mongo.NewQuery("calls").Eq("call_sid", callSid).UpdateOne(ctx, callData)
		return
	}
	mongo.AddTimestamps(callData)
	callData["transcript"] = []interface{}{}
	if _, err := b.mongo.NewQuery("calls").Insert(ctx, callData); err != nil {
		b.logger.Warn("failed to create call record",
			zap.String("call_sid", callSid),
			zap.Error(err))
	}
}

func (b *Bridge) updateCallRecord(callSid string, fields map[string]interface{}) {
	if b.mongo == nil || callSid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mongo.UpdateTimestamp(fields)
	if _, err := b.mongo.NewQuery("calls").Eq("call_sid", callSid).UpdateOne(ctx, fields); err != nil {
		b.logger.Warn("failed to update call record",
			zap.String("call_sid", callSid),
			zap.Error(err))
	}
}

// appendTranscript pushes one utterance onto the call's transcript.
func (b *Bridge) appendTranscript(callSid, speaker, text string) {
	if b.mongo == nil || callSid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry := map[string]interface{}{
		"speaker": speaker,
		"text":    text,
		"at":      time.Now().Format(time.RFC3339),
	}
	if _, err := b.mongo.NewQuery("calls").Eq("call_sid", callSid).PushOne(ctx, "transcript", entry); err != nil {
		b.logger.Warn("failed to append transcript",
			zap.String("call_sid", callSid),
			zap.Error(err))
	}
}

func (b *Bridge) finalizeCallRecord(callSid, reason string) {
	if b.mongo == nil || callSid == "" {
		return
	}
	b.updateCallRecord(callSid, map[string]interface{}{
		"status":     "completed",
		"end_reason": reason,
		"ended_at":   time.Now().Format(time.RFC3339),
	})
}
