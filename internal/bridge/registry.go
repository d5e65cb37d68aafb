package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/utils"
)

const (
	activeCallsSetKey = "bridge:active_calls"
	callKeyPrefix     = "bridge:call:"
	registryEntryTTL  = 24 * time.Hour
	registryOpTimeout = 2 * time.Second
)

// registerCall records the call in the Redis active-call registry so
// the ops API can list in-flight calls across bridge instances.
func (b *Bridge) registerCall(ctx context.Context, s *Session) {
	if b.redis == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, registryOpTimeout)
	defer cancel()

	key := callKeyPrefix + s.CallSid
	pipe := b.redis.TxPipeline()
	pipe.HSet(opCtx, key, map[string]interface{}{
		"call_sid":   s.CallSid,
		"from":       utils.MaskPhoneNumber(s.From),
		"to":         utils.MaskPhoneNumber(s.To),
		"started_at": s.StartedAt.Format(time.RFC3339),
	})
	pipe.Expire(opCtx, key, registryEntryTTL)
	pipe.SAdd(opCtx, activeCallsSetKey, s.CallSid)
	if _, err := pipe.Exec(opCtx); err != nil {
		b.logger.Warn("failed to register call in registry",
			zap.String("call_sid", s.CallSid),
			zap.Error(err))
	}
}

func (b *Bridge) deregisterCall(s *Session) {
	if b.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryOpTimeout)
	defer cancel()

	pipe := b.redis.TxPipeline()
	pipe.SRem(ctx, activeCallsSetKey, s.CallSid)
	pipe.Del(ctx, callKeyPrefix+s.CallSid)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn("failed to deregister call from registry",
			zap.String("call_sid", s.CallSid),
			zap.Error(err))
	}
}

// ActiveCalls lists the calls currently registered by any bridge
// instance. Entries whose hash has expired are skipped.
func (b *Bridge) ActiveCalls(ctx context.Context) ([]map[string]string, error) {
	if b.redis == nil {
		return nil, nil
	}

	sids, err := b.redis.SMembers(ctx, activeCallsSetKey).Result()
	if err != nil {
		return nil, err
	}

	calls := make([]map[string]string, 0, len(sids))
	for _, sid := range sids {
		entry, err := b.redis.HGetAll(ctx, callKeyPrefix+sid).Result()
		if err != nil || len(entry) == 0 {
			continue
		}
		calls = append(calls, entry)
	}
	return calls, nil
}
