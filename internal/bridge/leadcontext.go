package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/metrics"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
	"github.com/edvisortech/voice-bridge/pkg/otel"
	"github.com/edvisortech/voice-bridge/pkg/utils"
)

// LeadStore looks up a CRM lead by any of the candidate phone formats.
// Returns nil with no error when nothing matches.
type LeadStore interface {
	FindLeadByPhone(ctx context.Context, candidates []string) (map[string]interface{}, error)
}

// MongoLeadStore backs LeadStore with the CRM's leads collection.
type MongoLeadStore struct {
	client *mongo.Client
}

func NewMongoLeadStore(client *mongo.Client) *MongoLeadStore {
	return &MongoLeadStore{client: client}
}

func (s *MongoLeadStore) FindLeadByPhone(ctx context.Context, candidates []string) (map[string]interface{}, error) {
	// Candidates are ordered most-specific first; take the first match.
	for _, phone := range candidates {
		lead, err := s.client.NewQuery("leads").
			Select("name", "destination_country", "qualification", "test_scores", "counselor_name").
			Eq("phone", phone).
			FindOne(ctx)
		if err != nil {
			return nil, err
		}
		if lead != nil {
			return lead, nil
		}
	}
	return nil, nil
}

// Resolver maps a caller phone number to the personalization context
// injected into the agent handshake. Lookups run on a bounded worker
// pool with a hard timeout so a slow CRM never stalls the audio path.
type Resolver struct {
	store   LeadStore
	timeout time.Duration
	sem     chan struct{}
	logger  *zap.Logger
}

func NewResolver(store LeadStore, timeoutMs, workers int, logger *zap.Logger) *Resolver {
	if timeoutMs <= 0 {
		timeoutMs = 2000
	}
	if workers <= 0 {
		workers = 8
	}
	return &Resolver{
		store:   store,
		timeout: time.Duration(timeoutMs) * time.Millisecond,
		sem:     make(chan struct{}, workers),
		logger:  logger,
	}
}

// defaultContext is what every call falls back to when the CRM has no
// record for the caller. Personalization degrades; the call never fails.
func defaultContext() map[string]string {
	return map[string]string{
		"lead_name":           "there",
		"destination_country": "your preferred destination",
		"qualification":       "",
		"test_scores":         "",
		"counselor_name":      "our counseling team",
	}
}

// PhoneCandidates generates normalized lookup candidates for a phone
// number in arbitrary formatting, covering the 10-digit local and
// 12-digit country-prefixed conventions.
func PhoneCandidates(phone string) []string {
	digits := strings.NewReplacer("+", "", "-", "", " ", "", "(", "", ")", "").Replace(phone)
	digits = strings.TrimSpace(digits)
	if digits == "" {
		return nil
	}

	seen := make(map[string]bool)
	var candidates []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			candidates = append(candidates, c)
		}
	}

	add("+" + digits)
	add(digits)
	switch {
	case len(digits) == 10:
		add("+91" + digits)
		add("91" + digits)
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		add(digits[2:])
		add("+" + digits[2:])
	}
	return candidates
}

// Resolve builds the lead context for a caller. Carrier-supplied custom
// parameters are merged in, with CRM fields winning on key collision.
// Never returns an empty map and never blocks past the configured
// timeout. The returned map is safe for the caller to own.
func (r *Resolver) Resolve(ctx context.Context, phone string, customParams map[string]string) map[string]string {
	start := time.Now()
	ctx, span := otel.Tracer.Start(ctx, "leadcontext.resolve")
	defer span.End()

	result := defaultContext()
	for k, v := range customParams {
		if v != "" {
			result[k] = v
		}
	}

	hit := false
	defer func() {
		span.SetAttributes(attribute.Bool("lead.matched", hit))
		metrics.RecordLookup(hit, !hit, time.Since(start))
	}()

	candidates := PhoneCandidates(phone)
	if len(candidates) == 0 {
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.logger.Warn("lead lookup pool saturated, using defaults",
			zap.String("phone", utils.MaskPhoneNumber(phone)))
		return result
	}

	lead, err := r.store.FindLeadByPhone(ctx, candidates)
	if err != nil {
		r.logger.Warn("lead lookup failed, using defaults",
			zap.String("phone", utils.MaskPhoneNumber(phone)),
			zap.Error(err))
		return result
	}
	if lead == nil {
		r.logger.Info("no lead match, using defaults",
			zap.String("phone", utils.MaskPhoneNumber(phone)))
		return result
	}

	hit = true
	setIfPresent(result, "lead_name", lead, "name")
	setIfPresent(result, "destination_country", lead, "destination_country")
	setIfPresent(result, "qualification", lead, "qualification")
	setIfPresent(result, "counselor_name", lead, "counselor_name")
	if scores, ok := lead["test_scores"]; ok && scores != nil {
		result["test_scores"] = formatScores(scores)
	}

	r.logger.Info("lead context resolved",
		zap.String("phone", utils.MaskPhoneNumber(phone)),
		zap.String("lead_name", result["lead_name"]))
	return result
}

func setIfPresent(dst map[string]string, dstKey string, lead map[string]interface{}, srcKey string) {
	if v, ok := lead[srcKey].(string); ok && v != "" {
		dst[dstKey] = v
	}
}

// formatScores flattens the stored test-score document into the single
// string the agent prompt expects, e.g. "GRE: 320, IELTS: 7.5". Names
// are sorted so the prompt is stable across calls.
func formatScores(scores interface{}) string {
	switch v := scores.(type) {
	case string:
		return v
	case map[string]interface{}:
		names := make([]string, 0, len(v))
		for name := range v {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%s: %v", strings.ToUpper(name), v[name]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", v)
	}
}
