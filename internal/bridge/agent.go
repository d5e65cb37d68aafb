package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/circuitbreaker"
	"github.com/edvisortech/voice-bridge/pkg/retry"
)

// Audio formats understood by the agent service.
const (
	FormatULaw8k = "ulaw_8000"
	FormatPCM16k = "pcm_16000"
)

// agentConn is the subset of *websocket.Conn the uplink needs. Tests
// substitute an in-memory implementation.
type agentConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type agentDialFunc func(ctx context.Context, url string, header http.Header) (agentConn, error)

// UplinkEvents are the callbacks an uplink surfaces to its owner. All
// callbacks fire from the uplink's single read loop.
type UplinkEvents struct {
	OnAudio      func(pcmOrULaw []byte)     // decoded agent speech, in the negotiated output format
	OnTranscript func(text, speaker string) // speaker is "agent" or "user"
	OnInterrupt  func()                     // agent was barged in on
	OnEnd        func()                     // conversation ended upstream
}

// UplinkClient dials the conversational agent service.
type UplinkClient struct {
	apiKey      string
	agentID     string
	baseURL     string
	dialTimeout time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	logger      *zap.Logger
	dial        agentDialFunc
}

func NewUplinkClient(apiKey, agentID, baseURL string, dialTimeoutMs int, logger *zap.Logger) *UplinkClient {
	if dialTimeoutMs <= 0 {
		dialTimeoutMs = 5000
	}
	c := &UplinkClient{
		apiKey:      apiKey,
		agentID:     agentID,
		baseURL:     baseURL,
		dialTimeout: time.Duration(dialTimeoutMs) * time.Millisecond,
		breaker:     circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:      logger,
	}
	c.dial = c.dialWebSocket
	return c
}

func (c *UplinkClient) dialWebSocket(ctx context.Context, url string, header http.Header) (agentConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	return conn, err
}

// Uplink is one live connection to the agent service. Audio written
// before the agent acknowledges the initiation handshake is queued, not
// sent; the agent silently discards early audio.
type Uplink struct {
	conn   agentConn
	events UplinkEvents
	logger *zap.Logger

	mu             sync.Mutex
	ready          bool
	pendingAudio   [][]byte
	closed         bool
	inputFormat    string
	outputFormat   string
	conversationID string

	// Ready is closed once conversation_initiation_metadata arrives.
	Ready chan struct{}
	// Done is closed when the read loop exits for any reason.
	Done chan struct{}
}

// Connect dials the agent service and sends the one-time initiation
// message carrying the lead context as dynamic variables. Credentials
// are required; a missing key fails fast so the carrier leg can carry
// on without agent audio.
func (c *UplinkClient) Connect(ctx context.Context, leadContext map[string]string, events UplinkEvents) (*Uplink, error) {
	if c.apiKey == "" || c.agentID == "" {
		return nil, fmt.Errorf("agent credentials not configured")
	}

	url := fmt.Sprintf("%s?agent_id=%s", c.baseURL, c.agentID)
	header := http.Header{"xi-api-key": []string{c.apiKey}}

	retryCfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
	var conn agentConn
	err := c.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, retryCfg, func() error {
			var dialErr error
			conn, dialErr = c.dial(ctx, url, header)
			return dialErr
		})
	})
	if err != nil {
		return nil, fmt.Errorf("agent dial failed: %w", err)
	}

	u := &Uplink{
		conn:         conn,
		events:       events,
		logger:       c.logger,
		inputFormat:  FormatULaw8k,
		outputFormat: FormatULaw8k,
		Ready:        make(chan struct{}),
		Done:         make(chan struct{}),
	}

	init := map[string]interface{}{
		"type":                "conversation_initiation_client_data",
		"dynamic_variables":   leadContext,
		"input_audio_format":  FormatULaw8k,
		"output_audio_format": FormatULaw8k,
	}
	if err := u.writeJSON(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("agent handshake send failed: %w", err)
	}

	go u.readLoop()
	return u, nil
}

// SendAudio forwards one aligned frame of caller audio upstream. Frames
// sent before the handshake ack are queued in order.
func (u *Uplink) SendAudio(frame []byte) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return fmt.Errorf("uplink closed")
	}
	if !u.ready {
		buf := make([]byte, len(frame))
		copy(buf, frame)
		u.pendingAudio = append(u.pendingAudio, buf)
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	return u.writeJSON(map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
	})
}

// InputFormat reports the audio format the agent expects from us, as
// negotiated in the handshake ack.
func (u *Uplink) InputFormat() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inputFormat
}

// OutputFormat reports the format of agent speech delivered to OnAudio.
func (u *Uplink) OutputFormat() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.outputFormat
}

func (u *Uplink) ConversationID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conversationID
}

func (u *Uplink) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()
	u.conn.Close()
}

func (u *Uplink) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return fmt.Errorf("uplink closed")
	}
	return u.conn.WriteMessage(websocket.TextMessage, data)
}

func (u *Uplink) readLoop() {
	// Done must close before OnEnd fires: teardown waits on Done while
	// holding the call's end path, and OnEnd re-enters that path.
	defer func() {
		if u.events.OnEnd != nil {
			u.events.OnEnd()
		}
	}()
	defer close(u.Done)

	for {
		_, message, err := u.conn.ReadMessage()
		if err != nil {
			u.mu.Lock()
			wasClosed := u.closed
			u.mu.Unlock()
			if !wasClosed {
				u.logger.Warn("agent connection read error", zap.Error(err))
			}
			return
		}

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(message, &envelope); err != nil {
			u.logger.Warn("malformed agent message dropped", zap.Error(err))
			continue
		}

		msgType := rawString(envelope["type"])
		switch msgType {
		case "conversation_initiation_metadata":
			u.handleMetadata(envelope)
		case "audio":
			u.handleAudio(envelope)
		case "ping":
			u.handlePing(envelope)
		case "agent_response":
			if u.events.OnTranscript != nil {
				u.events.OnTranscript(extractText(envelope, "agent_response_event", "agent_response"), "agent")
			}
		case "user_transcript":
			if u.events.OnTranscript != nil {
				u.events.OnTranscript(extractText(envelope, "user_transcription_event", "user_transcript"), "user")
			}
		case "interruption":
			if u.events.OnInterrupt != nil {
				u.events.OnInterrupt()
			}
		case "conversation_end", "conversation_ended":
			return
		default:
			u.logger.Debug("unknown agent message type", zap.String("type", msgType))
		}
	}
}

func (u *Uplink) handleMetadata(envelope map[string]json.RawMessage) {
	var meta struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
		UserInputAudioFormat   string `json:"user_input_audio_format"`
	}
	if raw, ok := envelope["conversation_initiation_metadata_event"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			u.logger.Warn("malformed handshake metadata", zap.Error(err))
		}
	}

	u.mu.Lock()
	if u.ready {
		// Repeated handshake metadata; the first one won.
		u.mu.Unlock()
		return
	}
	u.conversationID = meta.ConversationID
	if meta.UserInputAudioFormat != "" {
		u.inputFormat = meta.UserInputAudioFormat
	}
	if meta.AgentOutputAudioFormat != "" {
		u.outputFormat = meta.AgentOutputAudioFormat
	}
	u.mu.Unlock()

	// Flush queued audio in batches. ready stays false until the queue
	// is observed empty, so frames arriving mid-flush keep queueing
	// behind the ones already taken and caller order is preserved.
	flushed := 0
	for {
		u.mu.Lock()
		if len(u.pendingAudio) == 0 {
			u.ready = true
			u.mu.Unlock()
			break
		}
		pending := u.pendingAudio
		u.pendingAudio = nil
		u.mu.Unlock()

		for _, frame := range pending {
			if err := u.writeJSON(map[string]string{
				"user_audio_chunk": base64.StdEncoding.EncodeToString(frame),
			}); err != nil {
				u.logger.Warn("failed to flush queued audio", zap.Error(err))
				return
			}
			flushed++
		}
	}

	u.logger.Info("agent handshake complete",
		zap.String("conversation_id", meta.ConversationID),
		zap.String("input_format", u.InputFormat()),
		zap.String("output_format", u.OutputFormat()),
		zap.Int("queued_frames", flushed))

	close(u.Ready)
}

// audioExtractors are the payload shapes observed across agent message
// variants, tried in order until one yields a payload.
var audioExtractors = []func(map[string]json.RawMessage) string{
	func(env map[string]json.RawMessage) string { return nestedString(env, "audio_event", "audio_base_64") },
	func(env map[string]json.RawMessage) string { return nestedString(env, "audio_event", "audio_base64") },
	func(env map[string]json.RawMessage) string { return rawString(env["audio_base_64"]) },
	func(env map[string]json.RawMessage) string { return rawString(env["audio"]) },
}

func (u *Uplink) handleAudio(envelope map[string]json.RawMessage) {
	var payload string
	for _, extract := range audioExtractors {
		if payload = extract(envelope); payload != "" {
			break
		}
	}
	if payload == "" {
		u.logger.Warn("agent audio message with no recognizable payload")
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		u.logger.Warn("agent audio payload not valid base64", zap.Error(err))
		return
	}
	if u.events.OnAudio != nil {
		u.events.OnAudio(data)
	}
}

func (u *Uplink) handlePing(envelope map[string]json.RawMessage) {
	eventID := rawNumberOrString(envelope["event_id"])
	if eventID == nil {
		if raw, ok := envelope["ping_event"]; ok {
			var pe map[string]json.RawMessage
			if json.Unmarshal(raw, &pe) == nil {
				eventID = rawNumberOrString(pe["event_id"])
			}
		}
	}

	pong := map[string]interface{}{"type": "pong"}
	if eventID != nil {
		pong["event_id"] = eventID
	}
	if err := u.writeJSON(pong); err != nil {
		u.logger.Warn("failed to send pong", zap.Error(err))
	}
}

func extractText(env map[string]json.RawMessage, outer, inner string) string {
	if s := nestedString(env, outer, inner); s != "" {
		return s
	}
	return rawString(env["text"])
}

func rawString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func nestedString(env map[string]json.RawMessage, outer, inner string) string {
	raw, ok := env[outer]
	if !ok {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return rawString(m[inner])
}

// rawNumberOrString preserves the wire type of a correlation id so the
// pong echoes exactly what the ping carried.
func rawNumberOrString(raw json.RawMessage) interface{} {
	if raw == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		return n.String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return nil
}
