package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/audio"
	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/logger"
	"github.com/edvisortech/voice-bridge/pkg/metrics"
	"github.com/edvisortech/voice-bridge/pkg/mongo"

	"github.com/redis/go-redis/v9"
)

// CarrierConn is the subset of *websocket.Conn the bridge drives.
// Tests substitute an in-memory implementation.
type CarrierConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Bridge relays live call audio between the carrier's media stream and
// the conversational agent service. One Bridge serves many calls; each
// call gets its own session and pair of goroutines.
type Bridge struct {
	cfg      *env.Config
	uplink   *UplinkClient
	resolver *Resolver
	mongo    *mongo.Client
	redis    *redis.Client
	logger   *zap.Logger
}

func New(cfg *env.Config, uplink *UplinkClient, resolver *Resolver, mongoClient *mongo.Client, redisClient *redis.Client, log *zap.Logger) *Bridge {
	if log == nil {
		log = logger.Log
	}
	return &Bridge{
		cfg:      cfg,
		uplink:   uplink,
		resolver: resolver,
		mongo:    mongoClient,
		redis:    redisClient,
		logger:   log,
	}
}

// activeCall binds one carrier connection to its session, uplink and
// outbound writer for the duration of the call.
type activeCall struct {
	bridge  *Bridge
	session *Session
	conn    CarrierConn

	ctx    context.Context
	cancel context.CancelFunc

	// out carries marshaled envelopes to the single writer goroutine.
	// Bounded so a stalled carrier socket applies backpressure instead
	// of growing memory.
	out        chan []byte
	outMu      sync.Mutex
	outClosed  bool
	writerDone chan struct{}

	uplinkMu sync.Mutex
	uplink   *Uplink

	endOnce sync.Once
}

// HandleConnection services one carrier WebSocket until the call ends.
// It blocks for the life of the connection.
func (b *Bridge) HandleConnection(conn CarrierConn, callSid, from, to string) {
	session := NewSession(callSid, from, to, b.cfg.InboundFrameBytes, b.cfg.OutboundFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	call := &activeCall{
		bridge:     b,
		session:    session,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan []byte, 64),
		writerDone: make(chan struct{}),
	}

	metrics.RecordCallStarted()
	b.registerCall(ctx, session)
	b.initializeCallRecord(callSid, from, to)

	go call.writeLoop()
	go call.watchdog()
	call.readLoop()

	call.end("carrier_disconnected")
	<-call.writerDone
	metrics.RecordCallEnded()
}

// readLoop consumes carrier frames until the connection drops. Read
// deadlines are refreshed on every message and on pong replies.
func (c *activeCall) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.bridge.logger.Warn("carrier read error",
					zap.String("call_sid", c.session.CallSid),
					zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		switch messageType {
		case websocket.TextMessage:
			c.handleCarrierEvent(message)
		case websocket.BinaryMessage:
			// Raw audio bytes, same contract as a media event payload.
			c.forwardInbound(message)
		}

		if c.session.Phase() == PhaseEnded {
			return
		}
	}
}

// watchdog ends calls with no media activity in either direction for
// longer than the configured idle timeout.
func (c *activeCall) watchdog() {
	idleTimeout := time.Duration(c.bridge.cfg.IdleCallTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if idle := c.session.IdleFor(); idle > idleTimeout {
				c.bridge.logger.Warn("idle call timed out",
					zap.String("call_sid", c.session.CallSid),
					zap.Duration("idle", idle))
				c.end("idle_timeout")
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop is the sole writer on the carrier socket.
func (c *activeCall) writeLoop() {
	defer close(c.writerDone)

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-c.out:
			// nil is the drain sentinel queued by end(): everything
			// enqueued before it has been written, so the writer can
			// exit without dropping flush frames.
			if data == nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.bridge.logger.Warn("carrier write failed",
					zap.String("call_sid", c.session.CallSid),
					zap.Error(err))
				go c.end("carrier_write_failed")
				return
			}
		case <-pingTicker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.end("carrier_ping_failed")
				return
			}
		}
	}
}

// enqueue hands a marshaled envelope to the writer. Blocks for
// backpressure; gives up only when the call has ended.
func (c *activeCall) enqueue(data []byte) bool {
	c.outMu.Lock()
	if c.outClosed {
		c.outMu.Unlock()
		metrics.RecordDroppedFrame("outbound")
		return false
	}
	c.outMu.Unlock()

	select {
	case c.out <- data:
		return true
	case <-c.writerDone:
		metrics.RecordDroppedFrame("outbound")
		return false
	case <-c.ctx.Done():
		metrics.RecordDroppedFrame("outbound")
		return false
	}
}

func (c *activeCall) handleCarrierEvent(message []byte) {
	var event CarrierEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.bridge.logger.Warn("malformed carrier event dropped",
			zap.String("call_sid", c.session.CallSid),
			zap.Error(err))
		return
	}

	switch event.Event {
	case "connected":
		c.session.SetPhase(PhaseAwaitingStart)
		c.bridge.logger.Info("carrier handshake acknowledged",
			zap.String("call_sid", c.session.CallSid))
	case "start":
		c.handleStart(message)
	case "media":
		c.handleMedia(message)
	case "dtmf":
		var dtmf DTMFEvent
		if json.Unmarshal(message, &dtmf) == nil {
			c.bridge.logger.Info("dtmf received",
				zap.String("call_sid", c.session.CallSid),
				zap.String("digit", dtmf.DTMF.Digit))
		}
	case "stop":
		var stop StopEvent
		json.Unmarshal(message, &stop)
		c.bridge.logger.Info("carrier stop",
			zap.String("call_sid", c.session.CallSid),
			zap.String("reason", stop.Stop.Reason))
		c.end("carrier_stop")
	case "mark":
		var mark MarkEvent
		if json.Unmarshal(message, &mark) == nil {
			c.bridge.logger.Debug("mark acknowledged",
				zap.String("call_sid", c.session.CallSid),
				zap.String("name", mark.Mark.Name))
		}
	default:
		c.bridge.logger.Debug("unknown carrier event ignored",
			zap.String("call_sid", c.session.CallSid),
			zap.String("event", event.Event))
	}
}

func (c *activeCall) handleStart(message []byte) {
	var start StartEvent
	if err := json.Unmarshal(message, &start); err != nil {
		c.bridge.logger.Warn("malformed start event",
			zap.String("call_sid", c.session.CallSid),
			zap.Error(err))
		return
	}

	if start.StreamSid != "" {
		c.session.StreamSid = start.StreamSid
	}
	if start.Start.CallSid != "" {
		c.session.CallSid = start.Start.CallSid
	}
	if start.Start.From != "" {
		c.session.From = start.Start.From
	}
	if start.Start.To != "" {
		c.session.To = start.Start.To
	}

	c.bridge.logger.Info("call started",
		zap.String("call_sid", c.session.CallSid),
		zap.String("stream_sid", c.session.StreamSid),
		logger.MaskPhoneIfPresent("from", c.session.From),
		logger.MaskPhoneIfPresent("to", c.session.To))

	c.ensureBridging(start.Start.CustomParameters)
}

func (c *activeCall) handleMedia(message []byte) {
	var media MediaEvent
	if err := json.Unmarshal(message, &media); err != nil {
		c.bridge.logger.Warn("malformed media event dropped",
			zap.String("call_sid", c.session.CallSid),
			zap.Error(err))
		return
	}

	data, err := audio.DecodePayload(media.Media.Payload)
	if err != nil {
		c.bridge.logger.Warn("media payload not valid base64, frame dropped",
			zap.String("call_sid", c.session.CallSid),
			zap.Error(err))
		return
	}
	c.forwardInbound(data)
}

// forwardInbound routes caller audio toward the agent. Audio arriving
// before the call start message triggers the bridging work lazily; the
// frame itself is buffered, never dropped.
func (c *activeCall) forwardInbound(data []byte) {
	c.session.Touch()
	c.session.CountInboundChunk()
	metrics.RecordFrame("inbound", len(data))

	if c.session.ForwardOrBuffer(data) {
		// Some carriers interleave audio ahead of start.
		c.ensureBridging(nil)
		return
	}
	c.processInbound(data)
}

// processInbound aligns caller audio into fixed frames and ships them
// upstream, transcoding when the agent negotiated a different format.
func (c *activeCall) processInbound(data []byte) {
	if c.session.Phase() == PhaseEnded {
		metrics.RecordDroppedFrame("inbound")
		return
	}
	uplink := c.currentUplink()
	if uplink == nil {
		return
	}

	for _, frame := range c.session.inAligner.Push(data) {
		payload := frame
		if uplink.InputFormat() == FormatPCM16k {
			pcm := audio.DecodeMuLawToPCM16(frame)
			payload = audio.Resample8kTo16k(pcm)
		}
		if err := uplink.SendAudio(payload); err != nil {
			c.bridge.logger.Warn("uplink send failed",
				zap.String("call_sid", c.session.CallSid),
				zap.Error(err))
			return
		}
	}
}

// ensureBridging performs the once-per-call promotion to Bridging:
// resolve lead context, dial the agent, then drain any buffered audio.
// Runs off the frame-processing loop so a slow lookup never stalls it.
func (c *activeCall) ensureBridging(customParams map[string]string) {
	c.session.startOnce.Do(func() {
		go func() {
			leadCtx := c.bridge.resolver.Resolve(c.ctx, c.session.From, customParams)
			c.session.SetLeadContext(leadCtx)

			uplink, err := c.bridge.uplink.Connect(c.ctx, leadCtx, UplinkEvents{
				OnAudio:      c.forwardOutbound,
				OnTranscript: c.handleTranscript,
				OnInterrupt:  c.handleInterrupt,
				OnEnd:        func() { c.end("agent_ended") },
			})
			if err != nil {
				// The call carries on without agent audio rather than
				// dropping a live phone call.
				metrics.RecordUplinkFailure()
				c.bridge.logger.Warn("agent uplink unavailable, call continues without agent",
					zap.String("call_sid", c.session.CallSid),
					zap.Error(err))
				c.promote(nil)
				return
			}

			c.uplinkMu.Lock()
			c.uplink = uplink
			c.uplinkMu.Unlock()

			// The call may have ended while the dial was in flight.
			if c.session.Phase() == PhaseEnded {
				uplink.Close()
				return
			}

			c.promote(uplink)
		}()
	})
}

// promote drains pre-bridge audio in arrival order, then flips the
// session to Bridging. Frames arriving mid-drain keep buffering until
// the queue is empty, so ordering is preserved.
func (c *activeCall) promote(uplink *Uplink) {
	for {
		batch, promoted := c.session.TakePendingOrPromote()
		if promoted {
			break
		}
		if uplink != nil {
			for _, data := range batch {
				c.processInbound(data)
			}
		}
	}

	if uplink != nil {
		// Correlate the CRM call record once the agent assigns an id.
		go c.recordConversationID(uplink)
	}

	c.bridge.logger.Info("bridging",
		zap.String("call_sid", c.session.CallSid),
		zap.Bool("agent_connected", uplink != nil))
}

func (c *activeCall) recordConversationID(uplink *Uplink) {
	select {
	case <-uplink.Ready:
	case <-uplink.Done:
		return
	case <-c.ctx.Done():
		return
	}
	id := uplink.ConversationID()
	if id == "" {
		return
	}
	c.session.SetConversationID(id)
	c.bridge.updateCallRecord(c.session.CallSid, map[string]interface{}{
		"conversation_id": id,
	})
}

func (c *activeCall) currentUplink() *Uplink {
	c.uplinkMu.Lock()
	defer c.uplinkMu.Unlock()
	return c.uplink
}

// forwardOutbound routes agent speech toward the carrier: transcode to
// the carrier's codec, align to the outbound frame size, envelope with
// the next chunk number and hand to the writer.
func (c *activeCall) forwardOutbound(data []byte) {
	c.session.Touch()

	uplink := c.currentUplink()
	mulaw := data
	if uplink != nil {
		switch uplink.OutputFormat() {
		case FormatPCM16k:
			pcm8k := audio.Resample16kTo8k(data)
			mulaw = audio.EncodePCM16ToMuLaw(pcm8k)
		case "pcm_8000":
			mulaw = audio.EncodePCM16ToMuLaw(data)
		}
	}

	for _, frame := range c.session.outAligner.Push(mulaw) {
		c.sendMediaFrame(frame)
	}
}

func (c *activeCall) sendMediaFrame(frame []byte) {
	chunk := c.session.NextOutboundChunk()
	envData, err := mediaEnvelope(c.session.StreamSid, audio.EncodePayload(frame), chunk)
	if err != nil {
		c.bridge.logger.Error("failed to marshal media envelope",
			zap.String("call_sid", c.session.CallSid),
			zap.Error(err))
		return
	}
	if c.enqueue(envData) {
		metrics.RecordFrame("outbound", len(frame))
	}
}

func (c *activeCall) handleTranscript(text, speaker string) {
	if text == "" {
		return
	}
	c.bridge.logger.Info("transcript",
		zap.String("call_sid", c.session.CallSid),
		zap.String("speaker", speaker),
		zap.String("text", text))
	go c.bridge.appendTranscript(c.session.CallSid, speaker, text)
}

// handleInterrupt relays agent barge-in as a carrier clear signal so
// queued playback stops immediately.
func (c *activeCall) handleInterrupt() {
	envData, err := clearEnvelope(c.session.StreamSid)
	if err != nil {
		return
	}
	c.enqueue(envData)
}

// end performs the terminal teardown exactly once: flush the outbound
// remainder padded to a full frame, close both legs, finalize records.
func (c *activeCall) end(reason string) {
	c.session.endOnce.Do(func() {
		c.session.SetPhase(PhaseEnded)

		// Stop the uplink before touching the outbound aligner: its
		// read goroutine pushes agent audio into the same aligner the
		// flush below mutates. Done closes once that goroutine exits.
		uplink := c.currentUplink()
		if uplink != nil {
			uplink.Close()
			<-uplink.Done
		}

		// Flush trailing agent audio rather than dropping it. The
		// writer is still draining the channel at this point.
		if remainder := c.session.outAligner.Flush(); remainder != nil {
			for i := 0; i < len(remainder); i += c.session.outAligner.FrameSize() {
				endIdx := i + c.session.outAligner.FrameSize()
				if endIdx > len(remainder) {
					endIdx = len(remainder)
				}
				c.sendMediaFrame(remainder[i:endIdx])
			}
			if envData, err := markEnvelope(c.session.StreamSid, "call_end"); err == nil {
				c.enqueue(envData)
			}
		}

		c.outMu.Lock()
		c.outClosed = true
		c.outMu.Unlock()

		// Drain sentinel: the writer exits once everything queued
		// above has been written. Close nothing until it has.
		select {
		case c.out <- nil:
		case <-c.writerDone:
		}
		<-c.writerDone

		c.cancel()
		c.conn.Close()

		c.bridge.logger.Info("call ended",
			zap.String("call_sid", c.session.CallSid),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(c.session.StartedAt)))

		c.bridge.deregisterCall(c.session)
		c.bridge.finalizeCallRecord(c.session.CallSid, reason)
	})
}
