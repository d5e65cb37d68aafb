package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/audio"
	"github.com/edvisortech/voice-bridge/pkg/env"
)

// fakeWSConn is an in-memory stand-in for both WebSocket legs.
type fakeWSConn struct {
	in        chan fakeMsg
	mu        sync.Mutex
	writes    []fakeMsg
	onWrite   func(typ int, data []byte)
	closed    chan struct{}
	closeOnce sync.Once
}

type fakeMsg struct {
	typ  int
	data []byte
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{
		in:     make(chan fakeMsg, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeWSConn) push(typ int, data []byte) {
	f.in <- fakeMsg{typ: typ, data: data}
}

func (f *fakeWSConn) pushText(data string) {
	f.push(websocket.TextMessage, []byte(data))
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return m.typ, m.data, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeWSConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.mu.Lock()
	f.writes = append(f.writes, fakeMsg{typ: messageType, data: buf})
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(messageType, buf)
	}
	return nil
}

func (f *fakeWSConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWSConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWSConn) SetPongHandler(func(string) error) {}

// textWrites returns captured text frames, decoded as generic JSON.
func (f *fakeWSConn) textWrites() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]interface{}
	for _, w := range f.writes {
		if w.typ != websocket.TextMessage {
			continue
		}
		var m map[string]interface{}
		if json.Unmarshal(w.data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// stubStore is a LeadStore with canned behavior.
type stubStore struct {
	lead map[string]interface{}
	err  error
}

func (s stubStore) FindLeadByPhone(ctx context.Context, candidates []string) (map[string]interface{}, error) {
	return s.lead, s.err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testHarness struct {
	bridge      *Bridge
	carrier     *fakeWSConn
	agent       *fakeWSConn
	done        chan struct{}
	metadataMsg string
}

func newTestHarness(t *testing.T, store LeadStore, agentOutputFormat string) *testHarness {
	t.Helper()

	cfg := &env.Config{
		InboundFrameBytes:  160,
		OutboundFrameBytes: 800,
		IdleCallTimeoutSec: 0,
		LookupTimeoutMs:    500,
		LookupWorkers:      2,
	}

	agentFake := newFakeWSConn()
	uplinkClient := NewUplinkClient("test-key", "test-agent", "wss://agent.invalid/convai", 1000, zap.NewNop())
	uplinkClient.dial = func(ctx context.Context, url string, header http.Header) (agentConn, error) {
		return agentFake, nil
	}

	resolver := NewResolver(store, cfg.LookupTimeoutMs, cfg.LookupWorkers, zap.NewNop())
	b := New(cfg, uplinkClient, resolver, nil, nil, zap.NewNop())

	metadata := map[string]interface{}{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]interface{}{
			"conversation_id":           "conv_test_1",
			"agent_output_audio_format": agentOutputFormat,
			"user_input_audio_format":   FormatULaw8k,
		},
	}
	metadataJSON, _ := json.Marshal(metadata)

	return &testHarness{
		bridge:      b,
		carrier:     newFakeWSConn(),
		agent:       agentFake,
		done:        make(chan struct{}),
		metadataMsg: string(metadataJSON),
	}
}

func (h *testHarness) run() {
	go func() {
		h.bridge.HandleConnection(h.carrier, "CA_test_1", "+19995550001", "+918045681001")
		close(h.done)
	}()
}

// ackHandshake waits for the initiation message and replies with the
// handshake metadata, as the agent service would.
func (h *testHarness) ackHandshake(t *testing.T) {
	t.Helper()
	waitFor(t, "initiation message", func() bool {
		for _, w := range h.agent.textWrites() {
			if w["type"] == "conversation_initiation_client_data" {
				return true
			}
		}
		return false
	})
	h.agent.pushText(h.metadataMsg)
}

func (h *testHarness) agentAudioChunks() []string {
	var chunks []string
	for _, w := range h.agent.textWrites() {
		if payload, ok := w["user_audio_chunk"].(string); ok {
			chunks = append(chunks, payload)
		}
	}
	return chunks
}

func (h *testHarness) carrierMediaFrames() []map[string]interface{} {
	var frames []map[string]interface{}
	for _, w := range h.carrier.textWrites() {
		if w["event"] == "media" {
			frames = append(frames, w)
		}
	}
	return frames
}

func (h *testHarness) finish(t *testing.T) {
	t.Helper()
	h.carrier.Close()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not shut down")
	}
}

func startEventJSON() string {
	return `{"event":"start","stream_sid":"ST_test_1","start":{"call_sid":"CA_test_1","from":"+19995550001","to":"+918045681001"}}`
}

func mediaEventJSON(payload []byte) string {
	env := map[string]interface{}{
		"event":      "media",
		"stream_sid": "ST_test_1",
		"media": map[string]interface{}{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
	data, _ := json.Marshal(env)
	return string(data)
}

func TestCallerAudioSplitsIntoExactFrames(t *testing.T) {
	h := newTestHarness(t, stubStore{}, FormatULaw8k)
	h.run()

	h.carrier.pushText(`{"event":"connected"}`)
	h.carrier.pushText(startEventJSON())
	h.ackHandshake(t)

	// 320 bytes of caller audio, two full 20 ms frames.
	payload := make([]byte, 320)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	h.carrier.pushText(mediaEventJSON(payload))

	waitFor(t, "two audio chunks upstream", func() bool {
		return len(h.agentAudioChunks()) >= 2
	})

	chunks := h.agentAudioChunks()
	if len(chunks) != 2 {
		t.Fatalf("expected exactly 2 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		data, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			t.Fatalf("chunk %d not valid base64: %v", i, err)
		}
		if len(data) != 160 {
			t.Errorf("chunk %d: got %d bytes, want 160", i, len(data))
		}
		for j, b := range data {
			if b != payload[i*160+j] {
				t.Fatalf("chunk %d byte %d: got %#x, want %#x (order violated)", i, j, b, payload[i*160+j])
			}
		}
	}

	h.finish(t)
}

func TestAudioBeforeStartIsBufferedNotDropped(t *testing.T) {
	h := newTestHarness(t, stubStore{}, FormatULaw8k)
	h.run()

	// No connected, no start: the first media frame arrives cold.
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = byte(i)
	}
	h.carrier.pushText(mediaEventJSON(payload))
	h.ackHandshake(t)

	waitFor(t, "buffered audio forwarded", func() bool {
		return len(h.agentAudioChunks()) >= 1
	})

	data, err := base64.StdEncoding.DecodeString(h.agentAudioChunks()[0])
	if err != nil || len(data) != 160 {
		t.Fatalf("buffered frame corrupted: err=%v len=%d", err, len(data))
	}
	if data[7] != payload[7] {
		t.Error("buffered frame content does not match original audio")
	}

	h.finish(t)
}

func TestAgentSpeechFramedForCarrierWithContinuingChunks(t *testing.T) {
	h := newTestHarness(t, stubStore{}, FormatPCM16k)
	h.run()

	h.carrier.pushText(`{"event":"connected"}`)
	h.carrier.pushText(startEventJSON())
	h.ackHandshake(t)

	waitFor(t, "bridging phase", func() bool {
		return len(h.agent.textWrites()) > 0
	})

	// 3200 bytes of 16 kHz PCM silence: 1600 samples, downsampled to
	// 800, exactly one outbound frame.
	pcm := make([]byte, 3200)
	audioMsg := func(payload []byte) string {
		m := map[string]interface{}{
			"type": "audio",
			"audio_event": map[string]interface{}{
				"audio_base_64": base64.StdEncoding.EncodeToString(payload),
			},
		}
		data, _ := json.Marshal(m)
		return string(data)
	}
	h.agent.pushText(audioMsg(pcm))

	waitFor(t, "first outbound frame", func() bool {
		return len(h.carrierMediaFrames()) >= 1
	})

	frames := h.carrierMediaFrames()
	media := frames[0]["media"].(map[string]interface{})
	data, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	if err != nil {
		t.Fatalf("outbound payload not valid base64: %v", err)
	}
	if len(data) != 800 {
		t.Fatalf("outbound frame: got %d bytes, want 800", len(data))
	}
	if media["chunk"].(float64) != 1 {
		t.Fatalf("first chunk: got %v, want 1", media["chunk"])
	}
	// μ-law silence for a zero sample is 0xFF.
	for i, b := range data {
		if b != 0xFF {
			t.Fatalf("byte %d: got %#x, want 0xFF (encoded zero)", i, b)
		}
	}

	// A half frame followed by stop: the remainder must flush padded,
	// with the chunk counter continuing, not restarting.
	h.agent.pushText(audioMsg(make([]byte, 1600))) // 400 μ-law bytes, below frame size
	time.Sleep(50 * time.Millisecond)
	if got := len(h.carrierMediaFrames()); got != 1 {
		t.Fatalf("partial audio must stay buffered, got %d frames", got)
	}

	h.carrier.pushText(`{"event":"stop","stream_sid":"ST_test_1","stop":{"reason":"hangup"}}`)

	waitFor(t, "flushed frame", func() bool {
		return len(h.carrierMediaFrames()) >= 2
	})

	frames = h.carrierMediaFrames()
	media = frames[1]["media"].(map[string]interface{})
	if media["chunk"].(float64) != 2 {
		t.Fatalf("flushed chunk: got %v, want 2", media["chunk"])
	}
	// 400 buffered bytes flush padded to the next 160-byte multiple.
	data, _ = base64.StdEncoding.DecodeString(media["payload"].(string))
	if len(data) != 480 {
		t.Fatalf("flushed frame: got %d bytes, want 480", len(data))
	}
	for i := 400; i < 480; i++ {
		if data[i] != audio.SilenceByte {
			t.Fatalf("pad byte %d: got %#x, want %#x", i, data[i], audio.SilenceByte)
		}
	}

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not end after stop")
	}
}

func TestChunkNumbersStrictlyIncrease(t *testing.T) {
	h := newTestHarness(t, stubStore{}, FormatULaw8k)
	h.run()

	h.carrier.pushText(`{"event":"connected"}`)
	h.carrier.pushText(startEventJSON())
	h.ackHandshake(t)

	waitFor(t, "handshake", func() bool { return len(h.agent.textWrites()) > 0 })

	// Three full outbound frames of μ-law passthrough.
	for i := 0; i < 3; i++ {
		m := map[string]interface{}{
			"type": "audio",
			"audio_event": map[string]interface{}{
				"audio_base_64": base64.StdEncoding.EncodeToString(make([]byte, 800)),
			},
		}
		data, _ := json.Marshal(m)
		h.agent.pushText(string(data))
	}

	waitFor(t, "three outbound frames", func() bool {
		return len(h.carrierMediaFrames()) >= 3
	})

	for i, frame := range h.carrierMediaFrames() {
		chunk := frame["media"].(map[string]interface{})["chunk"].(float64)
		if int(chunk) != i+1 {
			t.Fatalf("frame %d: chunk %v, want %d", i, chunk, i+1)
		}
	}

	h.finish(t)
}

func TestHangupDuringAgentSpeechKeepsFramingIntact(t *testing.T) {
	h := newTestHarness(t, stubStore{}, FormatULaw8k)
	h.run()

	h.carrier.pushText(`{"event":"connected"}`)
	h.carrier.pushText(startEventJSON())
	h.ackHandshake(t)
	waitFor(t, "handshake", func() bool { return len(h.agent.textWrites()) > 0 })

	// Agent speech keeps arriving while the carrier hangs up, so the
	// end-of-call flush overlaps the uplink read loop. 240-byte chunks
	// leave a remainder in the accumulator more often than not.
	msg := map[string]interface{}{
		"type": "audio",
		"audio_event": map[string]interface{}{
			"audio_base_64": base64.StdEncoding.EncodeToString(make([]byte, 240)),
		},
	}
	data, _ := json.Marshal(msg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case h.agent.in <- fakeMsg{typ: websocket.TextMessage, data: data}:
			case <-h.agent.closed:
				return
			case <-h.done:
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	h.carrier.pushText(`{"event":"stop","stream_sid":"ST_test_1","stop":{"reason":"hangup"}}`)

	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not end after stop")
	}
	wg.Wait()

	lastChunk := 0
	for i, frame := range h.carrierMediaFrames() {
		media := frame["media"].(map[string]interface{})
		payload, err := base64.StdEncoding.DecodeString(media["payload"].(string))
		if err != nil {
			t.Fatalf("frame %d payload not valid base64: %v", i, err)
		}
		if len(payload) == 0 || len(payload)%160 != 0 {
			t.Fatalf("frame %d: %d bytes, want a positive multiple of 160", i, len(payload))
		}
		chunk := int(media["chunk"].(float64))
		if chunk != lastChunk+1 {
			t.Fatalf("frame %d: chunk %d after %d", i, chunk, lastChunk)
		}
		lastChunk = chunk
	}
}

func TestUplinkFailureDegradesCallWithoutCrash(t *testing.T) {
	cfg := &env.Config{
		InboundFrameBytes:  160,
		OutboundFrameBytes: 800,
		LookupTimeoutMs:    200,
		LookupWorkers:      2,
	}
	// No credentials: Connect fails fast.
	uplinkClient := NewUplinkClient("", "", "wss://agent.invalid", 100, zap.NewNop())
	resolver := NewResolver(stubStore{}, 200, 2, zap.NewNop())
	b := New(cfg, uplinkClient, resolver, nil, nil, zap.NewNop())

	carrier := newFakeWSConn()
	done := make(chan struct{})
	go func() {
		b.HandleConnection(carrier, "CA_test_2", "+19995550001", "")
		close(done)
	}()

	carrier.pushText(`{"event":"connected"}`)
	carrier.pushText(startEventJSON())
	carrier.pushText(mediaEventJSON(make([]byte, 160)))
	carrier.pushText(`{"event":"dtmf","dtmf":{"digit":"5"}}`)
	carrier.pushText(`{"event":"nonsense"}`)
	carrier.pushText(`not even json`)
	carrier.pushText(`{"event":"stop","stop":{"reason":"hangup"}}`)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("call without agent did not end cleanly")
	}
}
