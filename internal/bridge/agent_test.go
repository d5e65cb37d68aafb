package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func dialToFake(fake *fakeWSConn) agentDialFunc {
	return func(ctx context.Context, url string, header http.Header) (agentConn, error) {
		return fake, nil
	}
}

func connectUplink(t *testing.T, fake *fakeWSConn, events UplinkEvents) *Uplink {
	t.Helper()
	client := NewUplinkClient("key", "agent", "wss://agent.invalid", 1000, zap.NewNop())
	client.dial = dialToFake(fake)

	uplink, err := client.Connect(context.Background(), map[string]string{"lead_name": "Priya"}, events)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(uplink.Close)
	return uplink
}

func metadataJSON(outputFormat string) string {
	m := map[string]interface{}{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]interface{}{
			"conversation_id":           "conv_42",
			"agent_output_audio_format": outputFormat,
			"user_input_audio_format":   FormatULaw8k,
		},
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func TestConnectRequiresCredentials(t *testing.T) {
	client := NewUplinkClient("", "", "wss://agent.invalid", 100, zap.NewNop())
	if _, err := client.Connect(context.Background(), nil, UplinkEvents{}); err == nil {
		t.Fatal("expected error with missing credentials")
	}
}

func TestInitiationCarriesLeadContext(t *testing.T) {
	fake := newFakeWSConn()
	connectUplink(t, fake, UplinkEvents{})

	waitFor(t, "initiation write", func() bool { return len(fake.textWrites()) >= 1 })

	init := fake.textWrites()[0]
	if init["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first message type: got %v", init["type"])
	}
	vars, ok := init["dynamic_variables"].(map[string]interface{})
	if !ok || vars["lead_name"] != "Priya" {
		t.Errorf("dynamic_variables missing lead context: %v", init["dynamic_variables"])
	}
	if init["input_audio_format"] != FormatULaw8k || init["output_audio_format"] != FormatULaw8k {
		t.Errorf("requested formats: in=%v out=%v", init["input_audio_format"], init["output_audio_format"])
	}
}

func TestAudioBeforeHandshakeAckIsQueued(t *testing.T) {
	fake := newFakeWSConn()
	uplink := connectUplink(t, fake, UplinkEvents{})

	// Two frames before the ack: must not hit the wire yet.
	uplink.SendAudio([]byte{1, 1, 1})
	uplink.SendAudio([]byte{2, 2, 2})

	time.Sleep(20 * time.Millisecond)
	for _, w := range fake.textWrites() {
		if _, ok := w["user_audio_chunk"]; ok {
			t.Fatal("audio sent before handshake ack")
		}
	}

	fake.pushText(metadataJSON(FormatULaw8k))
	waitFor(t, "queued audio flushed", func() bool {
		count := 0
		for _, w := range fake.textWrites() {
			if _, ok := w["user_audio_chunk"]; ok {
				count++
			}
		}
		return count == 2
	})

	// A frame after the ack goes straight out, after the queued ones.
	uplink.SendAudio([]byte{3, 3, 3})
	waitFor(t, "third frame", func() bool {
		count := 0
		for _, w := range fake.textWrites() {
			if _, ok := w["user_audio_chunk"]; ok {
				count++
			}
		}
		return count == 3
	})

	var payloads []string
	for _, w := range fake.textWrites() {
		if p, ok := w["user_audio_chunk"].(string); ok {
			payloads = append(payloads, p)
		}
	}
	want := []string{
		base64.StdEncoding.EncodeToString([]byte{1, 1, 1}),
		base64.StdEncoding.EncodeToString([]byte{2, 2, 2}),
		base64.StdEncoding.EncodeToString([]byte{3, 3, 3}),
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Fatalf("frame %d out of order: got %q, want %q", i, payloads[i], want[i])
		}
	}

	if uplink.ConversationID() != "conv_42" {
		t.Errorf("conversation id: got %q", uplink.ConversationID())
	}
}

func TestAudioSentDuringHandshakeFlushStaysOrdered(t *testing.T) {
	fake := newFakeWSConn()
	uplink := connectUplink(t, fake, UplinkEvents{})

	uplink.SendAudio([]byte{1, 1, 1})
	uplink.SendAudio([]byte{2, 2, 2})

	// Slow each flushed frame down so a frame submitted mid-flush has
	// a real window to jump the queue.
	fake.mu.Lock()
	fake.onWrite = func(typ int, data []byte) {
		if strings.Contains(string(data), "user_audio_chunk") {
			time.Sleep(50 * time.Millisecond)
		}
	}
	fake.mu.Unlock()

	fake.pushText(metadataJSON(FormatULaw8k))

	chunkCount := func() int {
		count := 0
		for _, w := range fake.textWrites() {
			if _, ok := w["user_audio_chunk"]; ok {
				count++
			}
		}
		return count
	}

	waitFor(t, "first queued frame on the wire", func() bool {
		return chunkCount() >= 1
	})
	uplink.SendAudio([]byte{9, 9, 9})

	waitFor(t, "all three frames", func() bool {
		return chunkCount() == 3
	})

	var payloads []string
	for _, w := range fake.textWrites() {
		if p, ok := w["user_audio_chunk"].(string); ok {
			payloads = append(payloads, p)
		}
	}
	want := []string{
		base64.StdEncoding.EncodeToString([]byte{1, 1, 1}),
		base64.StdEncoding.EncodeToString([]byte{2, 2, 2}),
		base64.StdEncoding.EncodeToString([]byte{9, 9, 9}),
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Fatalf("frame %d out of order: got %q, want %q", i, payloads[i], want[i])
		}
	}
}

func TestPongEchoesEventID(t *testing.T) {
	fake := newFakeWSConn()
	connectUplink(t, fake, UplinkEvents{})
	fake.pushText(metadataJSON(FormatULaw8k))

	fake.pushText(`{"type":"ping","ping_event":{"event_id":42}}`)

	waitFor(t, "pong", func() bool {
		for _, w := range fake.textWrites() {
			if w["type"] == "pong" {
				return true
			}
		}
		return false
	})

	for _, w := range fake.textWrites() {
		if w["type"] == "pong" {
			if w["event_id"].(float64) != 42 {
				t.Errorf("pong event_id: got %v, want 42", w["event_id"])
			}
			return
		}
	}
}

func TestAudioPayloadShapes(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30}
	b64 := base64.StdEncoding.EncodeToString(payload)

	shapes := []string{
		fmt.Sprintf(`{"type":"audio","audio_event":{"audio_base_64":%q}}`, b64),
		fmt.Sprintf(`{"type":"audio","audio_event":{"audio_base64":%q}}`, b64),
		fmt.Sprintf(`{"type":"audio","audio_base_64":%q}`, b64),
		fmt.Sprintf(`{"type":"audio","audio":%q}`, b64),
	}

	for i, shape := range shapes {
		t.Run(fmt.Sprintf("shape_%d", i), func(t *testing.T) {
			fake := newFakeWSConn()

			var mu sync.Mutex
			var received [][]byte
			connectUplink(t, fake, UplinkEvents{
				OnAudio: func(data []byte) {
					mu.Lock()
					received = append(received, data)
					mu.Unlock()
				},
			})
			fake.pushText(metadataJSON(FormatULaw8k))
			fake.pushText(shape)

			waitFor(t, "audio callback", func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(received) == 1
			})

			mu.Lock()
			defer mu.Unlock()
			if string(received[0]) != string(payload) {
				t.Errorf("decoded payload mismatch: %v", received[0])
			}
		})
	}
}

func TestTranscriptEventsSurfaceSpeaker(t *testing.T) {
	fake := newFakeWSConn()

	var mu sync.Mutex
	type utterance struct{ text, speaker string }
	var got []utterance
	connectUplink(t, fake, UplinkEvents{
		OnTranscript: func(text, speaker string) {
			mu.Lock()
			got = append(got, utterance{text, speaker})
			mu.Unlock()
		},
	})
	fake.pushText(metadataJSON(FormatULaw8k))
	fake.pushText(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`)
	fake.pushText(`{"type":"agent_response","agent_response_event":{"agent_response":"hi Priya"}}`)

	waitFor(t, "both transcripts", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].speaker != "user" || got[0].text != "hello" {
		t.Errorf("user transcript: %+v", got[0])
	}
	if got[1].speaker != "agent" || got[1].text != "hi Priya" {
		t.Errorf("agent transcript: %+v", got[1])
	}
}

func TestConversationEndFiresOnEnd(t *testing.T) {
	fake := newFakeWSConn()

	ended := make(chan struct{})
	var once sync.Once
	connectUplink(t, fake, UplinkEvents{
		OnEnd: func() { once.Do(func() { close(ended) }) },
	})
	fake.pushText(metadataJSON(FormatULaw8k))
	fake.pushText(`{"type":"conversation_end"}`)

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("OnEnd not fired")
	}
}

func TestMalformedAgentMessagesAreDropped(t *testing.T) {
	fake := newFakeWSConn()
	uplink := connectUplink(t, fake, UplinkEvents{})
	fake.pushText(metadataJSON(FormatULaw8k))

	fake.pushText(`{{{`)
	fake.pushText(`{"type":"audio","audio_event":{"audio_base_64":"%%%not-base64%%%"}}`)
	fake.pushText(`{"type":"something_new"}`)

	// The stream must survive all of it.
	if err := uplink.SendAudio([]byte{1}); err != nil {
		t.Fatalf("uplink unusable after malformed messages: %v", err)
	}
}
