package bridge

import "encoding/json"

// Carrier media-stream events. The carrier sends JSON text frames
// discriminated by the "event" field; raw binary frames carry the same
// audio bytes as a media event's decoded payload.

// CarrierEvent is the envelope every carrier text frame shares.
type CarrierEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid,omitempty"`
}

type StartEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Start     struct {
		CallSid          string            `json:"call_sid"`
		From             string            `json:"from"`
		To               string            `json:"to"`
		CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	} `json:"start"`
}

type MediaEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Media     struct {
		Payload string `json:"payload"` // base64-encoded codec-native audio
	} `json:"media"`
}

type DTMFEvent struct {
	Event string `json:"event"`
	DTMF  struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

type StopEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Stop      struct {
		Reason string `json:"reason"`
	} `json:"stop"`
}

type MarkEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// Outbound envelopes. The chunk counter is strictly increasing per
// connection; the carrier treats gaps or resets as protocol violations.

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Media     struct {
		Payload string `json:"payload"`
		Chunk   uint64 `json:"chunk"`
	} `json:"media"`
}

func mediaEnvelope(streamSid, payload string, chunk uint64) ([]byte, error) {
	env := outboundMedia{Event: "media", StreamSid: streamSid}
	env.Media.Payload = payload
	env.Media.Chunk = chunk
	return json.Marshal(env)
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func markEnvelope(streamSid, name string) ([]byte, error) {
	env := outboundMark{Event: "mark", StreamSid: streamSid}
	env.Mark.Name = name
	return json.Marshal(env)
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
}

// clearEnvelope builds the barge-in signal sent when the agent is
// interrupted, telling the carrier to drop any queued playback.
func clearEnvelope(streamSid string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: "clear", StreamSid: streamSid})
}
