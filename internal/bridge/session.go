package bridge

import (
	"sync"
	"time"

	"github.com/edvisortech/voice-bridge/pkg/audio"
)

// Phase is the lifecycle state of a call session.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAwaitingStart
	PhaseBridging
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingStart:
		return "awaiting_start"
	case PhaseBridging:
		return "bridging"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Session holds the per-connection state of one bridged call. It is
// owned by the single carrier connection that created it and is never
// shared across connections.
type Session struct {
	CallSid   string
	StreamSid string
	From      string
	To        string

	mu             sync.Mutex
	phase          Phase
	leadContext    map[string]string
	conversationID string

	// Audio buffered while the upstream handshake is still in flight.
	// Drained in arrival order once the session reaches Bridging.
	pendingInbound [][]byte

	inAligner  *audio.Aligner
	outAligner *audio.Aligner

	inboundChunks uint64
	outboundChunk uint64

	StartedAt    time.Time
	lastActivity time.Time

	startOnce sync.Once
	endOnce   sync.Once
}

func NewSession(callSid, from, to string, inboundFrame, outboundFrame int) *Session {
	now := time.Now()
	return &Session{
		CallSid:      callSid,
		From:         from,
		To:           to,
		phase:        PhaseConnecting,
		inAligner:    audio.NewAligner(inboundFrame, audio.SilenceByte),
		outAligner:   audio.NewAligner(outboundFrame, audio.SilenceByte),
		StartedAt:    now,
		lastActivity: now,
	}
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase moves the session to the given phase. Ended is terminal;
// any transition out of it is ignored.
func (s *Session) SetPhase(p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseEnded {
		return false
	}
	s.phase = p
	return true
}

// SetLeadContext stores the resolved context. It only takes effect
// once; later calls are no-ops.
func (s *Session) SetLeadContext(ctx map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leadContext != nil {
		return
	}
	s.leadContext = ctx
}

func (s *Session) LeadContext() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leadContext
}

func (s *Session) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = id
	}
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// ForwardOrBuffer decides the path for one inbound audio payload. If
// the session is not yet Bridging the payload is queued and true is
// returned; otherwise the caller should process it directly. The
// check and append are atomic with respect to TakePendingOrPromote, so
// no frame can slip past the drain out of order. Frames arriving after
// Ended are never retained.
func (s *Session) ForwardOrBuffer(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseBridging || s.phase == PhaseEnded {
		return false
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.pendingInbound = append(s.pendingInbound, buf)
	return true
}

// TakePendingOrPromote is called in a loop during the promotion to
// Bridging: it returns the queued audio batch to drain, or, once the
// queue is empty, flips the phase to Bridging and reports promoted.
func (s *Session) TakePendingOrPromote() ([][]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingInbound) == 0 {
		if s.phase != PhaseEnded {
			s.phase = PhaseBridging
		}
		return nil, true
	}
	pending := s.pendingInbound
	s.pendingInbound = nil
	return pending, false
}

// NextOutboundChunk returns the next frame sequence number, starting
// at 1 and increasing by exactly 1 for the life of the session.
func (s *Session) NextOutboundChunk() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundChunk++
	return s.outboundChunk
}

func (s *Session) CountInboundChunk() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundChunks++
	return s.inboundChunks
}

// Touch records media activity for the idle watchdog.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}
