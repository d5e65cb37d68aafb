package audio

// Aligner buffers arbitrary-length writes and releases frames whose length
// is exactly the configured frame size. Carriers reject media payloads that
// are not multiples of the 160-byte base unit (20 ms at 8 kHz μ-law), and a
// short payload causes an audible playback gap, so the remainder stays
// buffered until more audio arrives or the call ends.
type Aligner struct {
	frameSize int
	padByte   byte
	buf       []byte
}

// AlignerBaseUnit is the carrier's payload granularity in bytes.
const AlignerBaseUnit = 160

// NewAligner creates an aligner releasing frames of frameSize bytes, which
// must be a multiple of the 160-byte base unit. padByte fills the tail of
// the final partial frame on Flush; use SilenceByte for μ-law audio.
func NewAligner(frameSize int, padByte byte) *Aligner {
	if frameSize <= 0 || frameSize%AlignerBaseUnit != 0 {
		frameSize = AlignerBaseUnit
	}
	return &Aligner{
		frameSize: frameSize,
		padByte:   padByte,
	}
}

// FrameSize returns the configured frame length in bytes.
func (a *Aligner) FrameSize() int {
	return a.frameSize
}

// Buffered returns the number of bytes held back waiting for a full frame.
// Always less than FrameSize between calls.
func (a *Aligner) Buffered() int {
	return len(a.buf)
}

// Push appends data and returns every complete frame now available, in
// order. Each returned frame is exactly FrameSize bytes and owns its
// backing array.
func (a *Aligner) Push(data []byte) [][]byte {
	a.buf = append(a.buf, data...)

	var frames [][]byte
	for len(a.buf) >= a.frameSize {
		frame := make([]byte, a.frameSize)
		copy(frame, a.buf[:a.frameSize])
		frames = append(frames, frame)
		a.buf = a.buf[a.frameSize:]
	}
	return frames
}

// Flush releases the remainder as a single frame padded with the pad byte
// up to the next multiple of the base unit. Returns nil when nothing is
// buffered. Called once at call end so trailing audio is not dropped.
func (a *Aligner) Flush() []byte {
	if len(a.buf) == 0 {
		return nil
	}

	padded := ((len(a.buf) + AlignerBaseUnit - 1) / AlignerBaseUnit) * AlignerBaseUnit
	frame := make([]byte, padded)
	copy(frame, a.buf)
	for i := len(a.buf); i < padded; i++ {
		frame[i] = a.padByte
	}
	a.buf = a.buf[:0]
	return frame
}
