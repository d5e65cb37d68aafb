package audio

// G.711 μ-law codec, bit-compatible with the ITU-T reference tables.
// PCM is always 16-bit signed little-endian mono.

const (
	muLawBias = 0x84
	muLawClip = 32635

	// SilenceByte is the μ-law encoding of zero amplitude, used to pad
	// partial frames so the carrier never receives a short payload.
	SilenceByte = 0x7F
)

// muLawToPCM is the 256-entry expansion table, built once at init from the
// segment/mantissa formula so decode is a single lookup per sample.
var muLawToPCM [256]int16

// muLawSegment maps (biased magnitude >> 7) to the μ-law segment number.
var muLawSegment [256]byte

func init() {
	for i := 0; i < 256; i++ {
		mu := ^byte(i)
		sign := mu & 0x80
		exponent := (mu >> 4) & 0x07
		mantissa := mu & 0x0F

		magnitude := ((int32(mantissa) << 3) + muLawBias) << exponent
		magnitude -= muLawBias

		if sign != 0 {
			muLawToPCM[i] = int16(-magnitude)
		} else {
			muLawToPCM[i] = int16(magnitude)
		}
	}

	seg := byte(0)
	for i := 1; i < 256; i++ {
		if i >= 1<<(seg+1) && seg < 7 {
			seg++
		}
		muLawSegment[i] = seg
	}
}

// DecodeMuLawToPCM16 expands G.711 μ-law bytes (8 kHz telephony audio) to
// 16-bit signed little-endian PCM.
func DecodeMuLawToPCM16(muLaw []byte) []byte {
	if len(muLaw) == 0 {
		return nil
	}

	result := make([]byte, len(muLaw)*2)
	for i, mu := range muLaw {
		sample := muLawToPCM[mu]
		result[i*2] = byte(sample & 0xFF)
		result[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return result
}

// EncodePCM16ToMuLaw compresses 16-bit signed little-endian PCM to G.711
// μ-law using sign/segment/mantissa packing with one's-complement output.
// An odd trailing byte is truncated rather than treated as an error.
// Round-trips with DecodeMuLawToPCM16 to within one μ-law quantization step.
func EncodePCM16ToMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	result := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int32(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))

		sign := byte(0)
		if sample < 0 {
			sign = 0x80
			sample = -sample
		}
		if sample > muLawClip {
			sample = muLawClip
		}
		sample += muLawBias

		exponent := muLawSegment[(sample>>7)&0xFF]
		mantissa := byte((sample >> (exponent + 3)) & 0x0F)

		result[i] = ^(sign | (exponent << 4) | mantissa)
	}
	return result
}
