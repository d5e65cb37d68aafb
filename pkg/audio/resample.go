package audio

// Resample8kTo16k doubles the sample rate of 16-bit little-endian PCM by
// inserting the arithmetic mean of each pair of adjacent samples. The last
// sample is repeated since it has no successor to interpolate against.
func Resample8kTo16k(pcm8k []byte) []byte {
	samples := toInt16(pcm8k)
	if len(samples) == 0 {
		return nil
	}

	out := make([]int16, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		if i < len(samples)-1 {
			out[i*2+1] = int16((int32(s) + int32(samples[i+1])) / 2)
		} else {
			out[i*2+1] = s
		}
	}
	return toBytes(out)
}

// Resample16kTo8k halves the sample rate of 16-bit little-endian PCM by
// averaging each consecutive pair of samples. Averaging instead of plain
// decimation keeps energy above 4 kHz from aliasing quite as audibly on the
// telephony leg.
func Resample16kTo8k(pcm16k []byte) []byte {
	samples := toInt16(pcm16k)
	if len(samples) < 2 {
		return nil
	}

	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return toBytes(out)
}

// Amplify multiplies every sample by gain, hard-clipping to the 16-bit
// signed range. Used when the upstream leg delivers audio too quiet for the
// carrier leg; gain 1.0 is the identity.
func Amplify(pcm []byte, gain float64) []byte {
	samples := toInt16(pcm)
	if len(samples) == 0 {
		return nil
	}

	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return toBytes(out)
}

// toInt16 reads little-endian PCM bytes as samples, truncating any odd
// trailing byte to the last complete sample.
func toInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
	}
	return samples
}

func toBytes(samples []int16) []byte {
	result := make([]byte, len(samples)*2)
	for i, sample := range samples {
		result[i*2] = byte(sample & 0xFF)
		result[i*2+1] = byte((sample >> 8) & 0xFF)
	}
	return result
}
