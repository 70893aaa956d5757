package audio

import "time"

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. When the rates match the input is returned unchanged.
func Resample(pcm []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) == 0 {
		return pcm
	}
	n := int(int64(len(pcm)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := pcm[idx]
		s1 := s0
		if idx+1 < len(pcm) {
			s1 = pcm[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// FrameDuration returns the playback length of frameSize samples at
// sampleRate Hz, or 0 for an invalid rate.
func FrameDuration(frameSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / time.Duration(sampleRate)
}
