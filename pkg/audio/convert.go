package audio

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Aligner buffers PCM bytes that arrive in arbitrary chunk sizes and releases
// them in whole frames of a fixed byte size. The remainder is carried over to
// the next Push. Not safe for concurrent use; create one per stream direction.
type Aligner struct {
	frameBytes int
	carry      []byte
}

// NewAligner returns an Aligner that releases multiples of frameBytes.
// A frameBytes below 1 is treated as 1.
func NewAligner(frameBytes int) *Aligner {
	if frameBytes < 1 {
		frameBytes = 1
	}
	return &Aligner{frameBytes: frameBytes}
}

// Push appends chunk to the carry buffer and returns the longest aligned
// prefix. The returned slice is owned by the caller.
func (a *Aligner) Push(chunk []byte) []byte {
	a.carry = append(a.carry, chunk...)
	n := len(a.carry) - len(a.carry)%a.frameBytes
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, a.carry[:n])
	a.carry = append(a.carry[:0], a.carry[n:]...)
	return out
}

// Pending reports how many bytes are waiting for the next Push.
func (a *Aligner) Pending() int { return len(a.carry) }

// Reset drops any carried bytes.
func (a *Aligner) Reset() { a.carry = a.carry[:0] }
