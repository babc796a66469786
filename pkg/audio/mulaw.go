package audio

// G.711 mu-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MuLawToLinear expands a single G.711 mu-law byte to a 16-bit linear sample.
func MuLawToLinear(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F) << 3) + mulawBias
	t <<= (u & 0x70) >> 4
	if u&0x80 != 0 {
		return int16(mulawBias - t)
	}
	return int16(t - mulawBias)
}

// LinearToMuLaw compresses a 16-bit linear sample to a G.711 mu-law byte.
// Magnitudes above 32635 are clipped before companding.
func LinearToMuLaw(s int16) byte {
	pcm := int32(s)
	var sign byte
	if pcm < 0 {
		pcm = -pcm
		sign = 0x80
	}
	if pcm > mulawClip {
		pcm = mulawClip
	}
	pcm += mulawBias

	exp := byte(7)
	for mask := int32(0x4000); pcm&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(pcm>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}
