// Package audio converts between the 8 kHz G.711 mu-law audio carried on
// telephony media streams and the 16-bit linear PCM used by speech endpoints.
//
// All functions are pure: the same input always produces the same output and
// no state is retained between calls. PCM is little-endian int16, mono.
package audio

import (
	"errors"
	"fmt"
)

// TelephonyRate is the sample rate of mu-law telephony audio.
const TelephonyRate = 8000

// Sample rates used by the speech endpoint.
const (
	SpeechInputRate  = 16000
	SpeechOutputRate = 24000
)

// ErrMalformedFrame is returned when an input buffer cannot be split into
// whole frames for the requested conversion. Inputs are never truncated.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// ErrUnsupportedRate is returned for PCM rates that are not a positive whole
// multiple of [TelephonyRate].
var ErrUnsupportedRate = errors.New("audio: unsupported sample rate")

// FrameBytes returns the size in bytes of the smallest PCM unit at rate that
// maps to exactly one mu-law sample. For 24 kHz this is 6 bytes.
func FrameBytes(rate int) int {
	if rate < TelephonyRate || rate%TelephonyRate != 0 {
		return 2
	}
	return 2 * rate / TelephonyRate
}

func checkRate(rate int) error {
	if rate < TelephonyRate || rate%TelephonyRate != 0 {
		return fmt.Errorf("%w: %d Hz", ErrUnsupportedRate, rate)
	}
	return nil
}

// DecodeMuLaw expands 8 kHz mu-law bytes and resamples them to dstRate
// linear PCM. Empty input yields empty output.
func DecodeMuLaw(mulaw []byte, dstRate int) ([]byte, error) {
	if err := checkRate(dstRate); err != nil {
		return nil, err
	}
	if len(mulaw) == 0 {
		return []byte{}, nil
	}

	pcm := make([]byte, len(mulaw)*2)
	for i, u := range mulaw {
		s := MuLawToLinear(u)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return ResampleMono16(pcm, TelephonyRate, dstRate), nil
}

// EncodeMuLaw resamples srcRate linear PCM to 8 kHz and compresses it to
// mu-law. The input must hold a whole number of samples, and the sample count
// must be divisible by srcRate/8000, otherwise ErrMalformedFrame is returned.
func EncodeMuLaw(pcm []byte, srcRate int) ([]byte, error) {
	if err := checkRate(srcRate); err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if fb := FrameBytes(srcRate); len(pcm)%fb != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d at %d Hz",
			ErrMalformedFrame, len(pcm), fb, srcRate)
	}

	narrow := ResampleMono16(pcm, srcRate, TelephonyRate)
	out := make([]byte, len(narrow)/2)
	for i := range out {
		s := int16(narrow[i*2]) | int16(narrow[i*2+1])<<8
		out[i] = LinearToMuLaw(s)
	}
	return out, nil
}

// DecodeMuLaw8kToPCM16k converts a telephony media payload into the 16 kHz
// PCM expected by the speech endpoint's realtime input.
func DecodeMuLaw8kToPCM16k(mulaw []byte) ([]byte, error) {
	return DecodeMuLaw(mulaw, SpeechInputRate)
}

// EncodePCM24kToMuLaw8k converts 24 kHz speech endpoint output into a
// telephony media payload.
func EncodePCM24kToMuLaw8k(pcm []byte) ([]byte, error) {
	return EncodeMuLaw(pcm, SpeechOutputRate)
}
