package audio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	// 2 samples at 8kHz → 6 samples at 24kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 8000, 24000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	// 6 samples at 24kHz → 2 samples at 8kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 24000, 8000))
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
	if got[0] != 100 || got[1] != 400 {
		t.Errorf("got %v, want [100 400]", got)
	}
}

func TestResampleMono16_ZeroRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{1, 2, 3})
	if out := audio.ResampleMono16(pcm, 0, 8000); !bytes.Equal(out, pcm) {
		t.Error("zero source rate should return input unchanged")
	}
	if out := audio.ResampleMono16(pcm, 8000, 0); !bytes.Equal(out, pcm) {
		t.Error("zero destination rate should return input unchanged")
	}
}

func TestAligner(t *testing.T) {
	t.Parallel()

	a := audio.NewAligner(6)

	if out := a.Push([]byte{1, 2, 3, 4}); out != nil {
		t.Fatalf("Push(4 bytes) = %v, want nil", out)
	}
	if a.Pending() != 4 {
		t.Fatalf("Pending = %d, want 4", a.Pending())
	}

	out := a.Push([]byte{5, 6, 7, 8, 9, 10, 11, 12, 13})
	if want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}; !bytes.Equal(out, want) {
		t.Fatalf("Push = %v, want %v", out, want)
	}
	if a.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", a.Pending())
	}

	a.Reset()
	if a.Pending() != 0 {
		t.Fatalf("Pending after Reset = %d, want 0", a.Pending())
	}
}

func TestAligner_OutputNotAliased(t *testing.T) {
	t.Parallel()

	a := audio.NewAligner(2)
	first := a.Push([]byte{1, 2, 3})
	_ = a.Push([]byte{4, 5, 6})
	if !bytes.Equal(first, []byte{1, 2}) {
		t.Errorf("first output mutated by later Push: %v", first)
	}
}
