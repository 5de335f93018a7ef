// Package audio provides helpers for the 16-bit little-endian mono PCM that
// flows between clients and the upstream speech service.
package audio

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// BytesPerSample is the width of one PCM16 mono sample.
const BytesPerSample = 2

// Format describes the sample rate of a mono PCM16 stream.
type Format struct {
	SampleRate int
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * BytesPerSample
}

// Duration returns how much audio n bytes of this format represent.
// A zero or negative sample rate yields zero.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Bytes returns the number of bytes needed to hold d of audio, rounded down
// to a whole sample.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%BytesPerSample
}

// Energy returns the root-mean-square amplitude of pcm normalised to [0, 1].
// A trailing odd byte is ignored. Empty input has zero energy.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / BytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := range samples {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates match or are invalid the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// Resampler converts client audio to the upstream rate. It logs once on the
// first corrupt (odd-length) frame. Create one per stream.
type Resampler struct {
	From Format
	To   Format

	warnedCorrupt sync.Once
}

// Convert returns chunk resampled to r.To. Odd-length chunks are truncated to a
// whole sample before conversion.
func (r *Resampler) Convert(chunk []byte) []byte {
	if len(chunk)%BytesPerSample != 0 {
		r.warnedCorrupt.Do(func() {
			slog.Warn("audio resampler: odd byte count in PCM data, truncating",
				"bytes", len(chunk),
				"sample_rate", r.From.SampleRate,
			)
		})
		chunk = chunk[:len(chunk)-1]
	}
	return ResampleMono16(chunk, r.From.SampleRate, r.To.SampleRate)
}
