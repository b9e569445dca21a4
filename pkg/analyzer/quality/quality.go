// Package quality implements the audio-quality analyzer.
//
// For WAV uploads the analyzer parses the RIFF container down to the PCM
// samples and measures duration, RMS loudness, and clipping. Compressed
// containers (MP3, OGG, WebM) are not decoded in-process; for those the
// analyzer falls back to a bitrate-based duration estimate and a neutral
// score, which keeps the stage useful without pulling a codec stack into the
// service.
//
// The quality score grades signal usability from 0 to 100: full marks need a
// clip that is neither near-silent nor clipped, long enough to analyse, and
// sampled at 16 kHz or better.
package quality

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
)

const (
	// minUsableDuration is the clip length (seconds) below which the score is
	// penalised for giving the downstream analyzers too little material.
	minUsableDuration = 3.0

	// nearSilenceRMS is the normalised RMS below which speech is assumed to
	// be drowned in the noise floor.
	nearSilenceRMS = 0.01

	// clippingSample is the absolute 16-bit sample value treated as clipped.
	clippingSample = 32600

	// fallbackBitrate is the assumed bitrate (bits/s) for duration estimates
	// on compressed containers.
	fallbackBitrate = 128_000
)

// ErrNotWAV is returned internally when the clip is not a parseable RIFF/WAV
// file; callers of [Analyzer.AnalyzeQuality] never see it because the
// analyzer degrades to the container-level estimate instead.
var ErrNotWAV = errors.New("not a RIFF/WAV file")

// Analyzer implements [analyzer.QualityAnalyzer]. The zero value is ready to
// use and safe for concurrent use — it holds no mutable state.
type Analyzer struct{}

var _ analyzer.QualityAnalyzer = (*Analyzer)(nil)

// New returns a ready Analyzer.
func New() *Analyzer { return &Analyzer{} }

// AnalyzeQuality implements [analyzer.QualityAnalyzer].
func (a *Analyzer) AnalyzeQuality(ctx context.Context, clip analyzer.Clip) (*analysis.AudioQuality, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(clip.Data) == 0 {
		return nil, errors.New("quality: empty clip")
	}

	if wav, err := parseWAV(clip.Data); err == nil {
		return analyzePCM(wav), nil
	} else if !errors.Is(err, ErrNotWAV) {
		return nil, fmt.Errorf("quality: %w", err)
	}

	return estimateCompressed(clip), nil
}

// wavFile is a decoded RIFF/WAV container restricted to 16-bit PCM.
type wavFile struct {
	sampleRate int
	channels   int
	pcm        []byte
}

// parseWAV walks the RIFF chunk list and extracts the fmt and data chunks.
// Only uncompressed 16-bit PCM is supported.
func parseWAV(data []byte) (*wavFile, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		w        wavFile
		haveFmt  bool
		haveData bool
	)
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body // tolerate truncated final chunk
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("wav: fmt chunk too short")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, fmt.Errorf("wav: unsupported format=%d bits=%d (want PCM 16-bit)", format, bits)
			}
			w.channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			w.sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			haveFmt = true
		case "data":
			w.pcm = data[body : body+size]
			haveData = true
		}
		// Chunks are word-aligned.
		off = body + size + (size & 1)
	}

	if !haveFmt || !haveData {
		return nil, errors.New("wav: missing fmt or data chunk")
	}
	if w.sampleRate <= 0 || w.channels <= 0 {
		return nil, errors.New("wav: invalid fmt values")
	}
	return &w, nil
}

// analyzePCM measures the decoded samples and grades the signal.
func analyzePCM(w *wavFile) *analysis.AudioQuality {
	n := len(w.pcm) / 2
	var (
		sumSquares float64
		clipped    int
	)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(w.pcm[i*2 : i*2+2]))
		v := float64(s)
		sumSquares += v * v
		if s >= clippingSample || s <= -clippingSample {
			clipped++
		}
	}

	var rms, clipRatio float64
	if n > 0 {
		rms = math.Sqrt(sumSquares/float64(n)) / 32768.0
		clipRatio = float64(clipped) / float64(n)
	}
	duration := float64(n) / float64(w.sampleRate*w.channels)

	return &analysis.AudioQuality{
		Duration:      duration,
		SampleRate:    w.sampleRate,
		QualityScore:  score(duration, w.sampleRate, rms, clipRatio),
		Loudness:      rms,
		ClippingRatio: clipRatio,
	}
}

// estimateCompressed produces a container-level quality block for encodings
// the service does not decode. Duration is a bitrate estimate; loudness and
// clipping are unknown and left at zero, and the score is capped accordingly.
func estimateCompressed(clip analyzer.Clip) *analysis.AudioQuality {
	duration := float64(len(clip.Data)*8) / fallbackBitrate
	q := &analysis.AudioQuality{
		Duration:     duration,
		QualityScore: 50,
	}
	if duration < minUsableDuration {
		q.QualityScore = 30
	}
	return q
}

// score grades a measured PCM signal from 0 to 100.
func score(duration float64, sampleRate int, rms, clipRatio float64) float64 {
	s := 100.0

	if rms < nearSilenceRMS {
		s -= 50
	} else if rms < 0.03 {
		s -= 20
	}

	// Heavy clipping makes the transcript and emotion stages unreliable.
	s -= math.Min(clipRatio*500, 30)

	if duration < minUsableDuration {
		s -= 20
	}
	if sampleRate < 16000 {
		s -= 10
	}

	return math.Max(0, math.Min(100, s))
}
