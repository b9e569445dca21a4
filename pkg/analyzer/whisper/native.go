// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/candorlab/candor/pkg/analyzer"
)

var _ analyzer.Transcriber = (*NativeProvider)(nil)

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g. "en", "de"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NativeProvider implements [analyzer.Transcriber] using the whisper.cpp Go
// bindings (CGO). The model is loaded once at startup and shared across all
// concurrent transcriptions; each call creates its own whisper context.
//
// Only WAV uploads can be transcribed natively — whisper.cpp consumes raw PCM
// and this provider does not carry codecs for compressed containers. Use the
// HTTP [Provider] when MP3/OGG/WebM uploads must be supported.
type NativeProvider struct {
	model    whisperlib.Model
	language string
}

// NewNative creates a NativeProvider that loads the ggml model from
// modelPath. The caller must call Close when the provider is no longer
// needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements [analyzer.Transcriber].
func (p *NativeProvider) Transcribe(ctx context.Context, clip analyzer.Clip) (*analyzer.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples, sampleRate, channels, err := decodeWAV(clip.Data)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	if sampleRate != 16000 {
		// whisper.cpp expects 16 kHz input; resample linearly.
		samples = resample(samples, sampleRate, 16000)
	}
	_ = channels // decodeWAV already down-mixed to mono

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return &analyzer.Transcript{
		Text:     strings.Join(parts, " "),
		Duration: wavDuration(clip.Data),
	}, nil
}

// decodeWAV extracts mono float32 samples from a 16-bit PCM RIFF/WAV file,
// averaging channels per frame when the source is multi-channel.
func decodeWAV(data []byte) (samples []float32, sampleRate, channels int, err error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, errors.New("native transcription requires a RIFF/WAV upload")
	}
	var pcm []byte
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("wav: fmt chunk too short")
			}
			if format := binary.LittleEndian.Uint16(data[body : body+2]); format != 1 {
				return nil, 0, 0, fmt.Errorf("wav: unsupported audio format %d", format)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != 16 {
				return nil, 0, 0, fmt.Errorf("wav: unsupported bit depth %d", bits)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			pcm = data[body : body+size]
		}
		off = body + size + (size & 1)
	}
	if sampleRate <= 0 || channels <= 0 || pcm == nil {
		return nil, 0, 0, errors.New("wav: missing fmt or data chunk")
	}

	frames := len(pcm) / (2 * channels)
	samples = make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			idx := (i*channels + ch) * 2
			s := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(s) / 32768.0
		}
		samples[i] = sum / float32(channels)
	}
	return samples, sampleRate, channels, nil
}

// resample performs linear interpolation from srcRate to dstRate.
func resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(in) == 0 {
		return in
	}
	n := len(in) * dstRate / srcRate
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
