package quality_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/analyzer/quality"
)

// encodeWAV wraps raw 16-bit PCM in a minimal RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// sinePCM generates mono 16-bit PCM of a 440 Hz tone at the given amplitude
// (0–32767) and duration in seconds.
func sinePCM(sampleRate int, seconds float64, amplitude float64) []byte {
	n := int(float64(sampleRate) * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(int16(v)))
	}
	return pcm
}

func TestAnalyzeQuality_CleanWAV(t *testing.T) {
	t.Parallel()

	clip := analyzer.Clip{
		Data:     encodeWAV(sinePCM(16000, 5, 10000), 16000, 1),
		MIMEType: "audio/wav",
	}

	q, err := quality.New().AnalyzeQuality(context.Background(), clip)
	if err != nil {
		t.Fatalf("AnalyzeQuality: unexpected error: %v", err)
	}

	if got, want := q.SampleRate, 16000; got != want {
		t.Errorf("SampleRate: want %d, got %d", want, got)
	}
	if math.Abs(q.Duration-5) > 0.01 {
		t.Errorf("Duration: want ~5s, got %v", q.Duration)
	}
	if q.QualityScore < 90 {
		t.Errorf("QualityScore: want >= 90 for a clean tone, got %v", q.QualityScore)
	}
	if q.Loudness <= 0 || q.Loudness > 1 {
		t.Errorf("Loudness: want (0, 1], got %v", q.Loudness)
	}
	if q.ClippingRatio != 0 {
		t.Errorf("ClippingRatio: want 0, got %v", q.ClippingRatio)
	}
}

func TestAnalyzeQuality_SilentClipPenalised(t *testing.T) {
	t.Parallel()

	clip := analyzer.Clip{
		Data:     encodeWAV(make([]byte, 16000*2*5), 16000, 1), // 5s of silence
		MIMEType: "audio/wav",
	}

	q, err := quality.New().AnalyzeQuality(context.Background(), clip)
	if err != nil {
		t.Fatalf("AnalyzeQuality: unexpected error: %v", err)
	}
	if q.QualityScore > 60 {
		t.Errorf("QualityScore: want <= 60 for silence, got %v", q.QualityScore)
	}
}

func TestAnalyzeQuality_ClippedSignalPenalised(t *testing.T) {
	t.Parallel()

	// Square wave at full scale: every sample is clipped.
	n := 16000 * 4
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(32767)
		if i%2 == 0 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i*2:i*2+2], uint16(v))
	}

	q, err := quality.New().AnalyzeQuality(context.Background(), analyzer.Clip{
		Data:     encodeWAV(pcm, 16000, 1),
		MIMEType: "audio/wav",
	})
	if err != nil {
		t.Fatalf("AnalyzeQuality: unexpected error: %v", err)
	}
	if q.ClippingRatio < 0.99 {
		t.Errorf("ClippingRatio: want ~1.0, got %v", q.ClippingRatio)
	}
	if q.QualityScore > 75 {
		t.Errorf("QualityScore: want clipping penalty applied, got %v", q.QualityScore)
	}
}

func TestAnalyzeQuality_CompressedFallback(t *testing.T) {
	t.Parallel()

	// 160 kB at the assumed 128 kbit/s is a ~10s estimate.
	q, err := quality.New().AnalyzeQuality(context.Background(), analyzer.Clip{
		Data:     make([]byte, 160_000),
		MIMEType: "audio/mpeg",
	})
	if err != nil {
		t.Fatalf("AnalyzeQuality: unexpected error: %v", err)
	}
	if q.SampleRate != 0 {
		t.Errorf("SampleRate: want 0 for compressed estimate, got %d", q.SampleRate)
	}
	if math.Abs(q.Duration-10) > 0.5 {
		t.Errorf("Duration: want ~10s estimate, got %v", q.Duration)
	}
	if q.QualityScore != 50 {
		t.Errorf("QualityScore: want neutral 50, got %v", q.QualityScore)
	}
}

func TestAnalyzeQuality_EmptyClip(t *testing.T) {
	t.Parallel()

	if _, err := quality.New().AnalyzeQuality(context.Background(), analyzer.Clip{}); err == nil {
		t.Fatal("AnalyzeQuality: want error for empty clip, got nil")
	}
}
