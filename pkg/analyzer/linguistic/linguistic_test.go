package linguistic

import (
	"context"
	"strings"
	"testing"
)

func TestAnalyzeLinguistic_Hesitations(t *testing.T) {
	t.Parallel()
	transcript := "Um, I was, um, at home. Um, like, watching TV, um. It was like a normal evening."

	f, err := New().AnalyzeLinguistic(context.Background(), transcript, 0)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	if want := len(strings.Fields(transcript)); f.WordCount != want {
		t.Errorf("WordCount = %d, want %d", f.WordCount, want)
	}
	if f.HesitationCount < 6 {
		t.Errorf("HesitationCount = %d, want >= 6 (4 um + 2 like)", f.HesitationCount)
	}
	if f.FillerCount != 4 {
		t.Errorf("FillerCount = %d, want 4", f.FillerCount)
	}
	if f.SentenceCount != 3 {
		t.Errorf("SentenceCount = %d, want 3", f.SentenceCount)
	}
	if f.SpeechRate != 0 {
		t.Errorf("SpeechRate = %v, want 0 for unknown duration", f.SpeechRate)
	}
}

func TestAnalyzeLinguistic_SpeechRate(t *testing.T) {
	t.Parallel()
	// 30 words over 60 seconds is 30 wpm.
	transcript := strings.TrimSpace(strings.Repeat("word ", 30))
	f, err := New().AnalyzeLinguistic(context.Background(), transcript, 60)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	if f.SpeechRate != 30 {
		t.Errorf("SpeechRate = %v, want 30", f.SpeechRate)
	}
}

func TestAnalyzeLinguistic_Repetitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		transcript string
		want       int
	}{
		{"stutter with restarts", "I- I- I went to the store.", 2},
		{"exact duplicate", "we we left early", 1},
		{"phonetic near-spelling", "welcome welkome everyone", 1},
		{"clean speech", "we left early in the morning", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := New().AnalyzeLinguistic(context.Background(), tt.transcript, 0)
			if err != nil {
				t.Fatalf("AnalyzeLinguistic() error = %v", err)
			}
			if f.RepetitionCount != tt.want {
				t.Errorf("RepetitionCount = %d, want %d", f.RepetitionCount, tt.want)
			}
		})
	}
}

func TestAnalyzeLinguistic_HedgePhrasesCountOnce(t *testing.T) {
	t.Parallel()
	f, err := New().AnalyzeLinguistic(context.Background(), "It was, you know, sort of fine.", 0)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	// "you know" and "sort of" are one hesitation each, not four.
	if f.HesitationCount != 2 {
		t.Errorf("HesitationCount = %d, want 2", f.HesitationCount)
	}
}

func TestAnalyzeLinguistic_ConfidenceRatio(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		transcript string
		want       float64
	}{
		{"assertive", "I definitely locked the door. Absolutely certain.", 1},
		{"hedged", "Maybe I locked it, I think, perhaps.", 0},
		{"neutral", "I locked the door and left.", 0.5},
		{"mixed", "I definitely left but maybe forgot the light.", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := New().AnalyzeLinguistic(context.Background(), tt.transcript, 0)
			if err != nil {
				t.Fatalf("AnalyzeLinguistic() error = %v", err)
			}
			if f.ConfidenceRatio != tt.want {
				t.Errorf("ConfidenceRatio = %v, want %v", f.ConfidenceRatio, tt.want)
			}
		})
	}
}

func TestAnalyzeLinguistic_FormalityOrdering(t *testing.T) {
	t.Parallel()
	formal, err := New().AnalyzeLinguistic(context.Background(),
		"However, the evidence was conclusive. Therefore we proceeded accordingly.", 0)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	casual, err := New().AnalyzeLinguistic(context.Background(),
		"Um, yeah, it's like, you know, whatever, don't worry 'bout it.", 0)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	if formal.FormalityScore <= casual.FormalityScore {
		t.Errorf("formal score %v not above casual score %v", formal.FormalityScore, casual.FormalityScore)
	}
}

func TestAnalyzeLinguistic_Empty(t *testing.T) {
	t.Parallel()
	f, err := New().AnalyzeLinguistic(context.Background(), "   ", 12)
	if err != nil {
		t.Fatalf("AnalyzeLinguistic() error = %v", err)
	}
	if f.WordCount != 0 || f.SentenceCount != 0 || f.SpeechRate != 0 {
		t.Errorf("empty transcript features not zero: %+v", f)
	}
}
