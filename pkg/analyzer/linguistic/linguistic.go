// Package linguistic extracts quantitative speech-pattern features from a
// transcript: counts, rates, and heuristic scores for register, complexity,
// and assertiveness.
//
// The analyzer is pure computation over the transcript text — no network, no
// model. Repetition detection combines exact adjacent-word comparison with
// Double Metaphone phonetic codes and Jaro-Winkler similarity so that
// stutters and false starts ("I- I- I went") are counted even when the
// transcriber renders them with slight spelling variance.
package linguistic

import (
	"context"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
)

// repetitionSimilarity is the Jaro-Winkler floor for treating two adjacent
// words with matching phonetic codes as one stuttered word.
const repetitionSimilarity = 0.90

// fillers are filled pauses: non-lexical sounds bridging a gap in speech.
var fillers = map[string]bool{
	"um": true, "uh": true, "er": true, "ah": true, "hmm": true, "mhm": true, "erm": true,
}

// hedgeWords soften or pad a statement without adding content. Together with
// fillers they make up the hesitation count.
var hedgeWords = map[string]bool{
	"like": true, "basically": true, "literally": true, "actually": true,
}

// hedgePhrases are multi-word hedges matched over consecutive tokens.
var hedgePhrases = [][]string{
	{"you", "know"},
	{"i", "mean"},
	{"sort", "of"},
	{"kind", "of"},
}

// assertiveMarkers signal committed, confident statements.
var assertiveMarkers = map[string]bool{
	"definitely": true, "certainly": true, "absolutely": true, "clearly": true,
	"always": true, "never": true, "sure": true, "exactly": true, "obviously": true,
}

// hedgedMarkers signal uncertainty or distancing.
var hedgedMarkers = map[string]bool{
	"maybe": true, "perhaps": true, "possibly": true, "probably": true,
	"guess": true, "think": true, "suppose": true, "might": true, "unsure": true,
}

// formalMarkers raise the formality score.
var formalMarkers = map[string]bool{
	"therefore": true, "however": true, "moreover": true, "furthermore": true,
	"regarding": true, "consequently": true, "nevertheless": true, "thus": true,
	"accordingly": true, "subsequently": true,
}

var _ analyzer.LinguisticAnalyzer = (*Analyzer)(nil)

// Analyzer implements [analyzer.LinguisticAnalyzer]. The zero value is ready
// to use and safe for concurrent use.
type Analyzer struct{}

// New returns a ready Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// AnalyzeLinguistic implements [analyzer.LinguisticAnalyzer]. An empty
// transcript yields all-zero features and no error.
func (a *Analyzer) AnalyzeLinguistic(_ context.Context, transcript string, duration float64) (*analysis.LinguisticFeatures, error) {
	tokens := strings.Fields(transcript)
	if len(tokens) == 0 {
		return &analysis.LinguisticFeatures{}, nil
	}

	words := make([]string, len(tokens))
	for i, tok := range tokens {
		words[i] = normalize(tok)
	}

	f := &analysis.LinguisticFeatures{
		WordCount:     len(tokens),
		SentenceCount: countSentences(transcript),
	}
	if duration > 0 {
		f.SpeechRate = float64(f.WordCount) / (duration / 60)
	}

	f.FillerCount, f.HesitationCount = countHesitations(words)
	f.RepetitionCount = countRepetitions(words)
	f.FormalityScore = formality(words, f.HesitationCount)
	f.ComplexityScore = complexity(words, f.SentenceCount)
	f.ConfidenceRatio = confidenceRatio(words)
	return f, nil
}

// normalize lowercases a token and strips surrounding punctuation, keeping
// in-word apostrophes ("don't") and hyphens intact.
func normalize(tok string) string {
	return strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
}

// countSentences counts terminator-delimited segments that contain at least
// one letter or digit. Text without terminators is one sentence.
func countSentences(text string) int {
	count := 0
	segment := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if segment {
				count++
				segment = false
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			segment = true
		}
	}
	if segment {
		count++
	}
	return count
}

// countHesitations returns the filled-pause count and the total hesitation
// count (filled pauses plus hedge words and phrases).
func countHesitations(words []string) (fillerCount, hesitationCount int) {
	i := 0
	for i < len(words) {
		if matched := matchPhrase(words, i); matched > 0 {
			hesitationCount++
			i += matched
			continue
		}
		w := words[i]
		switch {
		case fillers[w]:
			fillerCount++
			hesitationCount++
		case hedgeWords[w]:
			hesitationCount++
		}
		i++
	}
	return fillerCount, hesitationCount
}

// matchPhrase reports the length of the hedge phrase starting at words[i], or
// 0 when none matches.
func matchPhrase(words []string, i int) int {
	for _, phrase := range hedgePhrases {
		if i+len(phrase) > len(words) {
			continue
		}
		ok := true
		for j, p := range phrase {
			if words[i+j] != p {
				ok = false
				break
			}
		}
		if ok {
			return len(phrase)
		}
	}
	return 0
}

// countRepetitions counts adjacent word pairs that are the same word: exact
// duplicates, truncated restarts ("I-" before "I"), or phonetically identical
// near-spellings.
func countRepetitions(words []string) int {
	count := 0
	for i := 1; i < len(words); i++ {
		prev, cur := words[i-1], words[i]
		if prev == "" || cur == "" {
			continue
		}
		if prev == cur {
			count++
			continue
		}
		p1, _ := matchr.DoubleMetaphone(prev)
		p2, _ := matchr.DoubleMetaphone(cur)
		if p1 != "" && p1 == p2 && matchr.JaroWinkler(prev, cur, false) >= repetitionSimilarity {
			count++
		}
	}
	return count
}

// formality starts from a neutral 0.5 and moves with the density of formal
// connectives, contractions, and hesitations.
func formality(words []string, hesitations int) float64 {
	formal, contractions := 0, 0
	for _, w := range words {
		if formalMarkers[w] {
			formal++
		}
		if strings.ContainsRune(w, '\'') {
			contractions++
		}
	}
	n := float64(len(words))
	score := 0.5 + 3*float64(formal)/n - 1.5*float64(contractions)/n - 2*float64(hesitations)/n
	return clamp01(score)
}

// complexity blends average sentence length with average word length.
func complexity(words []string, sentences int) float64 {
	if sentences == 0 {
		sentences = 1
	}
	letters := 0
	for _, w := range words {
		letters += len(w)
	}
	avgSentence := float64(len(words)) / float64(sentences)
	avgWord := float64(letters) / float64(len(words))
	return clamp01(0.6*clamp01(avgSentence/25) + 0.4*clamp01((avgWord-3)/5))
}

// confidenceRatio is assertive markers over all confidence markers, 0.5 when
// the transcript carries neither.
func confidenceRatio(words []string) float64 {
	assertive, hedged := 0, 0
	for _, w := range words {
		if assertiveMarkers[w] {
			assertive++
		}
		if hedgedMarkers[w] {
			hedged++
		}
	}
	if assertive+hedged == 0 {
		return 0.5
	}
	return float64(assertive) / float64(assertive+hedged)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
