package pricing

import (
	"math"
	"testing"

	gateway "github.com/aipipe/aipipe/internal"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestTablesLoaded(t *testing.T) {
	t.Parallel()
	if _, ok := OpenAI().Lookup("gpt-4.1-nano"); !ok {
		t.Error("gpt-4.1-nano missing from openai table")
	}
	if _, ok := Gemini().Lookup("gemini-2.0-flash"); !ok {
		t.Error("gemini-2.0-flash missing from gemini table")
	}
	if _, ok := OpenAI().Lookup("no-such-model"); ok {
		t.Error("unknown model should miss")
	}
}

func TestCostTextOnly(t *testing.T) {
	t.Parallel()
	u := &gateway.Usage{PromptTokens: 10, CompletionTokens: 5}
	got := OpenAI().Cost("gpt-4.1-nano", u)
	want := (10*0.1 + 5*0.4) / 1e6
	if !almostEqual(got, want) {
		t.Errorf("cost = %v, want %v", got, want)
	}
}

func TestCostAudioSplit(t *testing.T) {
	t.Parallel()
	// 100 prompt tokens of which 40 are audio; 50 completion of which 10 audio.
	u := &gateway.Usage{
		PromptTokens:          100,
		CompletionTokens:      50,
		PromptAudioTokens:     40,
		CompletionAudioTokens: 10,
	}
	got := OpenAI().Cost("gpt-4o-audio-preview", u)
	want := (60*2.5 + 40*40.0 + 40*10.0 + 10*80.0) / 1e6
	if !almostEqual(got, want) {
		t.Errorf("cost = %v, want %v", got, want)
	}
}

func TestCostUnknownOrMissingUsage(t *testing.T) {
	t.Parallel()
	if got := OpenAI().Cost("no-such-model", &gateway.Usage{PromptTokens: 1000}); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
	if got := OpenAI().Cost("gpt-4o", nil); got != 0 {
		t.Errorf("nil usage cost = %v, want 0", got)
	}
}

func TestCostEmbedding(t *testing.T) {
	t.Parallel()
	u := &gateway.Usage{PromptTokens: 8}
	got := OpenAI().Cost("text-embedding-3-small", u)
	want := 8 * 0.02 / 1e6
	if !almostEqual(got, want) {
		t.Errorf("cost = %v, want %v", got, want)
	}
}
