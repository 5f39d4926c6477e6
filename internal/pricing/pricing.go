// Package pricing holds the static per-model rate tables and the dollar
// cost calculators for the OpenAI-shaped and Gemini-shaped providers.
// Tables are loaded once at init from embedded YAML and are read-only.
package pricing

import (
	"embed"
	"fmt"

	"go.yaml.in/yaml/v3"

	gateway "github.com/aipipe/aipipe/internal"
)

//go:embed rates/*.yaml
var rateFiles embed.FS

// Rate is the per-million-token price sheet for one model. Audio rates are
// zero for text-only models.
type Rate struct {
	Input       float64 `yaml:"input"`
	Output      float64 `yaml:"output"`
	AudioInput  float64 `yaml:"audio_input"`
	AudioOutput float64 `yaml:"audio_output"`
}

// Table maps model id to its rate sheet.
type Table map[string]Rate

var (
	openaiTable Table
	geminiTable Table
)

func init() {
	openaiTable = mustLoad("rates/openai.yaml")
	geminiTable = mustLoad("rates/gemini.yaml")
}

func mustLoad(name string) Table {
	data, err := rateFiles.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("pricing: read %s: %v", name, err))
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		panic(fmt.Sprintf("pricing: parse %s: %v", name, err))
	}
	return t
}

// OpenAI returns the OpenAI-shape rate table.
func OpenAI() Table { return openaiTable }

// Gemini returns the Gemini-shape rate table.
func Gemini() Table { return geminiTable }

// Lookup returns the rate sheet for a model.
func (t Table) Lookup(model string) (Rate, bool) {
	r, ok := t[model]
	return r, ok
}

// Cost converts canonical usage into dollars for the given model. Unknown
// models and nil usage cost zero; callers that must reject unknown models
// gate on Lookup before the request is forwarded.
func (t Table) Cost(model string, u *gateway.Usage) float64 {
	if u == nil {
		return 0
	}
	r, ok := t[model]
	if !ok {
		return 0
	}

	// Audio sub-counters are included in the top-level totals upstream;
	// price the text remainder and the audio share separately.
	textIn := max(u.PromptTokens-u.PromptAudioTokens, 0)
	textOut := max(u.CompletionTokens-u.CompletionAudioTokens, 0)

	dollars := float64(textIn)*r.Input +
		float64(textOut)*r.Output +
		float64(u.PromptAudioTokens)*r.AudioInput +
		float64(u.CompletionAudioTokens)*r.AudioOutput
	return dollars / 1e6
}
