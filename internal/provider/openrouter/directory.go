package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/maypok86/otter/v2"

	"github.com/aipipe/aipipe/internal/provider"
)

// directoryMaxModels bounds the cache; the live directory is ~400 models.
const directoryMaxModels = 4096

// Rates is the per-token price sheet of one OpenRouter model. Request is
// a flat per-request charge in dollars.
type Rates struct {
	Prompt            float64
	Completion        float64
	InternalReasoning float64
	Image             float64
	Request           float64
}

// Directory is the per-process lazy cache of the OpenRouter models list.
// A lookup miss triggers a full refetch that replaces the whole cache;
// prices for already-cached models stay as loaded until a miss forces a
// refresh (accepted staleness).
type Directory struct {
	url  string
	http *http.Client

	mu    sync.Mutex // serialises refetches
	cache *otter.Cache[string, Rates]
}

// NewDirectory creates a Directory over baseURL's /v1/models listing.
func NewDirectory(baseURL string, client *http.Client) (*Directory, error) {
	if client == nil {
		client = http.DefaultClient
	}
	cache, err := otter.New(&otter.Options[string, Rates]{
		MaximumSize: directoryMaxModels,
	})
	if err != nil {
		return nil, fmt.Errorf("create directory cache: %w", err)
	}
	return &Directory{
		url:   baseURL + "/v1/models",
		http:  client,
		cache: cache,
	}, nil
}

// Lookup returns the rates for a model id, refetching the directory on a
// miss. ok=false after a refetch means the model genuinely is not listed.
func (d *Directory) Lookup(ctx context.Context, model string) (Rates, bool, error) {
	if r, ok := d.cache.GetIfPresent(model); ok {
		return r, true, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another request may have refreshed while we waited for the lock.
	if r, ok := d.cache.GetIfPresent(model); ok {
		return r, true, nil
	}
	if err := d.refresh(ctx); err != nil {
		return Rates{}, false, err
	}
	r, ok := d.cache.GetIfPresent(model)
	return r, ok, nil
}

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		Pricing struct {
			Prompt            string `json:"prompt"`
			Completion        string `json:"completion"`
			InternalReasoning string `json:"internal_reasoning"`
			Image             string `json:"image"`
			Request           string `json:"request"`
		} `json:"pricing"`
	} `json:"data"`
}

// refresh fetches the full directory and swaps the cache contents.
func (d *Directory) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return fmt.Errorf("openrouter: create models request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter: fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.ParseAPIError(adapterName, resp)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("openrouter: decode models: %w", err)
	}

	d.cache.InvalidateAll()
	for _, m := range list.Data {
		d.cache.Set(m.ID, Rates{
			Prompt:            parseRate(m.Pricing.Prompt),
			Completion:        parseRate(m.Pricing.Completion),
			InternalReasoning: parseRate(m.Pricing.InternalReasoning),
			Image:             parseRate(m.Pricing.Image),
			Request:           parseRate(m.Pricing.Request),
		})
	}
	return nil
}

// parseRate parses the directory's string-encoded decimal rates.
// Missing or malformed rates read as zero.
func parseRate(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
