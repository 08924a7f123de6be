package agent

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Pricing holds per-million-token USD prices for one model.
type Pricing struct {
	Input        float64
	CacheWrite5m float64
	CacheWrite1h float64
	CacheRead    float64
	Output       float64
}

const pricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

var (
	pricingOnce  sync.Once
	pricingTable map[string]Pricing
)

// fallbackPricing covers the models the driver is normally run with, used
// when the metadata fetch fails. Prices are USD per million tokens.
var fallbackPricing = map[string]Pricing{
	"claude-opus-4":     {Input: 15, CacheWrite5m: 18.75, CacheWrite1h: 30, CacheRead: 1.5, Output: 75},
	"claude-sonnet-4":   {Input: 3, CacheWrite5m: 3.75, CacheWrite1h: 6, CacheRead: 0.3, Output: 15},
	"claude-3-5-haiku":  {Input: 0.8, CacheWrite5m: 1, CacheWrite1h: 1.6, CacheRead: 0.08, Output: 4},
	"claude-3-5-sonnet": {Input: 3, CacheWrite5m: 3.75, CacheWrite1h: 6, CacheRead: 0.3, Output: 15},
}

// prices returns the read-only pricing table, fetching model metadata at
// most once per process and falling back to the built-in table.
func prices() map[string]Pricing {
	pricingOnce.Do(func() {
		pricingTable = fetchPricing()
		if pricingTable == nil {
			pricingTable = fallbackPricing
		}
	})
	return pricingTable
}

func fetchPricing() map[string]Pricing {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(pricingURL)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var raw map[string]struct {
		InputCostPerToken              float64 `json:"input_cost_per_token"`
		OutputCostPerToken             float64 `json:"output_cost_per_token"`
		CacheCreationInputTokenCost    float64 `json:"cache_creation_input_token_cost"`
		CacheCreationInputTokenCost1Hr float64 `json:"cache_creation_input_token_cost_above_1hr"`
		CacheReadInputTokenCost        float64 `json:"cache_read_input_token_cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil
	}
	table := make(map[string]Pricing, len(raw))
	for model, p := range raw {
		table[model] = Pricing{
			Input:        p.InputCostPerToken * 1e6,
			CacheWrite5m: p.CacheCreationInputTokenCost * 1e6,
			CacheWrite1h: p.CacheCreationInputTokenCost1Hr * 1e6,
			CacheRead:    p.CacheReadInputTokenCost * 1e6,
			Output:       p.OutputCostPerToken * 1e6,
		}
	}
	return table
}

// lookupPricing resolves a model id against the table, tolerating dated
// suffixes and provider prefixes. ok is false for unknown models; their
// cost contribution is zero by policy.
func lookupPricing(model string) (Pricing, bool) {
	table := prices()
	if p, ok := table[model]; ok {
		return p, true
	}
	for key, p := range table {
		base := key
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if strings.HasPrefix(model, base) || strings.HasPrefix(base, model) {
			return p, true
		}
	}
	return Pricing{}, false
}

// cost computes the USD cost of usage, returning the total and the list of
// models missing from the pricing table.
func cost(usage map[string]*TokenUsage) (float64, []string) {
	var total float64
	var unknown []string
	for model, u := range usage {
		p, ok := lookupPricing(model)
		if !ok {
			unknown = append(unknown, model)
			continue
		}
		total += (float64(u.Input)*p.Input +
			float64(u.CacheCreation5m)*p.CacheWrite5m +
			float64(u.CacheCreation1h)*p.CacheWrite1h +
			float64(u.CacheRead)*p.CacheRead +
			float64(u.Output)*p.Output) / 1e6
	}
	return total, unknown
}
