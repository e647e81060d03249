package usage

import (
	"context"

	"github.com/nugget/taskloop/internal/config"
)

// Pricing maps model names to their per-million-token prices.
type Pricing map[string]config.PricingEntry

// Cost prices one call. Models missing from the table, local Ollama
// models in practice, cost nothing.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	entry, ok := p[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*entry.InputPerMillion +
		float64(outputTokens)/1e6*entry.OutputPerMillion
}

// Recorder prices each model call and appends it to a [Store]. It
// satisfies the execution loop's usage hook.
type Recorder struct {
	store       *Store
	pricing     Pricing
	providerFor func(model string) string
}

// NewRecorder creates a recorder. providerFor maps a model name to its
// provider; nil records every call as "ollama".
func NewRecorder(store *Store, pricing Pricing, providerFor func(string) string) *Recorder {
	if providerFor == nil {
		providerFor = func(string) string { return "ollama" }
	}
	return &Recorder{store: store, pricing: pricing, providerFor: providerFor}
}

// RecordUsage records one model call.
func (r *Recorder) RecordUsage(ctx context.Context, taskID, conversationID, model string, inputTokens, outputTokens int) error {
	return r.store.Record(ctx, Record{
		TaskID:         taskID,
		ConversationID: conversationID,
		Model:          model,
		Provider:       r.providerFor(model),
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostUSD:        r.pricing.Cost(model, inputTokens, outputTokens),
	})
}
