package cost

type (
	// Price is the USD rate per thousand tokens for one provider/model pair.
	Price struct {
		PromptPerK     float64
		CompletionPerK float64
	}

	// PriceLookup resolves the rate for a provider/model pair.
	PriceLookup interface {
		Price(provider, model string) (Price, bool)
		Cost(provider, model string, usage Usage) float64
	}

	// StaticPrices is a fixed rate table keyed by "provider/model".
	StaticPrices struct {
		table    map[string]Price
		fallback Price
	}
)

// NewStaticPrices builds a lookup over the given table. Unknown pairs price
// at fallback.
func NewStaticPrices(table map[string]Price, fallback Price) *StaticPrices {
	cp := make(map[string]Price, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &StaticPrices{table: cp, fallback: fallback}
}

// DefaultPrices returns a table covering the common hosted models, with a
// conservative fallback for anything unlisted.
func DefaultPrices() *StaticPrices {
	return NewStaticPrices(map[string]Price{
		"anthropic/claude-3-5-haiku":  {PromptPerK: 0.0008, CompletionPerK: 0.004},
		"anthropic/claude-sonnet-4":   {PromptPerK: 0.003, CompletionPerK: 0.015},
		"anthropic/claude-opus-4":     {PromptPerK: 0.015, CompletionPerK: 0.075},
		"openai/gpt-4o-mini":          {PromptPerK: 0.00015, CompletionPerK: 0.0006},
		"openai/gpt-4o":               {PromptPerK: 0.0025, CompletionPerK: 0.01},
		"bedrock/amazon.nova-lite-v1": {PromptPerK: 0.00006, CompletionPerK: 0.00024},
	}, Price{PromptPerK: 0.003, CompletionPerK: 0.015})
}

// Price implements PriceLookup.
func (p *StaticPrices) Price(provider, model string) (Price, bool) {
	price, ok := p.table[provider+"/"+model]
	if !ok {
		return p.fallback, false
	}
	return price, true
}

// Cost prices the usage for the pair.
func (p *StaticPrices) Cost(provider, model string, usage Usage) float64 {
	price, _ := p.Price(provider, model)
	return float64(usage.PromptTokens)/1000*price.PromptPerK +
		float64(usage.CompletionTokens)/1000*price.CompletionPerK
}
