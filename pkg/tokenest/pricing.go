package tokenest

import "math"

// modelPrice is USD per 1K tokens.
type modelPrice struct {
	input  float64
	output float64
}

// priceTable holds static per-model pricing, USD per 1K tokens.
// Updated: January 2024.
var priceTable = map[string]modelPrice{
	"gpt-3.5-turbo":       {input: 0.0005, output: 0.0015},
	"gpt-3.5-turbo-0125":  {input: 0.0005, output: 0.0015},
	"gpt-3.5-turbo-1106":  {input: 0.001, output: 0.002},
	"gpt-4":               {input: 0.03, output: 0.06},
	"gpt-4-0613":          {input: 0.03, output: 0.06},
	"gpt-4-turbo":         {input: 0.01, output: 0.03},
	"gpt-4-turbo-preview": {input: 0.01, output: 0.03},
	"gpt-4-1106-preview":  {input: 0.01, output: 0.03},
	"gpt-4o":              {input: 0.005, output: 0.015},
	"gpt-4o-mini":         {input: 0.00015, output: 0.0006},
	"claude-3-opus":       {input: 0.015, output: 0.075},
	"claude-3-sonnet":     {input: 0.003, output: 0.015},
	"claude-3-haiku":      {input: 0.00025, output: 0.00125},
}

// defaultPriceModel is the rate applied to models missing from the table.
const defaultPriceModel = "gpt-3.5-turbo"

// EstimateCost prices an exchange from token counts. Unknown models fall
// back to the default rate and the result is flagged so callers can
// distinguish real from fallback pricing.
func EstimateCost(tokensIn, tokensOut int, model string) CostEstimate {
	price, ok := priceTable[model]
	if !ok {
		price = priceTable[defaultPriceModel]
	}

	costIn := float64(tokensIn) / 1000 * price.input
	costOut := float64(tokensOut) / 1000 * price.output

	return CostEstimate{
		TokensIn:       tokensIn,
		TokensOut:      tokensOut,
		CostUSD:        roundUSD(costIn + costOut),
		Model:          model,
		DefaultPricing: !ok,
	}
}

// roundUSD rounds to 8 decimal places, enough for sub-cent per-1K rates.
func roundUSD(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
