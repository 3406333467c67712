package model

// Microcredits is the fixed-point unit for all credit arithmetic.
// One credit equals 1_000_000 microcredits. Keeping amounts integral makes
// partial-failure accounting exact and avoids silent float drift at the
// token-rate boundary.
type Microcredits int64

// MicrocreditsPerCredit is the fixed-point scale.
const MicrocreditsPerCredit = 1_000_000

// Credits converts to whole-credit float for display/logging only. Never use
// the float form for accounting.
func (m Microcredits) Credits() float64 {
	return float64(m) / MicrocreditsPerCredit
}

// Rate defines microcredit cost per 1M tokens for input/output legs of a model.
type Rate struct {
	InputPerMTok  Microcredits
	OutputPerMTok Microcredits
}

// defaultRates provides built-in per-1M-token rates (text tokens) keyed by
// model name. Overridable at wiring time via RateTable.
var defaultRates = map[string]Rate{
	"gemini-2.5-flash":      {InputPerMTok: 300_000, OutputPerMTok: 2_500_000},
	"gemini-2.5-flash-lite": {InputPerMTok: 100_000, OutputPerMTok: 400_000},
}

// RateTable resolves a model name to its published rate.
type RateTable map[string]Rate

// DefaultRateTable returns a copy of the built-in rates.
func DefaultRateTable() RateTable {
	t := make(RateTable, len(defaultRates))
	for k, v := range defaultRates {
		t[k] = v
	}
	return t
}

// Resolve returns the rate for a model, falling back to zero pricing for
// unknown models so an unpriced model never produces a charge.
func (t RateTable) Resolve(model string) Rate {
	if r, ok := t[model]; ok {
		return r
	}
	return Rate{}
}

// tokenCost converts a token count to microcredits at a per-1M rate,
// rounding half up. Partial tokens are never charged because the input is
// already an integral token count.
func tokenCost(tokens int, perMTok Microcredits) Microcredits {
	if tokens <= 0 || perMTok <= 0 {
		return 0
	}
	n := int64(tokens) * int64(perMTok)
	return Microcredits((n + 500_000) / 1_000_000)
}

// CreditCost converts token usage to microcredits using per-1M rates.
// Input and output legs are rounded independently so the charge for each leg
// matches what a per-leg invoice would show.
func CreditCost(promptTokens, completionTokens int, r Rate) Microcredits {
	return tokenCost(promptTokens, r.InputPerMTok) + tokenCost(completionTokens, r.OutputPerMTok)
}

// Expected output-token ceilings per complexity tier, used for affordability
// estimates and worst-case hold sizing.
var complexityTokenCeiling = map[Complexity]int{
	ComplexityTrivial:  512,
	ComplexityStandard: 2048,
	ComplexityComplex:  8192,
}

// EstimateTokens approximates the token count of a text fragment when the
// provider has not reported usage yet. Four characters per token is the
// conventional approximation for latin-heavy text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len([]rune(text))
	return (n + 3) / 4
}

// EstimateCost sizes the worst-case spend for a request: the full prompt as
// input plus the complexity tier's output ceiling. Holds created from this
// estimate always cover the realised charge of a complete stream.
func EstimateCost(promptText string, tier Complexity, r Rate) Microcredits {
	out, ok := complexityTokenCeiling[tier]
	if !ok {
		out = complexityTokenCeiling[ComplexityStandard]
	}
	return CreditCost(EstimateTokens(promptText), out, r)
}
