package domain

// PromptVariant is one arm of a prompt A/B test. Allocation percentages
// across a test's variants must sum to exactly 100.
type PromptVariant struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Allocation int    `json:"allocation"`
}

// PromptTest is a deterministic A/B test: assignment is a pure function of
// (test id, user id).
type PromptTest struct {
	ID        string          `json:"id"`
	Variants  []PromptVariant `json:"variants"`
	MinSample int             `json:"min_sample"`
}

// VariantMetrics accumulates per-variant outcomes. Aggregates, not ledgers;
// lost updates under concurrency are tolerated.
type VariantMetrics struct {
	Impressions    int64   `json:"impressions"`
	Engagements    int64   `json:"engagements"`
	QualitySum     float64 `json:"quality_sum"`
	QualityCount   int64   `json:"quality_count"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	Tokens         int64   `json:"tokens"`
	Errors         int64   `json:"errors"`
	Conversions    int64   `json:"conversions"`
}
