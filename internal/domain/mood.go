package domain

// ResponseModifiers adjust completion decoding and drive light deterministic
// post-processing of the generated text.
type ResponseModifiers struct {
	TemperatureDelta float64 `json:"temperature_delta"`
	LengthBias       float64 `json:"length_bias"`     // [-1, 1]
	HumorLevel       float64 `json:"humor_level"`     // [0, 1]
	FormalityLevel   float64 `json:"formality_level"` // [0, 1]
}

// Mood is a member of a finite closed set. Selected per request, never
// mutated; Intensity is always in [0, 1].
type Mood struct {
	Name            string            `json:"name"`
	Intensity       float64           `json:"intensity"`
	TriggerKeywords []string          `json:"trigger_keywords,omitempty"`
	Modifiers       ResponseModifiers `json:"modifiers"`
}

const (
	MoodExcited    = "excited"
	MoodSarcastic  = "sarcastic"
	MoodAnalytical = "analytical"
	MoodHelpful    = "helpful"
	MoodNostalgic  = "nostalgic"
	MoodNeutral    = "neutral"
)
