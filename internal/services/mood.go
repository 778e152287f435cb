package services

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	types "github.com/calliopebot/calliope/internal/domain"
	"github.com/calliopebot/calliope/internal/observability"
	"github.com/calliopebot/calliope/internal/platform/logger"
)

// moodProfile is the static definition of one mood: its trigger vocabulary,
// base intensity and response modifiers.
type moodProfile struct {
	name      string
	triggers  []string
	base      float64
	modifiers types.ResponseModifiers
}

var moodCatalog = []moodProfile{
	{
		name:     types.MoodExcited,
		triggers: []string{"awesome", "amazing", "incredible", "love", "can't wait", "hype", "let's go", "finally"},
		base:     0.8,
		modifiers: types.ResponseModifiers{
			TemperatureDelta: 0.2, LengthBias: 0.2, HumorLevel: 0.7, FormalityLevel: 0.2,
		},
	},
	{
		name:     types.MoodSarcastic,
		triggers: []string{"bug", "broken", "error", "again", "crash", "of course", "typical", "failed"},
		base:     0.7,
		modifiers: types.ResponseModifiers{
			TemperatureDelta: 0.1, LengthBias: -0.2, HumorLevel: 0.8, FormalityLevel: 0.1,
		},
	},
	{
		name:     types.MoodAnalytical,
		triggers: []string{"why", "how does", "explain", "compare", "architecture", "performance", "algorithm", "tradeoff"},
		base:     0.6,
		modifiers: types.ResponseModifiers{
			TemperatureDelta: -0.2, LengthBias: 0.3, HumorLevel: 0.1, FormalityLevel: 0.7,
		},
	},
	{
		name:     types.MoodHelpful,
		triggers: []string{"help", "how do i", "stuck", "question", "advice", "please", "anyone know"},
		base:     0.65,
		modifiers: types.ResponseModifiers{
			TemperatureDelta: -0.1, LengthBias: 0.1, HumorLevel: 0.3, FormalityLevel: 0.5,
		},
	},
	{
		name:     types.MoodNostalgic,
		triggers: []string{"remember", "back then", "used to", "old days", "miss", "classic", "back in"},
		base:     0.5,
		modifiers: types.ResponseModifiers{
			TemperatureDelta: 0.1, LengthBias: 0.2, HumorLevel: 0.4, FormalityLevel: 0.3,
		},
	},
}

var neutralMood = types.Mood{
	Name:      types.MoodNeutral,
	Intensity: 0,
	Modifiers: types.ResponseModifiers{
		TemperatureDelta: 0, LengthBias: 0, HumorLevel: 0.2, FormalityLevel: 0.5,
	},
}

// recencyWindow is how many trailing messages count toward trigger
// confidence.
const recencyWindow = 3

// MoodService derives a response mood from the recent conversation plus the
// current message, and applies it to decoding parameters and generated text.
// DeriveMood is a pure function of its inputs; the only randomness lives in
// PostProcess and is injected.
type MoodService interface {
	DeriveMood(recent []string, current string) types.Mood
	ApplyToParams(mood types.Mood, baseTemp float64, baseMaxTokens int) (float64, int)
	PostProcess(text string, mood types.Mood, rng *rand.Rand) string
}

type moodService struct {
	log     *logger.Logger
	metrics *observability.Metrics
}

func NewMoodService(log *logger.Logger, metrics *observability.Metrics) MoodService {
	return &moodService{log: log.With("service", "MoodService"), metrics: metrics}
}

// DeriveMood scores each mood as trigger occurrences weighted by base
// intensity across the recent texts and the current message, then scales the
// winner's intensity by how concentrated its triggers are in the last few
// messages. No triggers at all yields neutral.
func (s *moodService) DeriveMood(recent []string, current string) types.Mood {
	texts := make([]string, 0, len(recent)+1)
	for _, t := range recent {
		texts = append(texts, strings.ToLower(t))
	}
	if strings.TrimSpace(current) != "" {
		texts = append(texts, strings.ToLower(current))
	}
	if len(texts) == 0 {
		s.metrics.MoodSelected(neutralMood.Name)
		return neutralMood
	}

	recentStart := len(texts) - recencyWindow
	if recentStart < 0 {
		recentStart = 0
	}

	best := neutralMood
	bestScore := 0.0
	for _, p := range moodCatalog {
		total := 0
		recentHits := 0
		for i, text := range texts {
			hits := 0
			for _, kw := range p.triggers {
				hits += strings.Count(text, kw)
			}
			total += hits
			if i >= recentStart {
				recentHits += hits
			}
		}
		if total == 0 {
			continue
		}
		score := float64(total) * p.base
		if score <= bestScore {
			continue
		}
		confidence := float64(recentHits) / float64(total)
		bestScore = score
		best = types.Mood{
			Name:            p.name,
			Intensity:       clamp01(p.base * confidence),
			TriggerKeywords: p.triggers,
			Modifiers:       p.modifiers,
		}
	}

	s.metrics.MoodSelected(best.Name)
	return best
}

// ApplyToParams folds the mood into decoding parameters. Temperature is
// clamped to [0, 1.5]; max tokens scales with the length bias.
func (s *moodService) ApplyToParams(mood types.Mood, baseTemp float64, baseMaxTokens int) (float64, int) {
	temp := baseTemp + mood.Modifiers.TemperatureDelta*mood.Intensity
	if temp < 0 {
		temp = 0
	}
	if temp > 1.5 {
		temp = 1.5
	}
	scale := 1 + 0.5*mood.Modifiers.LengthBias*mood.Intensity
	maxTokens := int(float64(baseMaxTokens) * scale)
	if maxTokens < 64 {
		maxTokens = 64
	}
	return temp, maxTokens
}

var contractionPairs = []struct{ formal, casual string }{
	{"cannot", "can't"},
	{"do not", "don't"},
	{"does not", "doesn't"},
	{"it is", "it's"},
	{"I am", "I'm"},
	{"will not", "won't"},
	{"I will", "I'll"},
	{"that is", "that's"},
}

var humorSuffixes = []string{" 😏", "!", " 😄"}

// PostProcess applies light deterministic edits to the generated text. Low
// formality swaps formal phrasings for contractions; an intense humorous
// mood may append a single emphasis token chosen by the injected rng.
func (s *moodService) PostProcess(text string, mood types.Mood, rng *rand.Rand) string {
	out := text
	if mood.Modifiers.FormalityLevel < 0.3 {
		for _, p := range contractionPairs {
			out = strings.ReplaceAll(out, p.formal, p.casual)
		}
	}
	if rng != nil && mood.Intensity > 0.6 && mood.Modifiers.HumorLevel > 0.6 {
		if rng.Float64() < mood.Intensity*mood.Modifiers.HumorLevel {
			suffix := humorSuffixes[rng.Intn(len(humorSuffixes))]
			if !strings.HasSuffix(out, suffix) {
				out += suffix
			}
		}
	}
	return out
}

// InterjectionGate rate-limits unprompted bot interjections per channel. The
// clock is injected so the gate is testable.
type InterjectionGate struct {
	mu          sync.Mutex
	last        map[string]time.Time
	minInterval time.Duration
	now         func() time.Time
}

func NewInterjectionGate(minInterval time.Duration) *InterjectionGate {
	if minInterval <= 0 {
		minInterval = 5 * time.Minute
	}
	return &InterjectionGate{
		last:        map[string]time.Time{},
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Allow reports whether the channel may receive an interjection now, and
// claims the slot when it may.
func (g *InterjectionGate) Allow(channelID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := g.last[channelID]; ok && now.Sub(last) < g.minInterval {
		return false
	}
	g.last[channelID] = now
	return true
}
