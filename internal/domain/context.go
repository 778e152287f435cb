package domain

// ContextWindow is the bundled, budgeted set of messages, summaries and
// profiles handed to the generator. Built fresh per request and cached
// briefly by the assembler.
type ContextWindow struct {
	ChannelID string `json:"channel_id"`
	Query     string `json:"query,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`

	RecentMessages   []*Message              `json:"recent_messages"`
	RelevantMessages []ScoredMessage         `json:"relevant_messages"`
	ThreadMessages   []*Message              `json:"thread_messages,omitempty"`
	ThreadRelated    []*Message              `json:"thread_related,omitempty"`
	Summaries        []*ConversationSummary  `json:"summaries,omitempty"`
	Profiles         map[string]*UserProfile `json:"profiles,omitempty"`

	// Formatted is the token-budgeted prompt text for all included sections.
	Formatted string `json:"formatted"`

	TokenEstimate int     `json:"token_estimate"`
	MessageCount  int     `json:"message_count"`
	QualityScore  float64 `json:"quality_score"`
}

// EmptyContextWindow is the minimal valid window returned when assembly fails
// unexpectedly. The caller still produces a response from it.
func EmptyContextWindow(channelID, query, threadID string) *ContextWindow {
	return &ContextWindow{
		ChannelID:        channelID,
		Query:            query,
		ThreadID:         threadID,
		RecentMessages:   []*Message{},
		RelevantMessages: []ScoredMessage{},
	}
}
