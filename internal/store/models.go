// Package store is the sqlite-backed knowledge store. All persistent
// state lives here: conversation log, search logs, the per-user
// knowledge graph (entities, facts, engagements, preferences), news
// events and their follow subscriptions, learn prompts, and research
// tasks. Rows refer to each other by integer id only.
package store

import "time"

// Message directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is one chat message in either direction.
type Message struct {
	ID         int64
	User       string
	Direction  string
	Sender     string
	Content    string
	ParentID   *int64  // set on replies and reactions
	ExternalID *string // platform message id, set on outgoing sends
	IsReaction bool
	Processed  bool
	CreatedAt  time.Time
}

// Search triggers recorded on search logs.
const (
	TriggerUserMessage     = "user_message"
	TriggerPennyEnrichment = "penny_enrichment"
	TriggerLearnCommand    = "learn_command"
)

// SearchLog records one external search and its response text.
type SearchLog struct {
	ID            int64
	User          string
	Query         string
	Response      string
	Trigger       string
	LearnPromptID *int64
	Extracted     bool
	CreatedAt     time.Time
}

// Learn prompt lifecycle states.
const (
	LearnStatusActive    = "active"
	LearnStatusCompleted = "completed"
)

// LearnPrompt is a user-initiated deep-research request with a fixed
// search budget.
type LearnPrompt struct {
	ID                int64
	User              string
	Prompt            string
	Status            string
	SearchesRemaining int
	AnnouncedAt       *time.Time
	CreatedAt         time.Time
}

// Entity is a node in the per-user knowledge graph. Name is canonical
// lowercase; (User, Name) is unique.
type Entity struct {
	ID             int64
	User           string
	Name           string
	Tagline        string
	Embedding      []float32
	Heat           float64
	HeatCooldown   int
	LastEnrichedAt *time.Time
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
}

// Fact is one piece of knowledge about an entity. Facts persist as
// individual rows, never merged arrays.
type Fact struct {
	ID                int64
	EntityID          int64
	Content           string
	Embedding         []float32
	SourceSearchLogID *int64
	SourceMessageID   *int64
	LearnedAt         time.Time
	NotifiedAt        *time.Time
}

// Engagement types.
const (
	EngagementUserSearch        = "user_search"
	EngagementMessageMention    = "message_mention"
	EngagementEmojiReaction     = "emoji_reaction"
	EngagementExplicitStatement = "explicit_statement"
	EngagementSearchDiscovery   = "search_discovery"
)

// Engagement valences.
const (
	ValencePositive = "positive"
	ValenceNeutral  = "neutral"
	ValenceNegative = "negative"
)

// Engagement is an append-only interest signal.
type Engagement struct {
	ID              int64
	User            string
	EntityID        *int64
	Type            string
	Valence         string
	Strength        float64 // 0..1
	SourceMessageID *int64
	CreatedAt       time.Time
}

// Preference types.
const (
	PreferenceLike    = "like"
	PreferenceDislike = "dislike"
)

// Preference is a liked or disliked topic. A topic appears in exactly
// one of like/dislike per user.
type Preference struct {
	ID        int64
	User      string
	Topic     string // short lowercase phrase
	Type      string
	Embedding []float32
	CreatedAt time.Time
}

// Event is one news item materialized for a follow prompt.
type Event struct {
	ID             int64
	User           string
	Headline       string
	Summary        string
	OccurredAt     time.Time
	SourceURL      string
	ExternalID     string // URL-derived dedup key
	Embedding      []float32
	NotifiedAt     *time.Time
	FollowPromptID int64
	CreatedAt      time.Time
}

// FollowPrompt is a persistent news subscription with cron timing.
type FollowPrompt struct {
	ID             int64
	User           string
	Topic          string
	QueryTerms     []string
	CronExpr       string
	Timezone       string
	Active         bool
	LastPolledAt   *time.Time
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
}

// UserInfo holds per-user profile data. Timezone is derived from
// location on write.
type UserInfo struct {
	User        string
	Name        string
	Location    string
	Timezone    string
	DateOfBirth string
}

// Research task states.
const (
	ResearchAwaitingFocus = "awaiting_focus"
	ResearchInProgress    = "in_progress"
	ResearchCompleted     = "completed"
	ResearchFailed        = "failed"
	ResearchPending       = "pending"
)

// ResearchTask is a multi-iteration research job bound to a thread.
type ResearchTask struct {
	ID            int64
	User          string
	ThreadID      string
	Topic         string
	Focus         string
	Status        string
	MaxIterations int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResearchIteration is one stored step of a research task.
type ResearchIteration struct {
	ID        int64
	TaskID    int64
	Number    int
	Content   string
	Sources   []string
	CreatedAt time.Time
}
