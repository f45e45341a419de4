package models

import "time"

// EventKind identifies which source table an event belongs to
type EventKind int

const (
	KindMention EventKind = iota
	KindDirectMessage
)

func (k EventKind) String() string {
	switch k {
	case KindMention:
		return "mention"
	case KindDirectMessage:
		return "direct_message"
	default:
		return "unknown"
	}
}

// Event is the canonical inbound occurrence produced by ingestion
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text"`
	AuthorID     string    `json:"author_id"`
	AuthorHandle string    `json:"author_handle"`
	CreatedAt    time.Time `json:"created_at"` // zero when missing or malformed
	Source       string    `json:"source"`     // "stream" or "poll"
}

// ProcessedRecord is the durable proof that an event was admitted
type ProcessedRecord struct {
	EventID     string    `json:"event_id"`
	Kind        EventKind `json:"kind"`
	AuthorID    string    `json:"author_id"`
	Extra       string    `json:"extra"` // username for mentions, chat type for messages
	ProcessedAt time.Time `json:"processed_at"`
}

// PluginResult is the outcome of a single plugin hook invocation
type PluginResult struct {
	Handled      bool   `json:"handled"`
	ResponseText string `json:"response_text,omitempty"`
	PromptPrefix string `json:"prompt_prefix,omitempty"`
	PluginName   string `json:"plugin_name"`
}

// Role of a conversation turn sent to the completion API
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a completion request
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HistoryMessage is a prior direct message as returned by the social network
type HistoryMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Receipt is returned after a note or message is delivered
type Receipt struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Identity is the bot's own account
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Report is the daily activity summary
type Report struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	Day               string         `json:"day"`
	MentionsToday     int            `json:"mentions_today"`
	MessagesToday     int            `json:"messages_today"`
	MentionsTotal     int            `json:"mentions_total"`
	MessagesTotal     int            `json:"messages_total"`
	PostsToday        int            `json:"posts_today"`
	ErrorStats        map[string]int `json:"error_stats"`
	DatabaseSizeBytes int64          `json:"database_size_bytes"`
}

// Alert represents an urgent notification
type Alert struct {
	Type      string    `json:"type"` // "critical", "warning", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
