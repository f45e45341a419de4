package storage

import (
	"context"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
)

// DedupStore records which events have already been processed
type DedupStore interface {
	IsProcessed(ctx context.Context, kind models.EventKind, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, kind models.EventKind, eventID, authorID, extra string) error
	RecentRecords(ctx context.Context, kind models.EventKind, limit int) ([]models.ProcessedRecord, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
	Compact(ctx context.Context) error
	Statistics(ctx context.Context) (*Stats, error)
	Close() error
}

// ArchiveInterface defines the contract for off-host backup storage
type ArchiveInterface interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Stats summarizes the dedup store contents
type Stats struct {
	MentionsTotal int   `json:"mentions_total"`
	MentionsToday int   `json:"mentions_today"`
	MessagesTotal int   `json:"messages_total"`
	MessagesToday int   `json:"messages_today"`
	SizeBytes     int64 `json:"size_bytes"`
}
