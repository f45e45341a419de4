package misskey

import (
	"context"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
)

// API defines the contract for the social network client
type API interface {
	FetchMentions(ctx context.Context, limit int) ([]models.Event, error)
	FetchRecentChatMessages(ctx context.Context, limit int) ([]models.Event, error)
	FetchMessageHistory(ctx context.Context, userID string, limit int) ([]models.HistoryMessage, error)
	PostNote(ctx context.Context, text, visibility, replyToID string) (*models.Receipt, error)
	SendDirectMessage(ctx context.Context, userID, text string) (*models.Receipt, error)
	GetSelfIdentity(ctx context.Context) (*models.Identity, error)
	OpenEventStream(ctx context.Context, onEvent func(models.Event)) error
}
