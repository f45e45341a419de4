package admission

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStore is a mock implementation of Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) IsProcessed(ctx context.Context, kind models.EventKind, eventID string) (bool, error) {
	args := m.Called(ctx, kind, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) MarkProcessed(ctx context.Context, kind models.EventKind, eventID, authorID, extra string) error {
	args := m.Called(ctx, kind, eventID, authorID, extra)
	return args.Error(0)
}

func (m *MockStore) RecentRecords(ctx context.Context, kind models.EventKind, limit int) ([]models.ProcessedRecord, error) {
	args := m.Called(ctx, kind, limit)
	return args.Get(0).([]models.ProcessedRecord), args.Error(1)
}

func newSQLiteGate(t *testing.T, startedAt time.Time) (*Gate, *storage.SQLiteStore) {
	t.Helper()
	store := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return NewGate(store, startedAt, 100), store
}

func mention(id string) models.Event {
	return models.Event{ID: id, Kind: models.KindMention, Text: "hello", AuthorID: "u1", AuthorHandle: "alice"}
}

func TestGate_Admit(t *testing.T) {
	start := time.Now()

	tests := []struct {
		name     string
		event    models.Event
		expected Verdict
		marked   bool
	}{
		{
			name:     "New mention",
			event:    mention("n1"),
			expected: Admitted,
			marked:   true,
		},
		{
			name:     "Missing id",
			event:    models.Event{Kind: models.KindMention, Text: "hi", AuthorID: "u1"},
			expected: Invalid,
		},
		{
			name:     "Mention without author",
			event:    models.Event{ID: "n2", Kind: models.KindMention, Text: "hi"},
			expected: Invalid,
		},
		{
			name:     "Mention without text",
			event:    models.Event{ID: "n3", Kind: models.KindMention, AuthorID: "u1"},
			expected: Invalid,
		},
		{
			name:     "Message without text is still admitted",
			event:    models.Event{ID: "m1", Kind: models.KindDirectMessage, AuthorID: "u1"},
			expected: Admitted,
			marked:   true,
		},
		{
			name: "Created before startup",
			event: models.Event{ID: "n4", Kind: models.KindMention, Text: "old", AuthorID: "u1",
				CreatedAt: start.Add(-time.Hour)},
			expected: Replay,
			marked:   true,
		},
		{
			name:     "Authored by the bot",
			event:    models.Event{ID: "m2", Kind: models.KindDirectMessage, Text: "echo", AuthorID: "bot"},
			expected: SelfAuthored,
			marked:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, store := newSQLiteGate(t, start)
			gate.SetSelfID("bot")
			ctx := context.Background()

			verdict, err := gate.Admit(ctx, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, verdict)

			if tt.event.ID != "" {
				processed, err := store.IsProcessed(ctx, tt.event.Kind, tt.event.ID)
				require.NoError(t, err)
				assert.Equal(t, tt.marked, processed)
			}
		})
	}
}

func TestGate_SecondAdmissionIsDuplicate(t *testing.T) {
	gate, _ := newSQLiteGate(t, time.Now())
	ctx := context.Background()

	verdict, err := gate.Admit(ctx, mention("n1"))
	require.NoError(t, err)
	assert.Equal(t, Admitted, verdict)

	verdict, err = gate.Admit(ctx, mention("n1"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, verdict)

	assert.Equal(t, int64(1), gate.Counts()["admitted"])
	assert.Equal(t, int64(1), gate.Counts()["duplicate"])
}

func TestGate_DurableRecordFromPreviousSession(t *testing.T) {
	gate, store := newSQLiteGate(t, time.Now())
	ctx := context.Background()
	require.NoError(t, store.MarkProcessed(ctx, models.KindDirectMessage, "m1", "u1", "private"))

	verdict, err := gate.Admit(ctx, models.Event{ID: "m1", Kind: models.KindDirectMessage, Text: "hi", AuthorID: "u1"})

	require.NoError(t, err)
	assert.Equal(t, Duplicate, verdict)
}

func TestGate_ConcurrentProducersAdmitOnce(t *testing.T) {
	gate, store := newSQLiteGate(t, time.Now())
	ctx := context.Background()

	const producers = 8
	var wg sync.WaitGroup
	verdicts := make(chan Verdict, producers*10)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ev := mention(fmt.Sprintf("n%d", i))
				if p%2 == 0 {
					ev.Source = "stream"
				} else {
					ev.Source = "poll"
				}
				v, err := gate.Admit(ctx, ev)
				assert.NoError(t, err)
				verdicts <- v
			}
		}(p)
	}
	wg.Wait()
	close(verdicts)

	admitted := 0
	for v := range verdicts {
		if v == Admitted {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted)

	records, err := store.RecentRecords(ctx, models.KindMention, 100)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestGate_FailsClosedOnStoreError(t *testing.T) {
	store := &MockStore{}
	ctx := context.Background()
	store.On("IsProcessed", ctx, models.KindMention, "n1").Return(false, errors.New("disk I/O error"))

	gate := NewGate(store, time.Now(), 10)
	verdict, err := gate.Admit(ctx, mention("n1"))

	assert.Error(t, err)
	assert.Equal(t, Failed, verdict)
	store.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGate_MarkFailureIsNotAdmitted(t *testing.T) {
	store := &MockStore{}
	ctx := context.Background()
	store.On("IsProcessed", ctx, models.KindMention, "n1").Return(false, nil)
	store.On("MarkProcessed", ctx, models.KindMention, "n1", "u1", "alice").Return(errors.New("database is locked"))

	gate := NewGate(store, time.Now(), 10)
	verdict, err := gate.Admit(ctx, mention("n1"))

	assert.Error(t, err)
	assert.Equal(t, Failed, verdict)
	assert.False(t, gate.caches[models.KindMention].Contains("n1"))
}

func TestGate_Warm(t *testing.T) {
	store := &MockStore{}
	ctx := context.Background()
	store.On("RecentRecords", ctx, models.KindMention, 2).Return([]models.ProcessedRecord{
		{EventID: "n3"}, {EventID: "n2"},
	}, nil)
	store.On("RecentRecords", ctx, models.KindDirectMessage, 2).Return([]models.ProcessedRecord{}, nil)

	gate := NewGate(store, time.Now(), 2)
	require.NoError(t, gate.Warm(ctx))

	verdict, err := gate.Admit(ctx, mention("n3"))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, verdict)
	store.AssertNotCalled(t, "IsProcessed", mock.Anything, mock.Anything, mock.Anything)
}
