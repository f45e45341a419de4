// Package admission decides exactly once per event id whether an inbound
// event gets dispatched.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// Verdict is the outcome of an admission attempt
type Verdict int

const (
	Admitted Verdict = iota
	Invalid
	Replay
	Duplicate
	SelfAuthored
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case Invalid:
		return "invalid"
	case Replay:
		return "replay"
	case Duplicate:
		return "duplicate"
	case SelfAuthored:
		return "self_authored"
	default:
		return "failed"
	}
}

// Store is the durable half of the dedup check
type Store interface {
	IsProcessed(ctx context.Context, kind models.EventKind, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, kind models.EventKind, eventID, authorID, extra string) error
	RecentRecords(ctx context.Context, kind models.EventKind, limit int) ([]models.ProcessedRecord, error)
}

// Gate admits each event id at most once across every ingestion path
type Gate struct {
	store     Store
	startedAt time.Time
	caches    map[models.EventKind]*RecentIDCache

	// mu spans cache check, durable check and mark so two producers can
	// never both pass the checks for the same id
	mu     sync.Mutex
	selfID string

	counts [Failed + 1]atomic.Int64
}

// NewGate creates a gate that treats events created before startedAt as replays
func NewGate(store Store, startedAt time.Time, cacheSize int) *Gate {
	return &Gate{
		store:     store,
		startedAt: startedAt,
		caches: map[models.EventKind]*RecentIDCache{
			models.KindMention:       NewRecentIDCache(cacheSize),
			models.KindDirectMessage: NewRecentIDCache(cacheSize),
		},
	}
}

// SetSelfID records the bot's own account id for self-loop detection
func (g *Gate) SetSelfID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = id
}

// Warm loads the most recent durable records of each kind into the caches
func (g *Gate) Warm(ctx context.Context) error {
	for kind, cache := range g.caches {
		records, err := g.store.RecentRecords(ctx, kind, cache.Capacity())
		if err != nil {
			return fmt.Errorf("failed to warm %s cache: %w", kind, err)
		}
		// records are newest first; add oldest first so eviction order holds
		for i := len(records) - 1; i >= 0; i-- {
			cache.Add(records[i].EventID)
		}
		logrus.Infof("Loaded %d recent %s ids", len(records), kind)
	}
	return nil
}

// Admit runs the admission checks for ev and, when it passes, durably marks
// it before returning Admitted. An error accompanies Failed only.
func (g *Gate) Admit(ctx context.Context, ev models.Event) (Verdict, error) {
	log := logrus.WithFields(logrus.Fields{"event_id": ev.ID, "kind": ev.Kind.String(), "source": ev.Source})

	if reason := validate(ev); reason != "" {
		log.Warnf("Dropping invalid event: %s", reason)
		return g.count(Invalid), nil
	}

	cache, ok := g.caches[ev.Kind]
	if !ok {
		log.Warn("Dropping event of unknown kind")
		return g.count(Invalid), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !ev.CreatedAt.IsZero() && ev.CreatedAt.Before(g.startedAt) {
		if !cache.Contains(ev.ID) {
			if err := g.mark(ctx, cache, ev); err != nil {
				return g.count(Failed), err
			}
		}
		log.Debug("Event predates startup, marked without dispatch")
		return g.count(Replay), nil
	}

	if cache.Contains(ev.ID) {
		log.Debug("Event already handled this session")
		return g.count(Duplicate), nil
	}

	processed, err := g.store.IsProcessed(ctx, ev.Kind, ev.ID)
	if err != nil {
		log.Errorf("Durable dedup check failed, not admitting: %v", err)
		return g.count(Failed), err
	}
	if processed {
		cache.Add(ev.ID)
		log.Debug("Event already recorded in store")
		return g.count(Duplicate), nil
	}

	if err := g.mark(ctx, cache, ev); err != nil {
		return g.count(Failed), err
	}

	if g.selfID != "" && ev.AuthorID == g.selfID {
		log.Debug("Skipping event authored by the bot")
		return g.count(SelfAuthored), nil
	}

	return g.count(Admitted), nil
}

// mark records ev durably and in the cache; callers hold mu
func (g *Gate) mark(ctx context.Context, cache *RecentIDCache, ev models.Event) error {
	extra := ev.AuthorHandle
	if ev.Kind == models.KindDirectMessage {
		extra = "private"
	}
	if err := g.store.MarkProcessed(ctx, ev.Kind, ev.ID, ev.AuthorID, extra); err != nil {
		return fmt.Errorf("failed to mark %s %s processed: %w", ev.Kind, ev.ID, err)
	}
	cache.Add(ev.ID)
	return nil
}

func (g *Gate) count(v Verdict) Verdict {
	g.counts[v].Add(1)
	return v
}

// Counts returns how many events received each verdict
func (g *Gate) Counts() map[string]int64 {
	out := make(map[string]int64, len(g.counts))
	for v := range g.counts {
		out[Verdict(v).String()] = g.counts[v].Load()
	}
	return out
}

func validate(ev models.Event) string {
	if ev.ID == "" {
		return "missing id"
	}
	if ev.Kind == models.KindMention {
		if ev.AuthorID == "" {
			return "mention without author"
		}
		if ev.Text == "" {
			return "mention without text"
		}
	}
	return ""
}
