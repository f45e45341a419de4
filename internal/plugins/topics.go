package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

var defaultTopics = []string{
	"科技", "生活", "学习", "思考", "创新",
	"艺术", "音乐", "电影", "读书", "旅行",
	"美食", "健康", "运动", "自然", "哲学",
}

const (
	fallbackTopic         = "生活"
	defaultPrefixTemplate = "以{topic}为主题，"

	createTopicsTable = `CREATE TABLE IF NOT EXISTS topics_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		last_used_line INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// TopicsPlugin rotates through a topic list for auto-posts. The position
// survives restarts in the topics_usage table.
type TopicsPlugin struct {
	*Base
	store          TableStore
	prefixTemplate string
	startLine      int
	topicsFile     string

	mu     sync.Mutex
	topics []string
}

func newTopicsPlugin(name string, cfg config.PluginConfig, deps Deps) (Handler, error) {
	if deps.Store == nil {
		return nil, errors.New("topics plugin needs a store")
	}
	p := &TopicsPlugin{
		Base:           NewBase(name, "主题插件，为自动发帖插入按顺序循环的主题关键词", cfg),
		store:          deps.Store,
		prefixTemplate: cfg.String("prefix_template", defaultPrefixTemplate),
		startLine:      cfg.Int("start_line", 1),
		topicsFile:     cfg.String("topics_file", ""),
	}
	if list, ok := cfg.Settings["topics"].([]any); ok {
		for _, v := range list {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				p.topics = append(p.topics, s)
			}
		}
	}
	return p, nil
}

func (p *TopicsPlugin) Initialize(ctx context.Context) error {
	if err := p.store.Exec(ctx, createTopicsTable); err != nil {
		return fmt.Errorf("failed to create topics table: %w", err)
	}
	count, _, err := p.store.QueryInt(ctx, "SELECT COUNT(*) FROM topics_usage")
	if err != nil {
		return fmt.Errorf("failed to read topics table: %w", err)
	}
	if count == 0 {
		initial := p.startLine - 1
		if initial < 0 {
			initial = 0
		}
		if err := p.store.Exec(ctx, "INSERT INTO topics_usage (last_used_line) VALUES (?)", initial); err != nil {
			return fmt.Errorf("failed to seed topics table: %w", err)
		}
	}

	p.loadTopics()
	logrus.WithField("plugin", p.Name()).Infof("Loaded %d topics", len(p.topics))
	return nil
}

func (p *TopicsPlugin) loadTopics() {
	if p.topicsFile != "" {
		data, err := os.ReadFile(p.topicsFile)
		if err != nil {
			logrus.WithField("plugin", p.Name()).Warnf("Failed to read topics file %s: %v", p.topicsFile, err)
		} else {
			var topics []string
			for _, line := range strings.Split(string(data), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					topics = append(topics, line)
				}
			}
			if len(topics) > 0 {
				p.topics = topics
			}
		}
	}
	if len(p.topics) == 0 {
		p.topics = append([]string(nil), defaultTopics...)
	}
}

// NextTopic returns the topic at the stored position and advances it
func (p *TopicsPlugin) NextTopic(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.topics) == 0 {
		return fallbackTopic
	}

	last, _, err := p.store.QueryInt(ctx, "SELECT last_used_line FROM topics_usage ORDER BY id DESC LIMIT 1")
	if err != nil {
		logrus.WithField("plugin", p.Name()).Warnf("Failed to read topic position: %v", err)
		return p.topics[0]
	}

	topic := p.topics[int(last%int64(len(p.topics)))]
	if err := p.store.Exec(ctx,
		"UPDATE topics_usage SET last_used_line = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		last+1); err != nil {
		logrus.WithField("plugin", p.Name()).Warnf("Failed to advance topic position: %v", err)
	}
	logrus.WithField("plugin", p.Name()).Infof("Selected topic %s (line %d)", topic, last+1)
	return topic
}

func (p *TopicsPlugin) OnAutoPost(ctx context.Context) (*models.PluginResult, error) {
	topic := p.NextTopic(ctx)
	return p.prefix(strings.ReplaceAll(p.prefixTemplate, "{topic}", topic)), nil
}
