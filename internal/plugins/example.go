package plugins

import (
	"context"
	"strings"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/config"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
)

const (
	exampleGreeting     = "你好！我是示例插件，很高兴见到你！"
	exampleChatReply    = "插件系统工作正常！这是来自示例插件的回复。"
	exampleAutoPostText = "这是来自示例插件的自动发布内容！"
)

var greetingWords = []string{"你好", "hello", "hi"}

// ExamplePlugin demonstrates each hook
type ExamplePlugin struct {
	*Base
	greetingEnabled bool
	autoPostEnabled bool
}

func newExamplePlugin(name string, cfg config.PluginConfig, _ Deps) (Handler, error) {
	return &ExamplePlugin{
		Base:            NewBase(name, "示例插件，演示插件系统的基本用法", cfg),
		greetingEnabled: cfg.Bool("greeting_enabled", true),
		autoPostEnabled: cfg.Bool("auto_post_enabled", false),
	}, nil
}

func (p *ExamplePlugin) OnMention(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	if !p.greetingEnabled {
		return nil, nil
	}
	text := strings.ToLower(ev.Text)
	for _, w := range greetingWords {
		if strings.Contains(text, w) {
			return p.reply(exampleGreeting), nil
		}
	}
	return nil, nil
}

func (p *ExamplePlugin) OnMessage(ctx context.Context, ev models.Event) (*models.PluginResult, error) {
	if strings.Contains(ev.Text, "插件") && strings.Contains(ev.Text, "测试") {
		return p.reply(exampleChatReply), nil
	}
	return nil, nil
}

func (p *ExamplePlugin) OnAutoPost(ctx context.Context) (*models.PluginResult, error) {
	if !p.autoPostEnabled {
		return nil, nil
	}
	return p.reply(exampleAutoPostText), nil
}
