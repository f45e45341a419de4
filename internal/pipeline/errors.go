package pipeline

import (
	"sync"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
)

const (
	msgRateLimit    = "抱歉，请求过于频繁，请稍后再试。"
	msgAuth         = "抱歉，服务配置有误，请联系管理员。"
	msgUnavailable  = "抱歉，AI服务暂时不可用，请稍后再试。"
	msgValidation   = "抱歉，请求参数无效，请检查输入。"
	msgGeneric      = "抱歉，处理您的消息时出现了错误。"
	msgDeliveryFail = "抱歉，回复发送失败，请稍后再试。"

	errorReplyMaxLength = 500
)

// UserMessage maps an error kind to the apology shown to the user
func UserMessage(kind errs.Kind) string {
	switch kind {
	case errs.RateLimit:
		return msgRateLimit
	case errs.Authentication:
		return msgAuth
	case errs.UpstreamUnavailable:
		return msgUnavailable
	case errs.Validation:
		return msgValidation
	default:
		return msgGeneric
	}
}

// ErrorStats counts classified errors by kind
type ErrorStats struct {
	mu     sync.Mutex
	counts map[errs.Kind]int
}

func NewErrorStats() *ErrorStats {
	return &ErrorStats{counts: make(map[errs.Kind]int)}
}

// Record classifies err, counts it and returns its kind
func (s *ErrorStats) Record(err error) errs.Kind {
	kind := errs.KindOf(err)
	s.mu.Lock()
	s.counts[kind]++
	s.mu.Unlock()
	return kind
}

// Snapshot returns the counts keyed by kind name
func (s *ErrorStats) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k.String()] = v
	}
	return out
}

// Reset zeroes all counts
func (s *ErrorStats) Reset() {
	s.mu.Lock()
	s.counts = make(map[errs.Kind]int)
	s.mu.Unlock()
}
