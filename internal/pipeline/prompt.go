package pipeline

import (
	"fmt"
	"strings"
	"time"
)

const ellipsis = "..."

// Truncate limits s to max runes, replacing the tail with an ellipsis
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string(r[:max])
	}
	return string(r[:max-len(ellipsis)]) + ellipsis
}

func mentionPrompt(text, handle string) string {
	prompt := "请对以下内容生成一个有见解、友善的回复：\n\n" + text
	if handle != "" {
		prompt += fmt.Sprintf("\n\n（回复给用户：@%s）", handle)
	}
	return prompt
}

// timestampToken changes once a minute
func timestampToken(t time.Time) string {
	return "[" + t.Format("2006-01-02 15:04") + "] "
}

func postPrompt(now time.Time, prefix, context, base string) string {
	var b strings.Builder
	b.WriteString(timestampToken(now))
	b.WriteString(prefix)
	if context != "" {
		fmt.Fprintf(&b, "上下文信息：%s\n\n", context)
	}
	if base != "" {
		fmt.Fprintf(&b, "用户要求：%s\n\n", base)
	}
	b.WriteString("请生成一条有趣、有价值的社交媒体帖子。")
	return b.String()
}
