package misskey

import (
	"encoding/json"
	"time"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// ChatMessageTypes are the streaming body types that carry a direct message
var ChatMessageTypes = map[string]bool{
	"messaging_message": true,
	"messagingMessage":  true,
	"message":           true,
	"chat":              true,
}

// NormalizeNote converts a raw note that mentions the bot into an Event
func NormalizeNote(raw map[string]any, source string) models.Event {
	ev := models.Event{
		ID:        stringField(raw, "id"),
		Kind:      models.KindMention,
		Text:      stringField(raw, "text"),
		CreatedAt: timeField(raw, "createdAt"),
		Source:    source,
	}
	if user, ok := raw["user"].(map[string]any); ok {
		ev.AuthorID = stringField(user, "id")
		ev.AuthorHandle = stringField(user, "username")
	}
	return ev
}

// NormalizeChatMessage converts a raw direct message into an Event. Instances
// disagree on field names, so every known alias is tried.
func NormalizeChatMessage(raw map[string]any, source string) models.Event {
	ev := models.Event{
		ID:        stringField(raw, "id"),
		Kind:      models.KindDirectMessage,
		Text:      stringField(raw, "text", "content", "body"),
		AuthorID:  stringField(raw, "userId", "user_id", "fromUserId", "from_user_id"),
		CreatedAt: timeField(raw, "createdAt", "created_at"),
		Source:    source,
	}
	for _, key := range []string{"user", "sender", "fromUser"} {
		obj, ok := raw[key].(map[string]any)
		if !ok {
			continue
		}
		if ev.AuthorID == "" {
			ev.AuthorID = stringField(obj, "id")
		}
		if ev.AuthorHandle == "" {
			ev.AuthorHandle = stringField(obj, "username")
		}
	}
	return ev
}

// ParseStreamPayload extracts an Event from one streaming frame. ok is false
// for frames that are not mentions or direct messages.
func ParseStreamPayload(data []byte) (models.Event, bool) {
	var frame struct {
		Type string `json:"type"`
		Body struct {
			ID   string         `json:"id"`
			Type string         `json:"type"`
			Body map[string]any `json:"body"`
		} `json:"body"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		logrus.Debugf("Dropping unparseable stream frame: %v", err)
		return models.Event{}, false
	}
	if frame.Type != "channel" {
		logrus.Debugf("Ignoring stream frame of type %q", frame.Type)
		return models.Event{}, false
	}
	if len(frame.Body.Body) == 0 {
		logrus.Debugf("Ignoring %q frame with empty body", frame.Body.Type)
		return models.Event{}, false
	}

	switch {
	case frame.Body.Type == "mention":
		return NormalizeNote(frame.Body.Body, "stream"), true
	case ChatMessageTypes[frame.Body.Type]:
		return NormalizeChatMessage(frame.Body.Body, "stream"), true
	default:
		logrus.Debugf("Ignoring channel event %q", frame.Body.Type)
		return models.Event{}, false
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// timeField returns the zero time when the value is missing or malformed
func timeField(m map[string]any, keys ...string) time.Time {
	s := stringField(m, keys...)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
