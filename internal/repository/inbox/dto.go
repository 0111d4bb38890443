package inbox

import (
	"encoding/json"
	"time"

	"github.com/duetware/budgetd/internal/domain"
)

func buildHashFields(msg domain.Message) map[string]string {
	m := map[string]string{
		"id":         msg.ID,
		"from":       msg.From,
		"to":         msg.To,
		"type":       string(msg.Type),
		"priority":   string(msg.Priority),
		"title":      msg.Title,
		"body":       msg.Body,
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		"read":       "0",
	}
	if msg.Read {
		m["read"] = "1"
	}
	if !msg.ExpiresAt.IsZero() {
		m["expires_at"] = msg.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if len(msg.Metadata) > 0 {
		if data, err := json.Marshal(msg.Metadata); err == nil {
			m["metadata"] = string(data)
		}
	}
	return m
}

func parseHashFields(m map[string]string) domain.Message {
	msg := domain.Message{
		ID:       m["id"],
		From:     m["from"],
		To:       m["to"],
		Type:     domain.MessageType(m["type"]),
		Priority: domain.Priority(m["priority"]),
		Title:    m["title"],
		Body:     m["body"],
		Read:     m["read"] == "1",
	}
	if t, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
		msg.CreatedAt = t
	}
	if v, ok := m["expires_at"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.ExpiresAt = t
		}
	}
	if v, ok := m["metadata"]; ok {
		var meta map[string]string
		if err := json.Unmarshal([]byte(v), &meta); err == nil {
			msg.Metadata = meta
		}
	}
	return msg
}
