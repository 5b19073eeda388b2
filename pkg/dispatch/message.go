package dispatch

import (
	"maps"
	"time"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is the user-visible part of a push.
type Notification struct {
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Sound    string `json:"sound,omitempty"`
	Badge    *int   `json:"badge,omitempty"`
}

// Message is a provider-neutral push payload. Exactly one of Token or Topic is
// set by the sender right before dispatch.
type Message struct {
	Token        string            `json:"-"`
	Topic        string            `json:"-"`
	Notification *Notification     `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Priority     Priority          `json:"priority,omitempty"`
	TTL          time.Duration     `json:"ttl,omitempty"`
	CollapseKey  string            `json:"collapse_key,omitempty"`
}

// ForToken returns an independent copy of m addressed to token.
// m itself is left untouched.
func (m *Message) ForToken(token string) *Message {
	c := m.clone()
	c.Token = token
	c.Topic = ""
	return c
}

// ForTopic returns an independent copy of m addressed to topic.
func (m *Message) ForTopic(topic string) *Message {
	c := m.clone()
	c.Token = ""
	c.Topic = topic
	return c
}

func (m *Message) clone() *Message {
	c := *m
	c.Data = maps.Clone(m.Data)
	if m.Notification != nil {
		n := *m.Notification
		if m.Notification.Badge != nil {
			badge := *m.Notification.Badge
			n.Badge = &badge
		}
		c.Notification = &n
	}
	return &c
}
