package domain

import "time"

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageAudio    MessageType = "audio"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageLocation MessageType = "location"
	MessageContacts MessageType = "contacts"
)

// ChatTypeDirect tags one-to-one conversations. Groups and channels carry other tags.
const ChatTypeDirect = "chat"

// InboundMessage is a single message received through the webhook.
type InboundMessage struct {
	ID         string      `json:"id"`
	Body       string      `json:"body"`
	Type       MessageType `json:"type"`
	FromNumber string      `json:"fromNumber"`
	Chat       Chat        `json:"chat"`
	Media      *Media      `json:"media,omitempty"`
	Timestamp  int64       `json:"timestamp"`
}

// ReceivedAt converts the platform's unix timestamp.
func (m InboundMessage) ReceivedAt() time.Time {
	if m.Timestamp <= 0 {
		return time.Time{}
	}
	return time.Unix(m.Timestamp, 0)
}

type Chat struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	FromNumber string         `json:"fromNumber"`
	Labels     []string       `json:"labels,omitempty"`
	Owner      *ChatOwner     `json:"owner,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Assigned reports whether a human agent owns the chat.
func (c Chat) Assigned() bool {
	return c.Owner != nil && c.Owner.Agent != ""
}

type ChatOwner struct {
	Agent string `json:"agent"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

type OutboundMessage struct {
	Phone     string         `json:"phone"`
	Message   string         `json:"message,omitempty"`
	Device    string         `json:"device,omitempty"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Reference string         `json:"reference,omitempty"`
}

type OutboundMedia struct {
	URL string `json:"url"`
}

// Turn is one stored entry of a chat's conversation history.
type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}
