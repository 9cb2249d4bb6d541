package domain

import (
	"context"
	"io"
)

// Messenger is the messaging-platform transport. Only AssignChat failures are
// expected to matter to callers; the others are best-effort side effects.
type Messenger interface {
	SendMessage(ctx context.Context, msg OutboundMessage) error
	UpdateChatLabels(ctx context.Context, msg InboundMessage, device Device, labels []string) error
	UpdateChatMetadata(ctx context.Context, msg InboundMessage, device Device, items []MetadataItem) error
	AssignChat(ctx context.Context, msg InboundMessage, device Device, agentID string) error
	PullMembers(ctx context.Context, device Device) ([]TeamMember, error)
	SendTyping(ctx context.Context, msg InboundMessage, device Device) error
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Speaker converts text to an mp3 stream.
type Speaker interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

type Device struct {
	ID      string        `json:"id"`
	Alias   string        `json:"alias,omitempty"`
	Phone   string        `json:"phone"`
	Status  string        `json:"status"`
	Session DeviceSession `json:"session"`
	Billing DeviceBilling `json:"billing"`
}

type DeviceSession struct {
	Status string `json:"status"`
}

type DeviceBilling struct {
	Subscription struct {
		Product string `json:"product"`
	} `json:"subscription"`
}

type TeamMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Status   string `json:"status"`
	Role     string `json:"role"`
	Presence string `json:"presence,omitempty"`
}

type Label struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type MetadataItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
