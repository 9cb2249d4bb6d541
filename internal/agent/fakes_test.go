package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"wabot/internal/domain"
	"wabot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(c *clock) *store.Store {
	return store.New(store.Options{Now: c.Now})
}

// fakeMessenger records every platform call.
type fakeMessenger struct {
	mu        sync.Mutex
	sent      []domain.OutboundMessage
	labels    [][]string
	metadata  [][]domain.MetadataItem
	assigned  []string
	typing    int
	downloads []string

	members    []domain.TeamMember
	media      []byte
	sendErr    error
	assignErr  error
	membersErr error
}

var _ domain.Messenger = (*fakeMessenger)(nil)

func (f *fakeMessenger) SendMessage(_ context.Context, msg domain.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMessenger) UpdateChatLabels(_ context.Context, _ domain.InboundMessage, _ domain.Device, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, labels)
	return nil
}

func (f *fakeMessenger) UpdateChatMetadata(_ context.Context, _ domain.InboundMessage, _ domain.Device, items []domain.MetadataItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, items)
	return nil
}

func (f *fakeMessenger) AssignChat(_ context.Context, _ domain.InboundMessage, _ domain.Device, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	f.assigned = append(f.assigned, agentID)
	return nil
}

func (f *fakeMessenger) PullMembers(context.Context, domain.Device) ([]domain.TeamMember, error) {
	return f.members, f.membersErr
}

func (f *fakeMessenger) SendTyping(context.Context, domain.InboundMessage, domain.Device) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeMessenger) DownloadMedia(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, id)
	if f.media == nil {
		return nil, errors.New("media not found")
	}
	return f.media, nil
}

func (f *fakeMessenger) Sent() []domain.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OutboundMessage(nil), f.sent...)
}

// fakeProvider replays scripted completions and records each request.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*domain.Completion
	err       error
	requests  []domain.CompletionRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]domain.Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &domain.Completion{Content: "done", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return resp, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func textReply(s string) *domain.Completion {
	return &domain.Completion{Content: s, FinishReason: "stop"}
}

func toolReply(calls ...domain.ToolCall) *domain.Completion {
	return &domain.Completion{ToolCalls: calls, FinishReason: "tool_calls"}
}

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audio io.Reader, _ string) (string, error) {
	f.got, _ = io.ReadAll(audio)
	return f.text, f.err
}

type fakeSpeaker struct {
	audio []byte
	err   error
}

func (f *fakeSpeaker) Synthesize(context.Context, string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.audio)), nil
}

var testDevice = domain.Device{ID: "dev1", Phone: "+10000000000"}

func inbound(body string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         "msg1",
		Body:       body,
		Type:       domain.MessageText,
		FromNumber: "+34600000001",
		Chat: domain.Chat{
			ID:         "34600000001@c.us",
			Type:       domain.ChatTypeDirect,
			FromNumber: "+34600000001",
		},
	}
}
