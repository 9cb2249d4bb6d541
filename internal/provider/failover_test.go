package provider

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"wabot/internal/domain"
)

// mockProvider implements domain.Provider for testing.
type mockProvider struct {
	name  string
	err   error
	resp  *domain.Completion
	calls int
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFailoverProvider_UsesFirstProvider(t *testing.T) {
	p1 := &mockProvider{name: "primary", resp: &domain.Completion{Content: "from-primary"}}
	p2 := &mockProvider{name: "secondary", resp: &domain.Completion{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Complete(context.Background(), domain.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-primary" {
		t.Fatalf("expected 'from-primary', got %q", resp.Content)
	}
	if p2.calls != 0 {
		t.Fatalf("secondary should not be called, got %d calls", p2.calls)
	}
}

func TestFailoverProvider_FallsBackOnError(t *testing.T) {
	p1 := &mockProvider{name: "primary", err: errors.New("api error")}
	p2 := &mockProvider{name: "secondary", resp: &domain.Completion{Content: "from-secondary"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	resp, err := fp.Complete(context.Background(), domain.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from-secondary" {
		t.Fatalf("expected 'from-secondary', got %q", resp.Content)
	}
}

func TestFailoverProvider_AllProvidersFail(t *testing.T) {
	last := errors.New("fail 2")
	p1 := &mockProvider{name: "p1", err: errors.New("fail 1")}
	p2 := &mockProvider{name: "p2", err: last}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	_, err := fp.Complete(context.Background(), domain.CompletionRequest{})
	if !errors.Is(err, last) {
		t.Fatalf("expected wrapped last error, got %v", err)
	}
}

func TestFailoverProvider_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p1 := &mockProvider{name: "p1", err: context.Canceled}
	p2 := &mockProvider{name: "p2", resp: &domain.Completion{Content: "late"}}
	fp := NewFailoverProvider([]domain.Provider{p1, p2}, testLogger())

	if _, err := fp.Complete(ctx, domain.CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if p2.calls != 0 {
		t.Fatal("chain should stop once the context is done")
	}
}

func TestFailoverProvider_Empty(t *testing.T) {
	fp := NewFailoverProvider(nil, testLogger())
	if _, err := fp.Complete(context.Background(), domain.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty chain")
	}
}

func TestFailoverProvider_Name(t *testing.T) {
	fp := NewFailoverProvider([]domain.Provider{&mockProvider{name: "a"}, &mockProvider{name: "b"}}, testLogger())
	if name := fp.Name(); name != "failover(a→b)" {
		t.Fatalf("expected 'failover(a→b)', got %q", name)
	}
}

func TestNewOpenAIChain(t *testing.T) {
	cfg := OpenAIConfig{Model: "gpt-4o", Logger: testLogger()}

	if _, ok := NewOpenAIChain(cfg, nil).(*OpenAI); !ok {
		t.Fatal("expected bare client without fallbacks")
	}
	if _, ok := NewOpenAIChain(cfg, []string{"gpt-4o"}).(*OpenAI); !ok {
		t.Fatal("fallback equal to primary should be ignored")
	}

	p := NewOpenAIChain(cfg, []string{"gpt-4o-mini"})
	if p.Name() != "failover(openai:gpt-4o→openai:gpt-4o-mini)" {
		t.Fatalf("unexpected chain %q", p.Name())
	}
}
