package agent

import (
	"context"
	"testing"
	"time"

	"wabot/internal/domain"
)

func newTestQuota(c *clock, m *fakeMessenger, max int) *QuotaGuard {
	return NewQuotaGuard(QuotaConfig{
		Store:       newTestStore(c),
		Messenger:   m,
		MaxMessages: max,
		Window:      time.Hour,
		Now:         c.Now,
		Logger:      testLogger(),
	})
}

func TestQuotaGuard_BelowAndAtLimit(t *testing.T) {
	q := newTestQuota(newClock(), &fakeMessenger{}, 3)

	for i := 0; i < 3; i++ {
		if !q.HasQuota("c1") {
			t.Fatalf("expected quota after %d replies", i)
		}
		if _, ok := q.TryCharge("c1"); !ok {
			t.Fatalf("expected charge %d to succeed", i+1)
		}
	}
	if q.HasQuota("c1") {
		t.Fatal("expected no quota at the limit")
	}
	if n, ok := q.TryCharge("c1"); ok || n != 3 {
		t.Fatalf("expected refused charge at 3, got %d %v", n, ok)
	}
	if !q.HasQuota("c2") {
		t.Fatal("quota must be tracked per chat")
	}
}

func TestQuotaGuard_HasQuotaDoesNotCharge(t *testing.T) {
	q := newTestQuota(newClock(), &fakeMessenger{}, 1)
	for i := 0; i < 5; i++ {
		q.HasQuota("c1")
	}
	if !q.HasQuota("c1") {
		t.Fatal("checking quota must not consume it")
	}
}

func TestQuotaGuard_WindowReset(t *testing.T) {
	c := newClock()
	q := newTestQuota(c, &fakeMessenger{}, 2)
	q.HasQuota("c1")
	q.TryCharge("c1")
	q.TryCharge("c1")

	c.Advance(time.Hour)
	if q.HasQuota("c1") {
		t.Fatal("window boundary is exclusive")
	}
	c.Advance(time.Second)
	if !q.HasQuota("c1") {
		t.Fatal("expected quota after the window elapsed")
	}
	if n, _ := q.TryCharge("c1"); n != 1 {
		t.Fatalf("expected count restarted at 1, got %d", n)
	}
}

func TestQuotaGuard_MarkExhausted(t *testing.T) {
	c := newClock()
	m := &fakeMessenger{}
	q := newTestQuota(c, m, 1)

	q.MarkExhausted(context.Background(), inbound("hi"), testDevice)
	if len(m.metadata) != 1 {
		t.Fatalf("expected one metadata update, got %d", len(m.metadata))
	}
	item := m.metadata[0][0]
	if item.Key != QuotaExceededKey || item.Value != c.Now().Format(time.RFC3339) {
		t.Fatalf("unexpected metadata %+v", item)
	}

	chat := domain.Chat{Metadata: map[string]any{QuotaExceededKey: item.Value}}
	if !q.Exhausted(chat) {
		t.Fatal("expected flagged chat to be exhausted")
	}
	if q.Exhausted(domain.Chat{}) {
		t.Fatal("chat without metadata is not exhausted")
	}
}
