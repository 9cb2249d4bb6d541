package store

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(opts Options) (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return New(opts), clock
}

// --- cache ---

func TestCache_SetGet(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.Set("device:default", "dev-1", time.Minute)

	v, ok := s.Get("device:default")
	if !ok || v != "dev-1" {
		t.Fatalf("expected cached 'dev-1', got %v (ok=%v)", v, ok)
	}
}

func TestCache_ExpiresLazily(t *testing.T) {
	s, clock := newTestStore(Options{})
	s.Set("k", 1, time.Minute)

	clock.Advance(time.Minute)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected entry to be absent at expiry")
	}
	s.cacheMu.RLock()
	_, present := s.cache["k"]
	s.cacheMu.RUnlock()
	if present {
		t.Fatal("expired entry should be removed on read")
	}
}

func TestCache_DefaultTTL(t *testing.T) {
	s, clock := newTestStore(Options{CacheTTL: 10 * time.Minute})
	s.Set("k", "v", 0)

	clock.Advance(9 * time.Minute)
	if _, ok := s.Get("k"); !ok {
		t.Fatal("entry should live for the default TTL")
	}
	clock.Advance(time.Minute)
	if _, ok := s.Get("k"); ok {
		t.Fatal("entry should expire after the default TTL")
	}
}

func TestCached_TypeMismatchIsMiss(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.Set("k", "text", time.Minute)

	if _, ok := Cached[int](s, "k"); ok {
		t.Fatal("expected miss for mismatched type")
	}
	got, ok := Cached[string](s, "k")
	if !ok || got != "text" {
		t.Fatalf("expected 'text', got %q", got)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.Set("a", 1, time.Minute)
	s.Set("b", 2, time.Minute)

	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected 'a' deleted")
	}
	s.ClearCache()
	if _, ok := s.Get("b"); ok {
		t.Fatal("expected cache cleared")
	}
}

// --- conversations ---

func TestTurns_InsertionOrderAndCopy(t *testing.T) {
	s, clock := newTestStore(Options{})
	s.AppendTurn("chat-1", "user", "hi")
	clock.Advance(time.Second)
	s.AppendTurn("chat-1", "assistant", "hello")

	turns := s.Turns("chat-1")
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Content != "hi" || turns[1].Content != "hello" {
		t.Fatalf("unexpected order: %+v", turns)
	}

	turns[0].Content = "mutated"
	if s.Turns("chat-1")[0].Content != "hi" {
		t.Fatal("Turns must return a copy")
	}
}

func TestTurns_MaxTurnsPerChat(t *testing.T) {
	s, clock := newTestStore(Options{MaxTurnsPerChat: 3})
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		s.AppendTurn("chat", "user", c)
		clock.Advance(time.Second)
	}

	turns := s.Turns("chat")
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns kept, got %d", len(turns))
	}
	if turns[0].Content != "3" || turns[2].Content != "5" {
		t.Fatalf("expected newest turns kept, got %+v", turns)
	}
}

func TestTurns_TTL(t *testing.T) {
	s, clock := newTestStore(Options{TurnTTL: time.Hour})
	s.AppendTurn("chat", "user", "old")
	clock.Advance(2 * time.Hour)
	s.AppendTurn("chat", "user", "new")

	turns := s.Turns("chat")
	if len(turns) != 1 || turns[0].Content != "new" {
		t.Fatalf("expected only the fresh turn, got %+v", turns)
	}
}

func TestTurns_ConcurrentAppend(t *testing.T) {
	s, _ := newTestStore(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AppendTurn("chat", "user", "x")
		}()
	}
	wg.Wait()
	if got := len(s.Turns("chat")); got != 50 {
		t.Fatalf("expected 50 turns, got %d", got)
	}
}

func TestClearConversation(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.AppendTurn("chat", "user", "x")
	s.ClearConversation("chat")
	if len(s.Turns("chat")) != 0 {
		t.Fatal("expected conversation cleared")
	}
	if s.ConversationCount() != 0 {
		t.Fatalf("expected 0 conversations, got %d", s.ConversationCount())
	}
}

// --- quotas ---

func TestHasQuota_BelowAndAtLimit(t *testing.T) {
	s, _ := newTestStore(Options{})
	const max = 3
	for i := 0; i < max; i++ {
		if !s.HasQuota("chat", max, time.Hour) {
			t.Fatalf("expected quota available at count %d", i)
		}
		s.IncrementMessageCount("chat")
	}
	if s.HasQuota("chat", max, time.Hour) {
		t.Fatal("expected quota exhausted at max")
	}
}

func TestHasQuota_DoesNotIncrement(t *testing.T) {
	s, _ := newTestStore(Options{})
	for i := 0; i < 10; i++ {
		s.HasQuota("chat", 5, time.Hour)
	}
	if got := s.Quota("chat").Messages; got != 0 {
		t.Fatalf("expected count 0, got %d", got)
	}
}

func TestHasQuota_WindowReset(t *testing.T) {
	s, clock := newTestStore(Options{})
	for i := 0; i < 5; i++ {
		s.IncrementMessageCount("chat")
	}
	if s.HasQuota("chat", 5, time.Hour) {
		t.Fatal("expected exhausted before the window elapses")
	}

	clock.Advance(time.Hour)
	if s.HasQuota("chat", 5, time.Hour) {
		t.Fatal("window boundary is exclusive: exactly one window later is still exhausted")
	}

	clock.Advance(time.Second)
	if !s.HasQuota("chat", 5, time.Hour) {
		t.Fatal("expected reset after the window elapsed")
	}
	if got := s.Quota("chat").Messages; got != 0 {
		t.Fatalf("expected count reset to 0, got %d", got)
	}
}

func TestIncrementMessageCount_NoLostUpdates(t *testing.T) {
	s, _ := newTestStore(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HasQuota("chat", 1000, time.Hour)
			s.IncrementMessageCount("chat")
		}()
	}
	wg.Wait()
	if got := s.Quota("chat").Messages; got != 200 {
		t.Fatalf("expected 200, got %d", got)
	}
}

func TestChargeIfQuota_StopsAtMax(t *testing.T) {
	s, _ := newTestStore(Options{})
	for i := 1; i <= 3; i++ {
		if n, ok := s.ChargeIfQuota("chat", 3, time.Hour); !ok || n != i {
			t.Fatalf("expected charge %d, got %d %v", i, n, ok)
		}
	}
	if n, ok := s.ChargeIfQuota("chat", 3, time.Hour); ok || n != 3 {
		t.Fatalf("expected refusal at 3, got %d %v", n, ok)
	}
}

func TestChargeIfQuota_WindowReset(t *testing.T) {
	s, clock := newTestStore(Options{})
	for i := 0; i < 3; i++ {
		s.ChargeIfQuota("chat", 3, time.Hour)
	}
	clock.Advance(time.Hour + time.Second)
	if n, ok := s.ChargeIfQuota("chat", 3, time.Hour); !ok || n != 1 {
		t.Fatalf("expected a fresh window, got %d %v", n, ok)
	}
}

func TestChargeIfQuota_ConcurrentLastSlot(t *testing.T) {
	s, _ := newTestStore(Options{})
	for i := 0; i < 499; i++ {
		s.IncrementMessageCount("chat")
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.ChargeIfQuota("chat", 500, time.Hour); ok {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if charged != 1 {
		t.Fatalf("expected one winner, got %d", charged)
	}
	if got := s.Quota("chat").Messages; got != 500 {
		t.Fatalf("expected 500, got %d", got)
	}
}

func TestReset(t *testing.T) {
	s, _ := newTestStore(Options{})
	s.Set("k", 1, time.Minute)
	s.AppendTurn("chat", "user", "x")
	s.IncrementMessageCount("chat")

	s.Reset()
	if _, ok := s.Get("k"); ok {
		t.Fatal("cache not reset")
	}
	if len(s.Turns("chat")) != 0 {
		t.Fatal("conversations not reset")
	}
	if s.Quota("chat").Messages != 0 {
		t.Fatal("quotas not reset")
	}
}
