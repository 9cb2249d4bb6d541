// Package store holds the process-lifetime state shared by the message
// pipeline: a TTL cache, per-chat conversation turns and per-chat reply
// quotas. Nothing here survives a restart.
package store

import (
	"sync"
	"time"

	"wabot/internal/domain"
)

const defaultCacheTTL = 10 * time.Minute

// Options tunes the store. Zero values keep conversations unbounded, which
// matches a bot that relies on restarts to reclaim memory.
type Options struct {
	CacheTTL        time.Duration
	MaxTurnsPerChat int           // keep only the newest N turns per chat
	TurnTTL         time.Duration // drop turns older than this on access
	Now             func() time.Time
}

// QuotaCounter tracks replies sent to a chat in the current window.
type QuotaCounter struct {
	Messages    int
	WindowStart time.Time
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Store is safe for concurrent use. Construct one per process and pass it
// to every component that needs it.
type Store struct {
	now      func() time.Time
	cacheTTL time.Duration
	maxTurns int
	turnTTL  time.Duration

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry

	convMu        sync.RWMutex
	conversations map[string][]domain.Turn

	// quotaMu covers the whole read-check-write of a counter.
	quotaMu sync.Mutex
	quotas  map[string]QuotaCounter
}

func New(opts Options) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		now:           opts.Now,
		cacheTTL:      opts.CacheTTL,
		maxTurns:      opts.MaxTurnsPerChat,
		turnTTL:       opts.TurnTTL,
		cache:         make(map[string]cacheEntry),
		conversations: make(map[string][]domain.Turn),
		quotas:        make(map[string]QuotaCounter),
	}
}

// --- cache ---

// Get returns the cached value for key. Expired entries are removed lazily.
func (s *Store) Get(key string) (any, bool) {
	s.cacheMu.RLock()
	e, ok := s.cache[key]
	s.cacheMu.RUnlock()
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		s.cacheMu.Lock()
		if cur, still := s.cache[key]; still && !s.now().Before(cur.expiresAt) {
			delete(s.cache, key)
		}
		s.cacheMu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the store default.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cacheTTL
	}
	s.cacheMu.Lock()
	s.cache[key] = cacheEntry{value: value, expiresAt: s.now().Add(ttl)}
	s.cacheMu.Unlock()
}

func (s *Store) Delete(key string) {
	s.cacheMu.Lock()
	delete(s.cache, key)
	s.cacheMu.Unlock()
}

func (s *Store) ClearCache() {
	s.cacheMu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.cacheMu.Unlock()
}

// Cached is a typed Get. A value of another type counts as a miss.
func Cached[T any](s *Store, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// --- conversations ---

// AppendTurn records a turn for chatID and returns it.
func (s *Store) AppendTurn(chatID, role, content string) domain.Turn {
	turn := domain.Turn{Role: role, Content: content, CreatedAt: s.now()}

	s.convMu.Lock()
	defer s.convMu.Unlock()
	turns := append(s.conversations[chatID], turn)
	s.conversations[chatID] = s.evict(turns)
	return turn
}

// Turns returns a copy of the stored turns for chatID in insertion order.
func (s *Store) Turns(chatID string) []domain.Turn {
	s.convMu.RLock()
	turns := s.conversations[chatID]
	out := make([]domain.Turn, 0, len(turns))
	if s.turnTTL > 0 {
		cutoff := s.now().Add(-s.turnTTL)
		for _, t := range turns {
			if t.CreatedAt.After(cutoff) {
				out = append(out, t)
			}
		}
	} else {
		out = append(out, turns...)
	}
	s.convMu.RUnlock()
	return out
}

func (s *Store) ClearConversation(chatID string) {
	s.convMu.Lock()
	delete(s.conversations, chatID)
	s.convMu.Unlock()
}

// ConversationCount returns how many chats have stored turns.
func (s *Store) ConversationCount() int {
	s.convMu.RLock()
	defer s.convMu.RUnlock()
	return len(s.conversations)
}

// evict applies the configured retention. Caller holds convMu.
func (s *Store) evict(turns []domain.Turn) []domain.Turn {
	if s.turnTTL > 0 {
		cutoff := s.now().Add(-s.turnTTL)
		i := 0
		for i < len(turns) && !turns[i].CreatedAt.After(cutoff) {
			i++
		}
		turns = turns[i:]
	}
	if s.maxTurns > 0 && len(turns) > s.maxTurns {
		kept := make([]domain.Turn, s.maxTurns)
		copy(kept, turns[len(turns)-s.maxTurns:])
		turns = kept
	}
	return turns
}

// --- quotas ---

// HasQuota reports whether chatID may receive another reply. When the window
// has elapsed the counter is reset and the check passes. It never increments.
func (s *Store) HasQuota(chatID string, maxMessages int, window time.Duration) bool {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	now := s.now()
	c := s.counter(chatID, now)
	if now.Sub(c.WindowStart) > window {
		s.quotas[chatID] = QuotaCounter{Messages: 0, WindowStart: now}
		return true
	}
	return c.Messages < maxMessages
}

// ChargeIfQuota charges one reply to chatID only when the window still has
// room, checking and incrementing under one lock. It returns the count after
// the call and whether the charge happened.
func (s *Store) ChargeIfQuota(chatID string, maxMessages int, window time.Duration) (int, bool) {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	now := s.now()
	c := s.counter(chatID, now)
	if now.Sub(c.WindowStart) > window {
		c = QuotaCounter{WindowStart: now}
	}
	if c.Messages >= maxMessages {
		return c.Messages, false
	}
	c.Messages++
	s.quotas[chatID] = c
	return c.Messages, true
}

// IncrementMessageCount charges one reply to chatID and returns the new count.
func (s *Store) IncrementMessageCount(chatID string) int {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	c := s.counter(chatID, s.now())
	c.Messages++
	s.quotas[chatID] = c
	return c.Messages
}

// Quota returns the counter for chatID, creating it if missing.
func (s *Store) Quota(chatID string) QuotaCounter {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()
	return s.counter(chatID, s.now())
}

func (s *Store) ClearQuota(chatID string) {
	s.quotaMu.Lock()
	delete(s.quotas, chatID)
	s.quotaMu.Unlock()
}

// counter reads or lazily creates a counter. Caller holds quotaMu.
func (s *Store) counter(chatID string, now time.Time) QuotaCounter {
	c, ok := s.quotas[chatID]
	if !ok {
		c = QuotaCounter{WindowStart: now}
		s.quotas[chatID] = c
	}
	return c
}

// Reset drops every namespace.
func (s *Store) Reset() {
	s.ClearCache()
	s.convMu.Lock()
	s.conversations = make(map[string][]domain.Turn)
	s.convMu.Unlock()
	s.quotaMu.Lock()
	s.quotas = make(map[string]QuotaCounter)
	s.quotaMu.Unlock()
}
