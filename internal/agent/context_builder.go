package agent

import (
	"slices"

	"wabot/internal/domain"
	"wabot/internal/store"
)

// ContextBuilder turns stored turns into the transcript sent to the model.
type ContextBuilder struct {
	store        *store.Store
	instructions string
	limit        int
}

func NewContextBuilder(s *store.Store, instructions string, historyLimit int) *ContextBuilder {
	return &ContextBuilder{store: s, instructions: instructions, limit: historyLimit}
}

// BuildContext returns at most limit of the newest turns of chatID, oldest
// first. Turns with no content are dropped after the window is taken.
func (b *ContextBuilder) BuildContext(chatID string, limit int) []domain.Turn {
	if limit <= 0 {
		return nil
	}
	turns := b.store.Turns(chatID)

	slices.SortStableFunc(turns, func(x, y domain.Turn) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})
	if len(turns) > limit {
		turns = turns[:limit]
	}
	slices.SortStableFunc(turns, func(x, y domain.Turn) int {
		return x.CreatedAt.Compare(y.CreatedAt)
	})

	out := turns[:0]
	for _, t := range turns {
		if t.Content != "" {
			out = append(out, t)
		}
	}
	return out
}

// Compose builds the transcript for a new user message: instructions, the
// history window, then the message itself. The user turn is stored before
// returning, after the history was read.
func (b *ContextBuilder) Compose(chatID, body string) []domain.Message {
	history := b.BuildContext(chatID, b.limit)

	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: b.instructions})
	for _, t := range history {
		messages = append(messages, domain.Message{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: body})

	b.store.AppendTurn(chatID, domain.RoleUser, body)
	return messages
}
