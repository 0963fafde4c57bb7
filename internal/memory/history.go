package memory

import (
	"context"

	"github.com/ent0n29/voicegate/internal/conversation"
)

// SeedHistory turns a user's recent persisted turns into conversation
// history, oldest first. Only user and assistant text is replayed.
func SeedHistory(ctx context.Context, store Store, userID string, limit int) ([]conversation.Message, error) {
	if store == nil || userID == "" {
		return nil, nil
	}
	records, err := store.RecentContext(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Message, 0, len(records))
	for _, r := range records {
		role := conversation.Role(r.Role)
		if role != conversation.RoleUser && role != conversation.RoleAssistant {
			continue
		}
		if r.Content == "" {
			continue
		}
		out = append(out, conversation.Message{Role: role, Content: r.Content})
	}
	return out, nil
}
