package memory

import (
	"context"
	"log"
	"strings"
)

// NewStore opens Postgres when databaseURL is set. Without it users and turns
// live in process and are lost on restart.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		log.Printf("[memory] DATABASE_URL not set, using in-memory store")
		return NewInMemoryStore(), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	log.Printf("[memory] using postgres store")
	return store, nil
}
