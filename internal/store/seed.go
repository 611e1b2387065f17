package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// SeedUsersFromFile upserts the profiles listed in a JSON array file and
// returns how many were written.
func (s *Store) SeedUsersFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}

	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return 0, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i, u := range users {
		if err := s.UpsertUser(ctx, u); err != nil {
			return i, fmt.Errorf("seed user %d: %w", i, err)
		}
	}
	s.logger.Info("seeded users", "path", path, "count", len(users))
	return len(users), nil
}
