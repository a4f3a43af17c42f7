package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"mixdeck/internal/core"
)

// GetJSON decodes the value at key into v. Missing keys return core.ErrNotFound.
func GetJSON(ctx context.Context, s core.Storage, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s core.Storage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
