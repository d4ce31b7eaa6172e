// Package store provides the opaque key-value persistence used for session snapshots.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when a key has never been saved.
var ErrNotFound = errors.New("key not found")

// Store is a durable key-value store. Values are opaque to the store.
type Store interface {
	// Load returns the value saved under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save creates or replaces the value under key.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources.
	Close() error
}

// Snapshot kinds stored per session or user.
const (
	KindHabitPlan = "habit_plan"
	KindDraft     = "draft_schedule"
	KindMemory    = "memory"
)

// SessionKey builds the key of a per-session snapshot.
func SessionKey(sessionID, kind string) string {
	return "session/" + sessionID + "/" + kind
}

// UserKey builds the key of a per-user record.
func UserKey(userID, kind string) string {
	return "user/" + userID + "/" + kind
}

// LoadJSON loads key and decodes it into v.
func LoadJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SaveJSON encodes v and saves it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Save(ctx, key, data)
}
