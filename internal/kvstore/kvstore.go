// Package kvstore is the durable key/value state behind tracking flags and
// pending conversion records. Every backend must implement SetIfAbsent as a
// single atomic write.
package kvstore

import (
	"context"
	"fmt"
)

// Store is a namespaced string key/value store.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetIfAbsent writes value only when key is missing and reports whether
	// this call performed the write.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// FlagKey builds the key for a per-entity tracking flag.
func FlagKey(entityID, kind string) string {
	return fmt.Sprintf("entity:%s:flag:%s", entityID, kind)
}

// EntityKey builds a key for data attached to an entity (e.g. an order).
func EntityKey(entityID, name string) string {
	return fmt.Sprintf("entity:%s:%s", entityID, name)
}

// UserKey builds a key for data attached to an authenticated user.
func UserKey(userID, name string) string {
	return fmt.Sprintf("user:%s:%s", userID, name)
}
