package redis

import "fmt"

// KeyBuilder provides environment-aware Redis key building functionality
type KeyBuilder struct {
	prefix string // Environment prefix (staging/prod)
}

// NewKeyBuilder creates a new key builder with environment-based prefix
func NewKeyBuilder(environment string) *KeyBuilder {
	prefix := "prod"
	if environment == "development" || environment == "staging" {
		prefix = "staging"
	}

	return &KeyBuilder{
		prefix: prefix,
	}
}

// BuildKey constructs a Redis key with the environment prefix
func (kb *KeyBuilder) BuildKey(key string) string {
	return fmt.Sprintf("%s:%s", kb.prefix, key)
}

// KeyBattleList is the cached battle list
func (kb *KeyBuilder) KeyBattleList() string {
	return kb.BuildKey(KeyBattleList)
}

// KeyBattleListUpdate holds the time of the last list save
func (kb *KeyBuilder) KeyBattleListUpdate() string {
	return kb.BuildKey(KeyBattleListUpdate)
}

// KeyNotifications is the pub/sub channel user notifications are published on
func (kb *KeyBuilder) KeyNotifications() string {
	return kb.BuildKey(KeyNotifications)
}

// KeyIdempotency scopes an idempotency lock key
func (kb *KeyBuilder) KeyIdempotency(key string) string {
	return kb.BuildKey(fmt.Sprintf(KeyIdempotency, key))
}
