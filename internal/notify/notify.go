package notify

import (
	"context"
	"encoding/json"
	"time"

	"battle-sync/internal/domain"
	"battle-sync/pkg/logger"
	"battle-sync/pkg/redis"
)

const publishTimeout = 2 * time.Second

// Notifier delivers recoverable, user-facing notifications
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, note domain.Notification) {
	n.logger.WithFields(map[string]interface{}{
		"kind":      note.Kind,
		"battle_id": note.BattleID,
		"user_id":   note.UserID,
	}).Info(note.Message)
}

// RedisNotifier fans notifications out to other instances and connected clients over Redis pub/sub.
// Publishing failures are logged and swallowed.
type RedisNotifier struct {
	redis  *redis.Client
	logger *logger.Logger
}

func NewRedisNotifier(redisClient *redis.Client, log *logger.Logger) *RedisNotifier {
	return &RedisNotifier{redis: redisClient, logger: log.Named("notify")}
}

func (n *RedisNotifier) Notify(ctx context.Context, note domain.Notification) {
	payload, err := json.Marshal(note)
	if err != nil {
		n.logger.WithError(err).Error("Failed to marshal notification")
		return
	}

	// a refresh that timed out still gets its failure published
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := n.redis.Publish(pubCtx, n.redis.KeyBuilder.KeyNotifications(), payload); err != nil {
		n.logger.WithError(err).WithField("kind", note.Kind).Warn("Failed to publish notification")
	}
}

// Multi delivers each notification to every notifier in order
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, note domain.Notification) {
	for _, n := range m {
		n.Notify(ctx, note)
	}
}
