package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/nexus/internal/logging"
	"github.com/Tyrowin/nexus/internal/presence"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"

	// DefaultOfflineTTL is how long the last-seen record of an offline user
	// is kept.
	DefaultOfflineTTL = 24 * time.Hour
)

// PresenceSnapshot is the mirrored presence of one user.
type PresenceSnapshot struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// NewRedisClient parses url and verifies the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPresence mirrors Online/Offline transitions into Redis so that other
// services can read presence without talking to this process. The in-memory
// tracker stays authoritative.
type RedisPresence struct {
	client     *redis.Client
	offlineTTL time.Duration
	logger     *slog.Logger
}

// NewRedisPresence creates a mirror. A non-positive offlineTTL takes
// DefaultOfflineTTL.
func NewRedisPresence(client *redis.Client, offlineTTL time.Duration, logger *slog.Logger) *RedisPresence {
	if offlineTTL <= 0 {
		offlineTTL = DefaultOfflineTTL
	}
	return &RedisPresence{
		client:     client,
		offlineTTL: offlineTTL,
		logger:     logging.Component(logger, "presence-mirror"),
	}
}

// Reset forgets the online set, which is stale after a restart.
func (r *RedisPresence) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, onlineSetKey).Err(); err != nil {
		return fmt.Errorf("reset online set: %w", err)
	}
	return nil
}

// Mirror is a presence hook. Failures are logged; the mirror never blocks
// presence delivery on Redis errors.
func (r *RedisPresence) Mirror(ctx context.Context, change presence.Change) {
	if err := r.Update(ctx, change); err != nil {
		r.logger.Error("presence mirror update failed", "user_id", change.UserID, "error", err)
	}
}

// Update writes one transition.
func (r *RedisPresence) Update(ctx context.Context, change presence.Change) error {
	snap := PresenceSnapshot{UserID: change.UserID, Status: "offline", LastSeen: change.At}
	if change.Online {
		snap.Status = "online"
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := presenceKeyPrefix + change.UserID
	pipe := r.client.TxPipeline()
	if change.Online {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, onlineSetKey, change.UserID)
	} else {
		pipe.Set(ctx, key, data, r.offlineTTL)
		pipe.SRem(ctx, onlineSetKey, change.UserID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// Get returns the mirrored presence of userID. Unknown users are offline.
func (r *RedisPresence) Get(ctx context.Context, userID string) (PresenceSnapshot, error) {
	data, err := r.client.Get(ctx, presenceKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return PresenceSnapshot{UserID: userID, Status: "offline"}, nil
	}
	if err != nil {
		return PresenceSnapshot{}, fmt.Errorf("get presence: %w", err)
	}
	var snap PresenceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return PresenceSnapshot{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	return snap, nil
}

// OnlineUsers lists the mirrored online set.
func (r *RedisPresence) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return ids, nil
}
