package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/studycircle/voice-signaling/config"
)

// Dial opens and verifies a Redis connection for the presence mirror.
func Dial(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Store mirrors room member sets into Redis so dashboards and sibling
// processes can read occupancy without touching the signaling process. The
// in-memory registry stays authoritative; a nil *Store disables mirroring.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Add(ctx context.Context, roomID, participantID string) error {
	if s == nil {
		return nil
	}
	key := memberKey(roomID)
	if err := s.rdb.SAdd(ctx, key, participantID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, s.ttl).Err()
}

func (s *Store) Remove(ctx context.Context, roomID, participantID string) error {
	if s == nil {
		return nil
	}
	return s.rdb.SRem(ctx, memberKey(roomID), participantID).Err()
}

func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	if s == nil {
		return nil, nil
	}
	return s.rdb.SMembers(ctx, memberKey(roomID)).Result()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.rdb.Close()
}

func memberKey(roomID string) string {
	return "room:" + roomID + ":members"
}
