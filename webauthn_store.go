package gatekey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	errWebAuthnSessionNotFound  = errors.New("webauthn session not found")
	errWebAuthnRedisUnavailable = errors.New("webauthn redis unavailable")
)

// webauthnSessionStore holds in-flight ceremony state (JSON-encoded
// webauthn.SessionData) between begin and finish. Sessions are keyed by
// ceremony kind plus user id so a registration cannot finish a login.
type webauthnSessionStore struct {
	redis  *redis.Client
	prefix string
}

func newWebAuthnSessionStore(redisClient *redis.Client, cfg WebAuthnConfig) *webauthnSessionStore {
	return &webauthnSessionStore{
		redis:  redisClient,
		prefix: cfg.RedisPrefix,
	}
}

func (s *webauthnSessionStore) key(kind, userID string) string {
	return s.prefix + kind + ":" + userID
}

func (s *webauthnSessionStore) Save(ctx context.Context, kind, userID string, data []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(kind, userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errWebAuthnRedisUnavailable, err)
	}
	return nil
}

// Take removes and returns the pending ceremony state. Single use: a
// second finish for the same ceremony observes not-found.
func (s *webauthnSessionStore) Take(ctx context.Context, kind, userID string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, s.key(kind, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errWebAuthnSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", errWebAuthnRedisUnavailable, err)
	}
	return data, nil
}
