package licensing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dd0wney/cluso-license/pkg/ids"
)

// RedisStore keeps revocations and renewal claims in Redis. It implements
// RevocationStore and IDAllocator, so several service instances can share
// one renewal lock space.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "license"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

func (r *RedisStore) revokedKey(id string) string {
	return r.prefix + ":revoked:" + id
}

func (r *RedisStore) renewalKey(id string) string {
	return r.prefix + ":renewal:" + id
}

// IsRevoked reports whether id has been revoked.
func (r *RedisStore) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.revokedKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// Revoke marks id as revoked. Revoking twice keeps the first reason.
func (r *RedisStore) Revoke(ctx context.Context, id, reason string) error {
	if err := r.client.SetNX(ctx, r.revokedKey(id), reason, 0).Err(); err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}
	return nil
}

// AllocateID returns a fresh ULID-based license ID.
func (r *RedisStore) AllocateID(ctx context.Context) (string, error) {
	return ids.NewLicenseID(), nil
}

// ClaimPredecessor records successorID as the only renewal of predecessorID.
func (r *RedisStore) ClaimPredecessor(ctx context.Context, predecessorID, successorID string) error {
	ok, err := r.client.SetNX(ctx, r.renewalKey(predecessorID), successorID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim predecessor: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPredecessorClaimed, predecessorID)
	}
	return nil
}

// Ping checks Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
