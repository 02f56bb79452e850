package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ClaimResult classifies the outcome of a Claim call.
type ClaimResult int

const (
	// ClaimWon means this instance now holds the dedup key.
	ClaimWon ClaimResult = iota
	// ClaimLost means another holder's claim was observed.
	ClaimLost
	// ClaimUnavailable means the coordinator could not be reached; the
	// caller must not fall through to persistence.
	ClaimUnavailable
)

// ReleaseResult classifies the outcome of a Release call.
type ReleaseResult int

const (
	// Released means the claim was owned by the caller and deleted.
	Released ReleaseResult = iota
	// NotOwner means the key was absent or held by another instance;
	// nothing was deleted.
	NotOwner
	// ReleaseUnavailable means the coordinator could not be reached. The
	// claim expires by TTL, so this only delays retry.
	ReleaseUnavailable
)

// releaseScript deletes the dedup key only when it still carries the
// caller's identity. Running the compare and the delete server-side closes
// the window in which an instance, preempted past its own TTL, could delete
// a successor's claim.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Client adapts the Redis coordinator for the dedup protocol. It is safe
// for concurrent use; all state lives in the underlying go-redis client.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient connects to Redis with retry logic, mirroring the database
// pool bootstrap: exponential backoff 1s, 2s, 4s, ... per failed attempt.
func NewClient(ctx context.Context, addr string, maxRetries int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	attempts := maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			log.Info().Str("addr", addr).Msg("coordinator connection established")
			return &Client{rdb: rdb}, nil
		}

		backoff := time.Duration(1<<attempt) * time.Second
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("next_retry_in", backoff).
			Msg("coordinator connection failed, retrying")

		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("failed to connect to coordinator after %d attempts: %w", attempts, err)
}

// NewClientWithRedis creates a Client over an existing Redis client.
// This is primarily used for testing.
func NewClientWithRedis(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// dedupKey returns the coordinator keyspace entry for an event.
func dedupKey(eventID string) string {
	return "dedup:" + eventID
}

// Claim atomically sets dedup:{eventID} to owner with the given TTL, only
// if the key does not exist. It never retries: a transient success that the
// caller did not observe would leave a stale claim this instance cannot
// release, so retry policy belongs to the processor.
func (c *Client) Claim(ctx context.Context, eventID, owner string, ttl time.Duration) ClaimResult {
	ok, err := c.rdb.SetNX(ctx, dedupKey(eventID), owner, ttl).Result()
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("coordinator unavailable during claim")
		return ClaimUnavailable
	}
	if !ok {
		return ClaimLost
	}
	return ClaimWon
}

// Release deletes the claim for eventID if it is still owned by owner.
// The check-and-delete runs atomically server-side.
func (c *Client) Release(ctx context.Context, eventID, owner string) ReleaseResult {
	deleted, err := releaseScript.Run(ctx, c.rdb, []string{dedupKey(eventID)}, owner).Int()
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("coordinator unavailable during release")
		return ReleaseUnavailable
	}
	if deleted == 0 {
		return NotOwner
	}
	return Released
}

// Peek reports the current holder of the claim for eventID, if any.
// Diagnostic only; not used on the happy path.
func (c *Client) Peek(ctx context.Context, eventID string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, dedupKey(eventID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("peek claim for %s: %w", eventID, err)
	}
	return val, true, nil
}

// Ping verifies the coordinator is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}
