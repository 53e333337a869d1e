package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long client-provided Idempotency-Key results are
	// retained on the event ingest endpoint. The producer controls key
	// uniqueness, so a long window is safe.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL is the lock duration while an event is being dispatched.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates an idempotency key collision.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult stores the cached dispatch outcome for an idempotent
// event submission.
type IdempotencyResult struct {
	DeliveryIDs []string `json:"delivery_ids"`
	StatusCode  int      `json:"status_code"`
	CreatedAt   int64    `json:"created_at"`
}

// IdempotencyService provides idempotency guarantees using Redis.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService creates a new idempotency service.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(projectID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", projectID, idempotencyKey)
}

// Check retrieves a cached result for an idempotency key.
// Returns (nil, nil) if key doesn't exist, (result, nil) if found,
// or ErrDuplicateRequest if the key is currently being processed.
func (s *IdempotencyService) Check(ctx context.Context, projectID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(projectID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("project_id", projectID),
		zap.Int("delivery_count", len(result.DeliveryIDs)),
	)

	return &result, nil
}

// Store saves the result of a successfully dispatched event.
func (s *IdempotencyService) Store(ctx context.Context, projectID, idempotencyKey string, result *IdempotencyResult) error {
	key := s.buildKey(projectID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

// Reserve acquires an idempotency lock using SET NX (atomic set-if-not-exists).
// Returns true if lock acquired, false if key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, projectID, idempotencyKey string) (bool, error) {
	key := s.buildKey(projectID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	return set, nil
}

// releaseScript deletes the key only while it still holds the processing
// marker, so a result stored by a concurrent request is never discarded.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops a reservation made by Reserve, letting the producer retry
// with the same key after a dispatch that produced nothing. A stored result
// is left untouched.
func (s *IdempotencyService) Release(ctx context.Context, projectID, idempotencyKey string) error {
	key := s.buildKey(projectID, idempotencyKey)

	if err := releaseScript.Run(ctx, s.client.rdb, []string{key}, processingMarker).Err(); err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}

	return nil
}

// CheckOrReserve atomically checks for an existing result or reserves the key.
// Returns cached result if found, nil if reserved successfully, or error.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, projectID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, projectID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, projectID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !reserved {
		return nil, ErrDuplicateRequest
	}

	return nil, nil
}
