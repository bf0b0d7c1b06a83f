package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRedisKeyPrefix = "flowbox:"

// RedisOptions configures a RedisStore
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each flow as a JSON string with a sorted set index by save time
type RedisStore struct {
	logger    *zap.Logger
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore connects to redis and checks the connection
func NewRedisStore(ctx context.Context, logger *zap.Logger, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}

	return &RedisStore{
		logger:    logger,
		client:    client,
		keyPrefix: keyPrefix + "flow:",
		now:       time.Now,
	}, nil
}

// Backend returns "redis"
func (s *RedisStore) Backend() string { return BackendRedis }

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) flowKey(id string) string {
	return s.keyPrefix + "data:" + id
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "index"
}

// Save stores the flow and moves it to the front of the index
func (s *RedisStore) Save(ctx context.Context, id string, graph Graph) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	flow := newFlow(id, graph, s.now())
	data, err := json.Marshal(flow)
	if err != nil {
		return Flow{}, fmt.Errorf("failed to encode flow: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.flowKey(id), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(flow.SavedAt.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return Flow{}, fmt.Errorf("failed to save flow: %w", err)
	}
	return flow, nil
}

// Load reads a flow
func (s *RedisStore) Load(ctx context.Context, id string) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	data, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Flow{}, ErrNotFound
		}
		return Flow{}, fmt.Errorf("failed to load flow: %w", err)
	}
	return decodeFlow(data)
}

// List reads every indexed flow. Index members whose data is gone are skipped.
func (s *RedisStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.flowKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	summaries := make([]Summary, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		flow, err := decodeFlow([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping corrupt flow", zap.String("flow_id", ids[i]), zap.Error(err))
			continue
		}
		summaries = append(summaries, flow.Summary())
	}

	sortSummaries(summaries)
	return summaries, nil
}
