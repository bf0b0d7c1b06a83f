package flowstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
)

// New creates the store selected by flows.backend
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config) (Store, error) {
	flows := cfg.Flows
	logger = logger.With(zap.String("component", "flowstore"), zap.String("backend", flows.Backend))

	switch flows.Backend {
	case BackendFile, "":
		return NewFileStore(logger, flows.Dir)
	case BackendRedis:
		return NewRedisStore(ctx, logger, RedisOptions{
			Addr:      flows.Redis.Addr,
			Password:  flows.Redis.Password,
			DB:        flows.Redis.DB,
			KeyPrefix: flows.Redis.KeyPrefix,
		})
	case BackendSQLite:
		return NewSQLiteStore(ctx, logger, flows.SQLite.Path)
	case BackendS3:
		client, err := NewS3Client(ctx, S3Options{
			Bucket:          flows.S3.Bucket,
			Prefix:          flows.S3.Prefix,
			Region:          flows.S3.Region,
			Endpoint:        flows.S3.Endpoint,
			AccessKeyID:     flows.S3.AccessKeyID,
			SecretAccessKey: flows.S3.SecretAccessKey,
			UsePathStyle:    flows.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return NewS3Store(logger, client, flows.S3.Bucket, flows.S3.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported flows backend: %s", flows.Backend)
	}
}
