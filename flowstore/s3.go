package flowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3API is the subset of the s3 client the store uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options configures the s3 client
type S3Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store keeps one JSON object per flow under a key prefix
type S3Store struct {
	logger *zap.Logger
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Client builds an s3 client from the default credential chain,
// overridden by static credentials and a custom endpoint when set
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// NewS3Store creates a store over client
func NewS3Store(logger *zap.Logger, client S3API, bucket, prefix string) *S3Store {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{
		logger: logger,
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// Backend returns "s3"
func (s *S3Store) Backend() string { return BackendS3 }

// Close is a no-op
func (s *S3Store) Close() error { return nil }

func (s *S3Store) key(id string) string {
	return s.prefix + id + ".json"
}

// Save writes the flow object
func (s *S3Store) Save(ctx context.Context, id string, graph Graph) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}

	flow := newFlow(id, graph, s.now())
	data, err := json.Marshal(flow)
	if err != nil {
		return Flow{}, fmt.Errorf("failed to encode flow: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(id)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return Flow{}, fmt.Errorf("failed to save flow to S3: %w", err)
	}
	return flow, nil
}

// Load reads a flow object
func (s *S3Store) Load(ctx context.Context, id string) (Flow, error) {
	if err := ValidateID(id); err != nil {
		return Flow{}, err
	}
	data, err := s.get(ctx, s.key(id))
	if err != nil {
		return Flow{}, err
	}
	return decodeFlow(data)
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load flow from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow from S3: %w", err)
	}
	return data, nil
}

// List reads every flow object under the prefix
func (s *S3Store) List(ctx context.Context) ([]Summary, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	summaries := []Summary{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list flows in S3: %w", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			name := strings.TrimPrefix(key, s.prefix)
			if strings.Contains(name, "/") || path.Ext(name) != ".json" {
				continue
			}
			data, err := s.get(ctx, key)
			if err != nil {
				s.logger.Warn("skipping unreadable flow", zap.String("key", key), zap.Error(err))
				continue
			}
			flow, err := decodeFlow(data)
			if err != nil {
				s.logger.Warn("skipping corrupt flow", zap.String("key", key), zap.Error(err))
				continue
			}
			summaries = append(summaries, flow.Summary())
		}
	}

	sortSummaries(summaries)
	return summaries, nil
}
