package flowstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeS3 serves objects from memory
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	lists   int
	failGet bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return nil, errors.New("connection reset")
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	store := NewS3Store(zaptest.NewLogger(t), fake, "bucket", "/flows/")
	clock := &stepClock{at: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	store.now = clock.now

	assert.Equal(t, BackendS3, store.Backend())
	assert.NoError(t, store.Close())

	runStoreSuite(t, store, func(t *testing.T, id string) {
		fake.objects["flows/"+id+".json"] = []byte("{not json")
	})

	t.Run("KeysUsePrefix", func(t *testing.T) {
		assert.Contains(t, fake.objects, "flows/first.json")
	})

	t.Run("ListIgnoresForeignKeys", func(t *testing.T) {
		fake.objects["flows/readme.txt"] = []byte("x")
		fake.objects["flows/nested/deep.json"] = []byte("{}")
		fake.objects["other/first.json"] = []byte("{}")
		fake.lists = 0

		summaries, err := store.List(context.Background())
		require.NoError(t, err)
		assert.Len(t, summaries, 2)
		assert.Equal(t, 1, fake.lists)
	})

	t.Run("GetFailure", func(t *testing.T) {
		fake.failGet = true
		defer func() { fake.failGet = false }()

		_, err := store.Load(context.Background(), "first")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}
