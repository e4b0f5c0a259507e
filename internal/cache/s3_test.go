package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transflow/transflow/pkg/errors"
)

// fakeS3 is an in-memory s3API. Objects live in a map keyed by object key;
// failPut simulates a durable-tier outage.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	failPut error
	getN    int
	putN    int
}

type fakeObject struct {
	data     []byte
	metadata map[string]string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getN++

	obj, ok := f.objects[*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putN++

	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = fakeObject{data: data, metadata: params.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func TestS3StorePutGet(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")
	ctx := context.Background()
	key := testKey(1)

	require.NoError(t, store.Put(ctx, key, []byte("value"), time.Hour))

	got, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)
}

func TestS3StoreMiss(t *testing.T) {
	t.Parallel()

	store := NewS3StoreFromClient(newFakeS3(), "bucket", "chunks/")

	_, ok, err := store.Get(context.Background(), testKey(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StoreZeroTTLNotStored(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")

	require.NoError(t, store.Put(context.Background(), testKey(1), []byte("value"), 0))
	assert.Equal(t, 0, fake.len())
	assert.Equal(t, 0, fake.putN)
}

func TestS3StoreExpiry(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")
	ctx := context.Background()
	key := testKey(1)

	now := time.Now()
	store.now = func() time.Time { return now }
	require.NoError(t, store.Put(ctx, key, []byte("value"), time.Hour))

	store.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "entry past its stored TTL reads as a miss")
	assert.Equal(t, 0, fake.len(), "expired entry is deleted on read")
}

func TestS3StorePutFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.failPut = io.ErrUnexpectedEOF
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")

	err := store.Put(context.Background(), testKey(1), []byte("value"), time.Hour)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDurableWrite, errors.Classify(err))
}

func TestS3StoreDelete(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")
	ctx := context.Background()
	key := testKey(1)

	require.NoError(t, store.Put(ctx, key, []byte("value"), time.Hour))
	require.NoError(t, store.Delete(ctx, key))
	assert.Equal(t, 0, fake.len())
}

func TestS3StoreObjectKeyLayout(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store := NewS3StoreFromClient(fake, "bucket", "chunks/")
	key := testKey(1)

	require.NoError(t, store.Put(context.Background(), key, []byte("v"), time.Hour))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	for objectKey := range fake.objects {
		assert.Contains(t, objectKey, "chunks/sha256/")
		assert.Contains(t, objectKey, key.String())
	}
}
