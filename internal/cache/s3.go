package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/transflow/transflow/internal/address"
	"github.com/transflow/transflow/pkg/errors"
	"github.com/transflow/transflow/pkg/types"
)

// Object metadata keys carrying the entry's logical expiry. S3 has no
// per-object TTL, so expiry is checked on read; a bucket lifecycle rule
// bounds storage behind it.
const (
	metaCreatedAt  = "transflow-created-at"
	metaTTLSeconds = "transflow-ttl-seconds"
)

// s3API is the subset of the S3 client the durable tier uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store is the durable tier, backed by an object store. It is the source
// of truth for recovery; a Put that reaches it is considered durable even if
// the faster tiers failed.
type S3Store struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Store creates an S3Store using the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, region, prefix string) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "loading aws config", err)
	}
	return NewS3StoreFromClient(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

// NewS3StoreFromClient wraps an existing client. Tests use this with a fake.
func NewS3StoreFromClient(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *S3Store) objectKey(key types.CacheKey) string {
	return s.prefix + address.StorageKey(key)
}

// Get retrieves a value. Entries past their stored TTL are treated as
// misses and deleted best-effort.
func (s *S3Store) Get(ctx context.Context, key types.CacheKey) ([]byte, bool, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeTierUnavailable, "s3 get", err).
			WithComponent("cache.s3")
	}
	defer result.Body.Close()

	if s.entryExpired(result.Metadata) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeTierUnavailable, "reading s3 body", err).
			WithComponent("cache.s3")
	}
	return data, true, nil
}

// Put stores a value with the given TTL. A non-positive TTL stores nothing.
func (s *S3Store) Put(ctx context.Context, key types.CacheKey, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
		Metadata: map[string]string{
			metaCreatedAt:  s.now().UTC().Format(time.RFC3339),
			metaTTLSeconds: strconv.FormatInt(int64(ttl.Seconds()), 10),
		},
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeDurableWrite, "s3 put", err).
			WithComponent("cache.s3")
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *S3Store) Delete(ctx context.Context, key types.CacheKey) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return errors.Wrap(errors.ErrCodeTierUnavailable, "s3 delete", err).
			WithComponent("cache.s3")
	}
	return nil
}

func (s *S3Store) entryExpired(metadata map[string]string) bool {
	createdStr, ok := metadata[metaCreatedAt]
	if !ok {
		return false
	}
	ttlStr, ok := metadata[metaTTLSeconds]
	if !ok {
		return false
	}

	created, err := time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return false
	}
	ttlSec, err := strconv.ParseInt(ttlStr, 10, 64)
	if err != nil || ttlSec <= 0 {
		return false
	}

	return s.now().After(created.Add(time.Duration(ttlSec) * time.Second))
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if stderrors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	return stderrors.As(err, &notFound)
}
