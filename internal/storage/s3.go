package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Store wraps an AWS S3 client for document image blobs. Unlike the
// AI-vision pipeline this module descends from, blobs here are stored
// as plain bytes — slide decks and their source images carry no
// end-to-end encryption requirement.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	bucketName string
}

// NewS3Store creates an S3Store for bucketName. If endpoint is non-empty,
// the client targets an S3-compatible store (e.g. MinIO) using path-style
// addressing. When accessKey/secretKey are both set, they override the
// default credential chain — required for MinIO and other S3-compatibles
// that don't participate in AWS's ambient credential discovery. The bucket
// is created on first use if it does not already exist, per this module's
// storage contract.
func NewS3Store(ctx context.Context, bucketName, region, endpoint, accessKey, secretKey string) (*S3Store, error) {
	var opts []func(*awscfg.LoadOptions) error
	if region != "" {
		opts = append(opts, awscfg.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	cli := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	store := &S3Store{
		client:     cli,
		uploader:   manager.NewUploader(cli),
		bucketName: bucketName,
	}
	if err := store.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ensureBucket creates bucketName if a HEAD request shows it doesn't exist
// yet, tolerating a race against a concurrent creator.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		log.Warn().Err(err).Str("bucket", s.bucketName).Msg("s3 head-bucket failed, attempting create anyway")
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucketName)})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		var alreadyExists *types.BucketAlreadyExists
		if errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to auto-create S3 bucket %q: %w", s.bucketName, err)
	}
	return nil
}

// Upload writes data to S3 under key via the multipart-aware uploader, so
// large formula-free page scans don't need to fit in one PutObject call.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("s3 upload failed")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// Read downloads the object at key.
func (s *S3Store) Read(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

// Delete removes the object at key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete S3 object %q: %w", key, err)
	}
	return nil
}
