package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.ObjectStore = (*S3Store)(nil)

// S3Store writes results to an S3-compatible bucket (AWS, R2, MinIO) and
// serves them from PublicURL.
type S3Store struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func NewS3Store(cfg config.S3Config, logger *zerolog.Logger) *S3Store {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Info().
		Str("component", "S3Store").
		Str("bucket", cfg.Bucket).
		Str("endpoint", cfg.Endpoint).
		Msg("initialized object storage")
	return &S3Store{client: client, bucket: cfg.Bucket, publicURL: strings.TrimSuffix(cfg.PublicURL, "/")}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			err = errors.New(apiErr.ErrorCode() + ": " + apiErr.ErrorMessage())
		}
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return s.publicURL + "/" + key, nil
}
