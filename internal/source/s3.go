package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kjstillabower/coverage-verifier/internal/observability"
)

// S3Config configures S3Source. Empty credentials fall back to the default AWS chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	MaxBytes        int64
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads reports from s3://bucket/key locations.
type S3Source struct {
	client   s3API
	maxBytes int64
}

// NewS3Source loads AWS configuration and builds an S3 client.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	var loadOptions []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}
	if strings.TrimSpace(cfg.AccessKeyID) != "" && strings.TrimSpace(cfg.SecretAccessKey) != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(options *s3.Options) {
		if endpoint != "" {
			options.BaseEndpoint = aws.String(endpoint)
		}
		options.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Source{client: client, maxBytes: limitOrDefault(cfg.MaxBytes)}, nil
}

// Fetch implements Source.
func (s *S3Source) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := ParseS3Location(location)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		observability.SourceFetchesTotal.WithLabelValues(SchemeS3, "error").Inc()
		observability.SourceFetchDuration.WithLabelValues(SchemeS3, "error").Observe(time.Since(start).Seconds())
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
		}
		return nil, fmt.Errorf("%w: get s3 object: %v", ErrUpstreamFailure, err)
	}
	defer out.Body.Close()

	observability.SourceFetchesTotal.WithLabelValues(SchemeS3, "success").Inc()
	observability.SourceFetchDuration.WithLabelValues(SchemeS3, "success").Observe(time.Since(start).Seconds())

	if out.ContentLength != nil && *out.ContentLength > s.maxBytes {
		return nil, fmt.Errorf("%w: object is %d bytes", ErrTooLarge, *out.ContentLength)
	}
	return readLimited(out.Body, s.maxBytes)
}

// ParseS3Location splits s3://bucket/key into bucket and key.
func ParseS3Location(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s is not an s3 location", ErrUnsupportedLocation, location)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("%w: %s needs a bucket and a key", ErrUnsupportedLocation, location)
	}
	return bucket, key, nil
}
