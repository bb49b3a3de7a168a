package ledger

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rodcoding123/helix-sub009/pkg/canonicalize"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// S3Sink mirrors audit entries to an S3 bucket, one object per entry under
// <prefix><shard>/<seq>-<entryHash[:16]>.json. Keys are content-derived, so
// re-mirroring the same entry is idempotent. Pair the bucket with object
// lock for actual immutability.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig holds configuration for S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Sink creates an S3-backed mirror sink.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) key(e *contracts.AuditEntry) string {
	return fmt.Sprintf("%s%s/%012d-%s.json", s.prefix, e.Shard, e.Seq, e.EntryHash[:16])
}

// Mirror writes the entry object. An object that already exists under the
// content-derived key counts as acknowledged.
func (s *S3Sink) Mirror(ctx context.Context, e *contracts.AuditEntry) error {
	key := s.key(e)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}

	body, err := canonicalize.JCS(e)
	if err != nil {
		return fmt.Errorf("s3 sink: encode entry: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 sink: put %s: %w", key, err)
	}
	return nil
}
