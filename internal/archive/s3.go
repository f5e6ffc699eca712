// Package archive writes pruned graph rows to S3-compatible object storage
// as JSONL, one object per pruned batch.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

// Config configures an S3-compatible archive target.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver implements graph.Archiver over an S3 bucket.
type S3Archiver struct {
	client s3API
	bucket string
	prefix string
	log    *observability.Logger

	now func() time.Time
}

// NewS3Archiver builds an archiver from config. Credentials fall back to the
// default AWS chain when not set explicitly.
func NewS3Archiver(ctx context.Context, cfg Config, log *observability.Logger) (*S3Archiver, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    log,
		now:    time.Now,
	}, nil
}

// Archive writes one JSONL object containing the batch. Object keys are
// date-partitioned so downstream jobs can scan by day.
func (a *S3Archiver) Archive(ctx context.Context, nodes []*models.Node) error {
	if len(nodes) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, n := range nodes {
		if err := enc.Encode(n); err != nil {
			return fmt.Errorf("archive: encode node %s: %w", n.ID, err)
		}
	}

	key := a.objectKey(a.now().UTC(), len(nodes))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put object: %w", err)
	}
	a.log.Debug("archived pruned batch", "key", key, "count", len(nodes))
	return nil
}

func (a *S3Archiver) objectKey(ts time.Time, count int) string {
	name := fmt.Sprintf("%s/pruned-%d-%d.jsonl", ts.Format("2006/01/02"), ts.UnixNano(), count)
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}
