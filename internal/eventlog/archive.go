package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver pushes rotated-away event log files to a cold-storage
// bucket. It is entirely optional (config-gated) — the mandatory
// durability guarantee is the local NDJSON file; S3 only protects
// against local disk loss after rotation.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver loads the default AWS config chain (env vars, shared
// config, IAM role) and returns an archiver bound to bucket/prefix.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Archive uploads path under prefix/ and leaves the local file in place
// — it is a copy, not a move, so a failed reconciliation read never
// loses history.
func (a *S3Archiver) Archive(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := filepath.ToSlash(filepath.Join(a.prefix, filepath.Base(path)))
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}
