// Package s3 mirrors run artifacts (processed and rejected CSVs) to an S3
// compatible bucket.
package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Options selects the bucket and, for non-AWS endpoints (MinIO), the endpoint
// and static credentials. Empty credentials fall back to the default chain.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type putObjecter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads files under <prefix>/<kind>/<file name>.
type Archiver struct {
	client putObjecter
	bucket string
	prefix string
}

// New builds an Archiver from the default AWS configuration.
func New(ctx context.Context, opts Options) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newWithClient(client, opts.Bucket, opts.Prefix), nil
}

func newWithClient(c putObjecter, bucket, prefix string) *Archiver {
	return &Archiver{client: c, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key used for a local artifact.
func (a *Archiver) Key(kind, localPath string) string {
	return path.Join(a.prefix, kind, filepath.Base(localPath))
}

// Archive uploads the file at localPath.
func (a *Archiver) Archive(ctx context.Context, kind string, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := a.Key(kind, localPath)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}
