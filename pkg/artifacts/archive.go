// Package artifacts archives raw import payloads to S3 so a disputed import
// can be replayed or audited later. Archival is best effort: the import
// pipeline logs failures and proceeds.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the archive uses; tests fake it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config locates the archive bucket. Endpoint supports MinIO and LocalStack.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Archive stores payloads content-addressed under a per-user, per-day key.
type Archive struct {
	client s3API
	bucket string
	prefix string
}

// New builds an S3-backed archive from the ambient AWS configuration.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	})
	return &Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// NewFromClient wraps an existing client; tests use this.
func NewFromClient(client s3API, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// Archive uploads one raw payload and returns its storage key. Re-archiving
// identical content for the same user on the same day is a no-op returning
// the existing key.
func (a *Archive) Archive(ctx context.Context, userID, fileName string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("artifacts: empty payload")
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])[:16]
	key := a.key(userID, fileName, hash)

	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType(fileName)),
	})
	if err != nil {
		return "", fmt.Errorf("artifacts: put %s: %w", key, err)
	}
	return key, nil
}

// Fetch retrieves an archived payload by key.
func (a *Archive) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (a *Archive) key(userID, fileName, hash string) string {
	day := time.Now().UTC().Format("2006/01/02")
	name := hash
	if ext := strings.ToLower(path.Ext(fileName)); ext != "" {
		name += ext
	}
	return a.prefix + path.Join("imports", userID, day, name)
}

func contentType(fileName string) string {
	switch strings.ToLower(path.Ext(fileName)) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
