package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/server/models"
)

// R2Config carries the credentials and location of the S3-compatible
// remote store.
type R2Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	Region          string
}

// Complete reports whether enough is present to construct a client.
func (c R2Config) Complete() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Endpoint != "" && c.Bucket != ""
}

// R2Store serves the remote backend through the AWS SDK with a custom
// endpoint and path-style addressing.
type R2Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// Seams for tests; the SDK clients are otherwise awkward to fake.
var (
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return awsconfig.LoadDefaultConfig(ctx, optFns...)
	}
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}
	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// NewR2Store constructs the remote store from static credentials.
func NewR2Store(cfg R2Config) (*R2Store, error) {
	if !cfg.Complete() {
		return nil, fmt.Errorf("incomplete remote storage credentials: %w", common.ErrConfig)
	}

	awsCfg, err := loadDefaultAWSConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &R2Store{
		client:  client,
		presign: newS3PresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

func (r *R2Store) Backend() models.Backend {
	return models.BackendR2
}

func (r *R2Store) UploadDestination(ctx context.Context, key string, expires time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("remote store requires a key at signing time: %w", common.ErrValidation)
	}
	req, err := r.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (r *R2Store) SignedReadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (r *R2Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("remote store cannot assign keys: %w", common.ErrValidation)
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := r.client.PutObject(ctx, in); err != nil {
		return "", err
	}
	return key, nil
}

// Delete is idempotent: S3 DeleteObject on a missing key succeeds.
func (r *R2Store) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (r *R2Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *R2Store) HeadMetadata(ctx context.Context, key string) (*models.Metadata, error) {
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}

	md := &models.Metadata{}
	if out.ContentLength != nil {
		md.Size = *out.ContentLength
	}
	if out.ETag != nil {
		md.Hash = strings.Trim(*out.ETag, `"`)
	}
	if out.ContentType != nil {
		md.ContentType = *out.ContentType
	}
	return md, nil
}
