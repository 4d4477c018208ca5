package objectclient

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	cfg "github.com/markdave123-py/docanchor/internal/config"
	"github.com/markdave123-py/docanchor/internal/core"
)

var _ core.ObjectClient = (*S3Client)(nil)

// API is the subset of the S3 client used here.
type API interface {
	manager.DownloadAPIClient
}

type S3Client struct {
	client     API
	downloader *manager.Downloader
	region     string
	bucket     string
	log        *logrus.Entry
}

func NewS3Client(ctx context.Context, cfg *cfg.Config, log *logrus.Entry) (*S3Client, error) {
	if cfg.AwsAccessKey == "" || cfg.AwsSecretKey == "" {
		return nil, fmt.Errorf("AWS credentials not set")
	}
	if cfg.AwsRegion == "" {
		return nil, fmt.Errorf("AWS_REGION not set")
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("S3 bucket name not set")
	}

	awsCfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(cfg.AwsRegion),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	c := NewWithAPI(s3.NewFromConfig(awsCfg), cfg.AwsRegion, cfg.BucketName, log)
	c.log.WithField("bucket", cfg.BucketName).Info("connected to AWS S3")
	return c, nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, region, bucket string, log *logrus.Entry) *S3Client {
	return &S3Client{
		client:     api,
		downloader: manager.NewDownloader(api),
		region:     region,
		bucket:     bucket,
		log:        log,
	}
}

// GetFile downloads the whole object. An empty bucket means the
// configured one.
func (c *S3Client) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	buf := manager.NewWriteAtBuffer(nil)
	n, err := c.downloader.Download(ctxGet, buf, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketOr(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"bucket":  c.bucketOr(bucket),
		"key":     key,
		"bytes":   n,
		"elapsed": time.Since(start).String(),
	}).Debug("s3 object downloaded")

	return buf.Bytes(), nil
}

// GetObjectReader streams the object. The caller closes the body.
func (c *S3Client) GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketOr(bucket)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}

	return resp.Body, nil
}

// URL is the virtual-hosted address of key in the configured bucket.
func (c *S3Client) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", c.bucket, c.region, key)
}

func (c *S3Client) bucketOr(bucket string) string {
	if bucket == "" {
		return c.bucket
	}
	return bucket
}
