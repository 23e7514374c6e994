package attachment

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/softwell/mailproxy/internal/pkg/logger"
)

// S3Config connects the large-attachment store. Endpoint and credentials
// are optional; absent values fall back to the ambient AWS environment.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // S3-compatible stores (MinIO etc.)
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // base for download links; default virtual-hosted S3 URL
}

// S3Store uploads oversized attachments and hands back a download link
// that replaces the attachment in the outgoing message.
type S3Store struct {
	client  *s3.Client
	bucket  string
	region  string
	baseURL string
}

// NewS3Store builds the store from config plus the ambient AWS
// environment.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		if cfg.Endpoint != "" {
			baseURL = strings.TrimSuffix(cfg.Endpoint, "/") + "/" + cfg.Bucket
		} else {
			baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
		}
	}
	return &S3Store{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Upload stores the attachment under a tenant-scoped random key and
// returns the public download URL. ttlDays is recorded as an expiry tag
// for bucket lifecycle rules.
func (s *S3Store) Upload(ctx context.Context, tenantID, filename string, data []byte, mimeType string, ttlDays int) (string, error) {
	key := fmt.Sprintf("%s/%s/%s", tenantID, uuid.New().String(), filename)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if ttlDays > 0 {
		expiry := time.Now().AddDate(0, 0, ttlDays).Format(time.RFC3339)
		input.Tagging = aws.String(url.Values{"expires-at": {expiry}}.Encode())
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	logger.Info("uploaded large attachment",
		"tenant_id", tenantID, "key", key, "bytes", len(data))

	escaped := make([]string, 0, 3)
	for _, part := range strings.Split(key, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return s.baseURL + "/" + strings.Join(escaped, "/"), nil
}
