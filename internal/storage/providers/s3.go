package providers

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures S3Provider. Static credentials are optional; without
// them the default AWS credential chain is used.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	PartSizeMB      int64  `mapstructure:"part_size_mb"`
}

// S3Provider uploads to S3 or an S3-compatible endpoint using multipart
// uploads for large segments.
type S3Provider struct {
	cfg S3Config

	once     sync.Once
	uploader *manager.Uploader
	initErr  error
}

// NewS3Provider validates cfg and returns a provider.
func NewS3Provider(cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, fmt.Errorf("%w: s3 bucket and region are required", ErrNotConfigured)
	}
	return &S3Provider{cfg: cfg}, nil
}

func (s *S3Provider) Name() string { return "s3" }

func (s *S3Provider) init(ctx context.Context) error {
	s.once.Do(func() {
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.cfg.Region)}
		if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, s.cfg.SessionToken)))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			s.initErr = fmt.Errorf("failed to load aws config: %w", err)
			return
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if s.cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.cfg.Endpoint)
			}
			o.UsePathStyle = s.cfg.PathStyle
		})
		s.uploader = manager.NewUploader(client, func(u *manager.Uploader) {
			if s.cfg.PartSizeMB > 0 {
				u.PartSize = s.cfg.PartSizeMB * 1024 * 1024
			}
		})
	})
	return s.initErr
}

// Upload sends a local file to the bucket.
func (s *S3Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := s.init(ctx); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey(remotePath)),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", remotePath, err)
	}
	return nil
}
