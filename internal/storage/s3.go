package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"clipfarm/manager-go/internal/config"
	"clipfarm/manager-go/internal/utils"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type uploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archive copies rendered clips to an S3-compatible bucket so the dashboard and
// database can reference a durable URL.
type S3Archive struct {
	uploader uploadAPI
	bucket   string
	prefix   string
	baseURL  string
}

func NewS3Archive(ctx context.Context, cfg config.Config) (*S3Archive, error) {
	if strings.TrimSpace(cfg.S3Bucket) == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.S3Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
		u.LeavePartsOnError = false
	})

	return &S3Archive{
		uploader: uploader,
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
		baseURL:  strings.TrimSuffix(cfg.S3PublicBaseURL, "/"),
	}, nil
}

// Key is the object key for a clip: <prefix>/<platform>/<file name>.
func (a *S3Archive) Key(platform, localPath string) string {
	return strings.TrimLeft(path.Join(a.prefix, platform, filepath.Base(localPath)), "/")
}

// Upload stores the file at localPath and returns its public URL, or the s3:// location
// when no public base URL is configured.
func (a *S3Archive) Upload(ctx context.Context, platform, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := utils.SHA256File(localPath)
	if err != nil {
		return "", err
	}

	key := a.Key(platform, localPath)
	utils.Info("s3 upload", "bucket", a.bucket, "key", key)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("video/mp4"),
		Metadata:    map[string]string{"sha256": sum, "platform": platform},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	if a.baseURL == "" {
		return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
	}
	return fmt.Sprintf("%s/%s", a.baseURL, key), nil
}
