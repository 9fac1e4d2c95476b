package pinning

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrEmptyObject = errors.New("empty s3 object")

// ObjectFetcher 对象存储读取
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

// S3Config S3 配置
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3Fetcher 基于 s3 manager 的分片下载
type S3Fetcher struct {
	downloader *manager.Downloader
}

// NewS3Fetcher 使用默认凭证链创建 S3 读取器
func NewS3Fetcher(ctx context.Context, cfg *S3Config) (*S3Fetcher, error) {
	sdkConfig, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(sdkConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3FetcherWithClient(client), nil
}

// NewS3FetcherWithClient 使用已有客户端
func NewS3FetcherWithClient(client manager.DownloadAPIClient) *S3Fetcher {
	return &S3Fetcher{
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.Concurrency = 4
			d.PartSize = 8 * 1024 * 1024
		}),
	}
}

// Fetch 下载整个对象
func (f *S3Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	buffer := manager.NewWriteAtBuffer([]byte{})
	n, err := f.downloader.Download(ctx, buffer, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if n < 1 {
		return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrEmptyObject)
	}
	return buffer.Bytes(), nil
}
