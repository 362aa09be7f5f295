package aws_s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/IliaW/image-crawler/config"
	"github.com/IliaW/image-crawler/internal/export"
	"github.com/IliaW/image-crawler/internal/model"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	jsoniter "github.com/json-iterator/go"
)

type S3BucketClient struct {
	client *s3.Client
	cfg    *config.Config
}

func NewS3BucketClient(cfg *config.Config) (*S3BucketClient, error) {
	slog.Info("connecting to s3...")

	c, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	return &S3BucketClient{
		client: c,
		cfg:    cfg,
	}, nil
}

// Export uploads the result to <key_prefix>/<host>/<session>/result.json.
func (bc *S3BucketClient) Export(ctx context.Context, result *model.Result) (string, error) {
	s3Key := ObjectKey(bc.cfg.S3Settings.KeyPrefix, result)
	body, err := jsoniter.MarshalIndent(export.Document(result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling failed: %w", err)
	}

	contentType := "application/json"
	_, err = bc.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bc.cfg.S3Settings.BucketName,
		Key:         &s3Key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save result to s3: %w", err)
	}
	slog.Debug("result saved to s3.", slog.String("key", s3Key))

	return fmt.Sprintf("s3://%s/%s", bc.cfg.S3Settings.BucketName, s3Key), nil
}

func ObjectKey(prefix string, result *model.Result) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, result.BaseHost, result.SessionID, "result.json")
}

func connect(cfg *config.Config) (*s3.Client, error) {
	s3Config, err := awsCfg.LoadDefaultConfig(context.Background(), awsCfg.WithRegion(cfg.S3Settings.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	if cfg.Env == "local" {
		s3Config.BaseEndpoint = &cfg.S3Settings.AwsBaseEndpoint // for LocalStack
		s3Config.Credentials = crd.NewStaticCredentialsProvider("test", "test", "")
		// LocalStack does not support virtual hosted bucket addressing, which s3 uses by default.
		slog.Warn("test configuration for S3")
		return s3.NewFromConfig(s3Config, func(o *s3.Options) {
			o.UsePathStyle = true
		}), nil
	}

	return s3.NewFromConfig(s3Config), nil
}
