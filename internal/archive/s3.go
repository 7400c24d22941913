// Package archive uploads finished run directories to S3-compatible storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Config configures the S3 archive.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`

	// Default: us-east-1
	Region string `yaml:"region"`

	// Endpoint points at MinIO or another S3-compatible server.
	Endpoint string `yaml:"endpoint"`

	// Prefix is prepended to every object key.
	// Default: ragbench
	Prefix string `yaml:"prefix"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Putter is the part of the S3 client the archive uses.
type Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive uploads run directories under <prefix>/<run name>/.
type Archive struct {
	client Putter
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates an archive backed by S3.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, bucket, cfg.Prefix, logger), nil
}

// NewWithClient creates an archive around an existing client.
func NewWithClient(client Putter, bucket, prefix string, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "ragbench"
	}
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With("component", "archive"),
	}
}

// UploadRun uploads every file under runDir and returns the object URL of
// the run prefix.
func (a *Archive) UploadRun(ctx context.Context, runDir string) (string, error) {
	info, err := os.Stat(runDir)
	if err != nil {
		return "", fmt.Errorf("stat run dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", runDir)
	}
	runName := filepath.Base(filepath.Clean(runDir))
	base := path.Join(a.prefix, runName)

	uploaded := 0
	err = filepath.WalkDir(runDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			return err
		}
		key := path.Join(base, filepath.ToSlash(rel))
		if err := a.put(ctx, p, key); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return "", err
	}
	a.logger.Info("run archived", "run", runName, "objects", uploaded, "bucket", a.bucket)
	return fmt.Sprintf("s3://%s/%s/", a.bucket, base), nil
}

func (a *Archive) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   f,
	}
	if ct := contentType(file); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 put object %s: %s: %w", key, apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("s3 put object %s: %w", key, err)
	}
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain; charset=utf-8"
	default:
		return mime.TypeByExtension(filepath.Ext(file))
	}
}
