package staging

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactConfig configures optional S3-backed terminal storage for
// extracted-audio artifacts and subtitle result caching. Staging itself
// always lands the acquired source file on local disk first; ArtifactStore
// is only consulted for the byproducts named above.
type ArtifactConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // optional: S3-compatible endpoint override
	AccessKeyID     string
	SecretAccessKey string
}

// ArtifactStore uploads terminal byproducts to S3.
type ArtifactStore struct {
	client *s3.Client
	bucket string
	region string
}

// NewArtifactStore builds an ArtifactStore from cfg.
func NewArtifactStore(ctx context.Context, cfg ArtifactConfig) (*ArtifactStore, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("staging: load aws config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &ArtifactStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

// PutExtractedAudio uploads an audio extraction byproduct and returns
// its public URL. name must be unique per extraction; callers use a
// generated token since /audio/extract has no job to scope by.
func (a *ArtifactStore) PutExtractedAudio(ctx context.Context, name string, data io.Reader) (string, error) {
	return a.put(ctx, "audio/"+name, data)
}

// PutSubtitleCache uploads a rendered subtitle document under a
// jobID+format-scoped key and returns its public URL. Each call
// overwrites the object; nothing in this package reads it back, and
// GET /tasks/{id}/subtitle renders the document on every request.
func (a *ArtifactStore) PutSubtitleCache(ctx context.Context, jobID int64, format string, data io.Reader) (string, error) {
	return a.put(ctx, fmt.Sprintf("subtitles/%d.%s", jobID, format), data)
}

func (a *ArtifactStore) put(ctx context.Context, key string, data io.Reader) (string, error) {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return "", fmt.Errorf("staging: upload artifact: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.bucket, a.region, key), nil
}
