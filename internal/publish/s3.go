package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tool-factory/internal/config"
	"tool-factory/internal/gateway"
)

// Publisher uploads finished tool artifacts to S3-compatible storage. Calls
// are expected to run through the external operation gateway, so failures
// are reported as gateway.CallError when a response status is known.
type Publisher struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

func New(ctx context.Context, cfg config.Config) (*Publisher, error) {
	if cfg.PublishBucket == "" {
		return nil, errors.New("PUBLISH_S3_BUCKET is not configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.PublishRegion),
	}
	if cfg.PublishEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.PublishEndpoint,
					HostnameImmutable: cfg.PublishPathStyle,
					SigningRegion:     cfg.PublishRegion,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PublishPathStyle
	})

	baseURL := cfg.PublishBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.PublishBucket)
	}
	return &Publisher{client: client, bucket: cfg.PublishBucket, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Publish uploads body under key and returns the public URL of the artifact.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			return "", &gateway.CallError{StatusCode: re.HTTPStatusCode(), Message: err.Error()}
		}
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s", p.baseURL, key), nil
}
