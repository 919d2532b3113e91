package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openfroyo/archstate/pkg/engine"
)

// s3Location splits s3://bucket/key.
func s3Location(source string) (bucket, key string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: %v", source, err))
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", engine.NewInvocationError(fmt.Sprintf("Invalid source %s: expected s3://bucket/key", source))
	}
	return bucket, key, nil
}

// s3Service returns the lazily built S3 client. A configured endpoint is addressed
// path-style so that S3-compatible stores work.
func (f *Fetcher) s3Service(ctx context.Context) (*s3.Client, error) {
	f.s3Once.Do(func() {
		region := f.cfg.S3.Region
		if region == "" {
			region = "auto"
		}
		options := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(region),
		}
		if f.cfg.S3.AccessKeyID != "" {
			options = append(options, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(f.cfg.S3.AccessKeyID, f.cfg.S3.SecretAccessKey, ""),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
		if err != nil {
			f.s3Err = fmt.Errorf("failed to load s3 config: %w", err)
			return
		}

		f.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if f.cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(f.cfg.S3.Endpoint)
				o.UsePathStyle = true
			}
		})
	})
	return f.s3Client, f.s3Err
}

func (f *Fetcher) openS3(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	bucket, key, err := s3Location(source)
	if err != nil {
		return nil, 0, err
	}

	client, err := f.s3Service(ctx)
	if err != nil {
		return nil, 0, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, engine.NewTransientError(
			fmt.Sprintf("failed to download %s", source), err,
		).WithCode(engine.ErrCodeFetchFailed).WithOperation("download")
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return f.withProgress(out.Body, size, key), size, nil
}
