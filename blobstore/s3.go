package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// s3API is the part of the S3 client the driver uses.
type s3API interface {
	s3.ListObjectsV2APIClient

	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)

	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Driver stores blobs as objects of a single bucket.
type S3Driver struct {
	client s3API
	bucket string
}

// NewS3Driver creates a client from static credentials. A custom endpoint
// switches to path style addressing as most S3 compatible services expect.
func NewS3Driver(ctx context.Context, cfg *S3Config) (*S3Driver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			),
		),
	)
	if err != nil {
		return nil, storeErr("s3", "config", "", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Driver(client, cfg.Bucket), nil
}

func newS3Driver(client s3API, bucket string) *S3Driver {
	return &S3Driver{
		client: client,
		bucket: bucket,
	}
}

// Name returns "s3".
func (d *S3Driver) Name() string {
	return "s3"
}

// List pages through the bucket.
func (d *S3Driver) List(ctx context.Context) ([]string, error) {
	pages := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(d.bucket),
	})

	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, storeErr(d.Name(), "list", "", err)
		}

		for _, object := range page.Contents {
			keys = append(keys, aws.ToString(object.Key))
		}
	}

	return keys, nil
}

// Fetch downloads the object key.
func (d *S3Driver) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
		}

		return nil, storeErr(d.Name(), "fetch", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, storeErr(d.Name(), "fetch", key, err)
	}

	return data, nil
}

// Upload puts data under key as a JSON object.
func (d *S3Driver) Upload(ctx context.Context, key string,
	data []byte) (int, error) {

	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return 0, storeErr(d.Name(), "upload", key, err)
	}

	return len(data), nil
}
