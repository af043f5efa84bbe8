package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/errs"
)

// AWS stores archives in Amazon S3 using the SDK default credential chain.
type AWS struct {
	Client *s3.Client
	Bucket string
}

func NewAWS(ctx context.Context, cfg config.AWSStore) (*AWS, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &AWS{Client: client, Bucket: cfg.Bucket}, nil
}

// Put uploads reader. PutObject needs a seekable body of known length, so
// streams of unknown size are spooled to a temp file first.
func (a *AWS) Put(ctx context.Context, key string, reader io.Reader, size int64, metadata map[string]string) error {
	body, length := reader, size
	if _, ok := reader.(io.ReadSeeker); !ok || size < 0 {
		tmp, err := os.CreateTemp("", "tmr-upload-*")
		if err != nil {
			return fmt.Errorf("spool upload: %w", err)
		}
		defer os.Remove(tmp.Name())
		defer tmp.Close()
		if length, err = io.Copy(tmp, reader); err != nil {
			return fmt.Errorf("spool upload: %w", err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		body = tmp
	}
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(length),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (a *AWS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := a.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, a.mapErr(err, key)
	}
	return out.Body, nil
}

func (a *AWS) Stat(ctx context.Context, key string) (Object, error) {
	out, err := a.Client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(a.Bucket), Key: aws.String(key)})
	if err != nil {
		return Object{}, a.mapErr(err, key)
	}
	obj := Object{Key: key, Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag), Metadata: out.Metadata, IsManifest: strings.HasSuffix(key, ManifestSuffix)}
	if out.LastModified != nil {
		obj.Modified = *out.LastModified
	}
	return obj, nil
}

func (a *AWS) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := []Object{}
	p := s3.NewListObjectsV2Paginator(a.Client, &s3.ListObjectsV2Input{Bucket: aws.String(a.Bucket), Prefix: aws.String(prefix)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			obj := Object{Key: key, Size: aws.ToInt64(o.Size), ETag: aws.ToString(o.ETag), IsManifest: strings.HasSuffix(key, ManifestSuffix)}
			if o.LastModified != nil {
				obj.Modified = *o.LastModified
			}
			objects = append(objects, obj)
		}
	}
	return objects, nil
}

func (a *AWS) Delete(ctx context.Context, key string) error {
	_, err := a.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.Bucket), Key: aws.String(key)})
	return err
}

func (a *AWS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.Stat(ctx, key)
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *AWS) mapErr(err error, key string) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return errs.E(errs.NotFound, "archive %s not found", key)
	}
	return fmt.Errorf("%s: %w", key, err)
}
