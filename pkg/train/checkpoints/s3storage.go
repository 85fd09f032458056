// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gomlx/gridtrain/internal/workerspool"
	"github.com/gomlx/gridtrain/pkg/errdefs"
	"github.com/pkg/errors"
)

// S3Client is the subset of the S3 API used by S3Storage. It is implemented by *s3.Client.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input,
		optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput,
		optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Storage stores objects in an S3 bucket, under a key prefix.
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
	pool   *workerspool.Pool
}

var _ Storage = (*S3Storage)(nil)

// NewS3Storage creates a storage on the given bucket. Keys are stored under prefix (it can be empty).
func NewS3Storage(client S3Client, bucket, prefix string) *S3Storage {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: prefix,
		pool:   workerspool.NewWithParallelism(16),
	}
}

// NewS3StorageFromConfig creates an S3 client with the default AWS configuration chain (environment,
// shared config files, instance roles), optionally overriding the region.
func NewS3StorageFromConfig(ctx context.Context, bucket, region, prefix string) (*S3Storage, error) {
	if bucket == "" {
		return nil, errdefs.NewConfigError("checkpoint.s3_bucket", "must be set for S3 storage")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS configuration")
	}
	return NewS3Storage(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

func (s *S3Storage) String() string { return "s3://" + path.Join(s.bucket, s.prefix) }

// Put implements Storage. The contents are buffered, since PutObject needs a seekable body.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrapf(err, "reading contents of %q", key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return errors.Wrapf(err, "putting %s/%s", s, key)
}

// Get implements Storage.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, errors.Wrapf(fs.ErrNotExist, "getting %s/%s", s, key)
		}
		return nil, errors.Wrapf(err, "getting %s/%s", s, key)
	}
	return out.Body, nil
}

// List implements Storage.
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s/%s", s, prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// Delete implements Storage. Objects are deleted in parallel.
func (s *S3Storage) Delete(ctx context.Context, prefix string) error {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	tasks := make([]func(context.Context) error, len(keys))
	for ii, key := range keys {
		tasks[ii] = func(ctx context.Context) error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(s.prefix + key),
			})
			return errors.Wrapf(err, "deleting %s/%s", s, key)
		}
	}
	return s.pool.Run(ctx, tasks...)
}
