package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/uppend/blobstore"
	miniostore "github.com/hupe1980/uppend/blobstore/minio"
	s3store "github.com/hupe1980/uppend/blobstore/s3"
)

// openTarget resolves a backup location. Supported forms:
//
//	/path/to/dir or file:///path/to/dir
//	s3://bucket/prefix
//	minio://bucket/prefix
func openTarget(ctx context.Context, c config, target string) (blobstore.BlobStore, error) {
	if target == "" {
		return nil, errors.New("backup target is required")
	}
	if !strings.Contains(target, "://") {
		return blobstore.NewLocalStore(target), nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("backup target: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "file":
		return blobstore.NewLocalStore(u.Path), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("backup target %q: missing bucket", target)
		}
		var opts []s3store.Option
		if prefix != "" {
			opts = append(opts, s3store.WithPrefix(prefix))
		}
		if c.S3Region != "" {
			opts = append(opts, s3store.WithRegion(c.S3Region))
		}
		if c.S3Endpoint != "" {
			opts = append(opts, s3store.WithEndpoint(c.S3Endpoint))
		}
		st, err := s3store.New(ctx, u.Host, opts...)
		if err != nil {
			return nil, err
		}
		if c.DynamoTable == "" {
			return st, nil
		}

		var loadOpts []func(*awsconfig.LoadOptions) error
		if c.S3Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(c.S3Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, err
		}
		return s3store.NewCatalogStore(st, dynamodb.NewFromConfig(awsCfg), c.DynamoTable, target), nil
	case "minio":
		if u.Host == "" {
			return nil, fmt.Errorf("backup target %q: missing bucket", target)
		}
		if c.MinioEndpoint == "" {
			return nil, fmt.Errorf("backup target %q: UPPEND_MINIO_ENDPOINT is not set", target)
		}
		return miniostore.Connect(ctx, c.MinioEndpoint, u.Host,
			miniostore.WithCredentials(c.MinioAccessKey, c.MinioSecretKey),
			miniostore.WithSecure(c.MinioSecure),
			miniostore.WithPrefix(prefix),
			miniostore.WithCreateBucket(),
		)
	default:
		return nil, fmt.Errorf("backup target %q: unsupported scheme %q", target, u.Scheme)
	}
}
