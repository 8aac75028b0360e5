// Package minio implements the oplog archive tier on any S3-compatible
// object store. Sealed, compressed oplog chunks are immutable objects keyed
// by worker and chunk index.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the bucket holding archived chunks.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Archive is the S3-backed oplog.Archive implementation.
type Archive struct {
	client *minio.Client
	bucket string
	region string

	initOnce sync.Once
	initErr  error
}

// NewArchive creates a client for the configured bucket. The bucket is
// created lazily on first use.
func NewArchive(cfg Config) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive client: %w", err)
	}
	return &Archive{client: client, bucket: cfg.Bucket, region: region}, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

func objectKey(worker string, chunk uint64) string {
	// Worker keys contain a "/" between component id and name already; the
	// chunk suffix keeps listings ordered.
	return fmt.Sprintf("oplog/%s/%012d.zst", worker, chunk)
}

func (a *Archive) PutChunk(ctx context.Context, worker string, chunk uint64, data []byte) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	_, err := a.client.PutObject(ctx, a.bucket, objectKey(worker, chunk),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/zstd",
		})
	if err != nil {
		return fmt.Errorf("put chunk %d of %s: %w", chunk, worker, err)
	}
	return nil
}

func (a *Archive) GetChunk(ctx context.Context, worker string, chunk uint64) ([]byte, error) {
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	obj, err := a.client.GetObject(ctx, a.bucket, objectKey(worker, chunk), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get chunk %d of %s: %w", chunk, worker, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d of %s: %w", chunk, worker, err)
	}
	return data, nil
}

func (a *Archive) DeleteWorker(ctx context.Context, worker string) error {
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := fmt.Sprintf("oplog/%s/", worker)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return err
		}
	}
	return nil
}
