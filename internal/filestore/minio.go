// Package filestore stores document version files in MinIO-compatible object
// storage.
package filestore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"custodian/api/internal/util"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinIO{client: client, bucket: cfg.Bucket}, nil
}

// PresignUpload returns a short-lived PUT URL and the object key the client
// must upload to.
func (m *MinIO) PresignUpload(ctx context.Context, fileName string) (uploadURL, key string, err error) {
	key = "uploads/" + util.NewID("") + "/" + sanitize(fileName)
	presigned, err := m.client.PresignedPutObject(ctx, m.bucket, key, 15*time.Minute)
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	return presigned.String(), key, nil
}

// Rename copies an object to a key derived from the new name and removes the
// original, returning the new key and a read URL.
func (m *MinIO) Rename(ctx context.Context, oldKey, newName string) (newKey, readURL string, err error) {
	newKey = path.Dir(oldKey) + "/" + sanitize(newName)
	if newKey == oldKey {
		url, err := m.presignRead(ctx, oldKey)
		return oldKey, url, err
	}

	_, err = m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: newKey},
		minio.CopySrcOptions{Bucket: m.bucket, Object: oldKey},
	)
	if err != nil {
		return "", "", fmt.Errorf("copy %s to %s: %w", oldKey, newKey, err)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, oldKey, minio.RemoveObjectOptions{}); err != nil {
		return "", "", fmt.Errorf("remove %s: %w", oldKey, err)
	}

	url, err := m.presignRead(ctx, newKey)
	if err != nil {
		return "", "", err
	}
	return newKey, url, nil
}

func (m *MinIO) presignRead(ctx context.Context, key string) (string, error) {
	presigned, err := m.client.PresignedGetObject(ctx, m.bucket, key, 7*24*time.Hour, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign read: %w", err)
	}
	return presigned.String(), nil
}

func sanitize(name string) string {
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '-'
	}, name)
	if name == "" || name == "." {
		name = "file"
	}
	return name
}
