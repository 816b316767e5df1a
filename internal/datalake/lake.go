package datalake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Object describes a stored artifact.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	LastModified time.Time `json:"lastModified"`
}

// Lake stores document artifacts (exports, attachments) in S3-compatible
// object storage, keyed under a per-document prefix.
type Lake struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Logger    *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, opts Options) (*Lake, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Lake{client: client, bucket: opts.Bucket, logger: logger.With("component", "datalake")}, nil
}

func documentPrefix(documentID string) string {
	return "documents/" + documentID + "/"
}

// Put stores an artifact under the document's prefix and returns its key.
func (l *Lake) Put(ctx context.Context, documentID, name, contentType string, data []byte) (string, error) {
	key := path.Join(documentPrefix(documentID), name)
	_, err := l.client.PutObject(ctx, l.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	l.logger.Debug("stored artifact", "key", key, "bytes", len(data))
	return key, nil
}

// Get reads an artifact back.
func (l *Lake) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := l.client.GetObject(ctx, l.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// List returns the artifacts stored for a document.
func (l *Lake) List(ctx context.Context, documentID string) ([]Object, error) {
	var objects []Object
	for info := range l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{
		Prefix:    documentPrefix(documentID),
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list objects for %s: %w", documentID, info.Err)
		}
		objects = append(objects, Object{
			Key:          info.Key,
			Size:         info.Size,
			ContentType:  info.ContentType,
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}

// RemoveDocument deletes every artifact stored under the document's prefix
// and reports how many objects were removed.
func (l *Lake) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	removed := 0
	for info := range l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{
		Prefix:    documentPrefix(documentID),
		Recursive: true,
	}) {
		if info.Err != nil {
			return removed, fmt.Errorf("list objects for %s: %w", documentID, info.Err)
		}
		if err := l.client.RemoveObject(ctx, l.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove object %s: %w", info.Key, err)
		}
		removed++
	}
	return removed, nil
}
