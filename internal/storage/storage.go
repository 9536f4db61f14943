// Package storage reads and writes task files in S3-compatible or GCS buckets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/austindbirch/harbor_oracle/internal/events"
)

var ErrNotFound = errors.New("object not found")

const (
	ProviderS3  = "s3"
	ProviderGCS = "gcs"
)

// Client is a bucket-addressed object store
type Client interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// ComposeKey is the object key of file within the task's folder
func ComposeKey(task events.TaskKey, file string) string {
	return fmt.Sprintf("%s@%d/%s", task.EscrowAddress, task.ChainID, strings.TrimPrefix(file, "/"))
}

// BucketURL is a parsed object or bucket URL
type BucketURL struct {
	Provider string
	Host     string // endpoint without the bucket label, empty for the provider default
	Bucket   string
	Path     string
}

const (
	awsHost = "amazonaws.com"
	gcsHost = "storage.googleapis.com"
)

// ParseBucketURL understands s3:// and gs:// URLs and virtual-hosted style
// https URLs. Hosts other than AWS and GCS are taken as S3-compatible with the
// bucket as first host label.
func ParseBucketURL(raw string) (BucketURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return BucketURL{}, fmt.Errorf("parse bucket url: %w", err)
	}
	path := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "s3":
		return BucketURL{Provider: ProviderS3, Bucket: u.Host, Path: path}, nil
	case "gs":
		return BucketURL{Provider: ProviderGCS, Bucket: u.Host, Path: path}, nil
	case "http", "https":
	default:
		return BucketURL{}, fmt.Errorf("unsupported bucket url scheme %q", u.Scheme)
	}

	host := u.Hostname()
	bucket, rest, ok := strings.Cut(host, ".")
	if !ok || bucket == "" {
		return BucketURL{}, fmt.Errorf("bucket url %q has no bucket label", raw)
	}
	switch {
	case rest == gcsHost:
		return BucketURL{Provider: ProviderGCS, Bucket: bucket, Path: path}, nil
	case strings.HasSuffix(rest, awsHost):
		return BucketURL{Provider: ProviderS3, Bucket: bucket, Path: path}, nil
	default:
		endpoint := u.Scheme + "://" + rest
		if p := u.Port(); p != "" {
			endpoint += ":" + p
		}
		return BucketURL{Provider: ProviderS3, Host: endpoint, Bucket: bucket, Path: path}, nil
	}
}

// ObjectURL joins a public bucket base URL and an object key
func ObjectURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}

// Memory is an in-process Client for tests and local runs
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}
