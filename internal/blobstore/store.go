// Package blobstore defines the unified interface for the object storage
// backend holding inspected-schema documents.
//
// Each run writes one compressed document per schema before extraction
// fans out, and the extraction tasks read them back — this indirection
// lets a task be retried without re-inspecting the remote database.
//
// All providers (MinIO, in-memory) implement the Store interface.
// Callers depend only on this package — never on a provider package.
package blobstore

import (
	"context"
	"io"
	"time"
)

// Store is the interface all blob storage providers must implement.
type Store interface {
	// Ping verifies the storage backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any held resources.
	Close() error

	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// Put writes the object at key inside bucket.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Get opens a streaming handle to the object at key inside bucket.
	// The caller MUST call Object.Close() after reading.
	Get(ctx context.Context, bucket, key string) (Object, error)

	// Stat returns metadata for the object at key inside bucket without
	// downloading its content.
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// Remove deletes the object at key inside bucket. Removing a
	// missing object is not an error.
	Remove(ctx context.Context, bucket, key string) error
}

// ObjectInfo describes a single stored object.
type ObjectInfo struct {
	// Key is the full object path within the bucket.
	Key string

	// Size is the byte size of the object. -1 if unknown.
	Size int64

	// ContentType is the MIME type.
	ContentType string

	// ETag is the object's entity tag, as returned by the backend.
	ETag string

	// LastModified is when the object was last written.
	LastModified time.Time
}

// Object is a streaming handle to an object's content.
// The caller MUST call Close() after reading to avoid resource leaks.
type Object interface {
	io.ReadCloser

	// Info returns the metadata for this object.
	Info() *ObjectInfo
}

// Config holds all settings needed to connect to a blob storage backend.
type Config struct {
	// Endpoint is the host:port of the storage server.
	// Example: "localhost:9000" for local MinIO.
	Endpoint string `yaml:"endpoint"`

	// AccessKey is the access key ID (MinIO / S3 style).
	AccessKey string `yaml:"access_key"`

	// SecretKey is the secret access key.
	SecretKey string `yaml:"secret_key"`

	// UseSSL controls whether TLS is used for the connection.
	UseSSL bool `yaml:"use_ssl"`

	// Region is used by region-aware backends. Leave empty for MinIO.
	Region string `yaml:"region"`

	// Bucket is the bucket holding inspection documents.
	Bucket string `yaml:"bucket"`
}

// DefaultConfig returns a sensible local-dev config for MinIO.
func DefaultConfig(endpoint, accessKey, secretKey string) *Config {
	return &Config{
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		UseSSL:    false,
		Bucket:    "metaglass-inspections",
	}
}
