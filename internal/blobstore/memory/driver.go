// Package memory provides an in-process implementation of
// blobstore.Store, used by tests and the runnable example.
package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/metaglass/metaglass/internal/blobstore"
	"github.com/metaglass/metaglass/internal/errs"
)

// Driver is an in-memory blobstore.Store.
// It is safe for concurrent use by multiple goroutines.
type Driver struct {
	mu      sync.RWMutex
	buckets map[string]map[string]entry
}

type entry struct {
	data        []byte
	contentType string
	modified    time.Time
}

// New returns an empty in-memory store.
func New() *Driver {
	return &Driver{buckets: make(map[string]map[string]entry)}
}

func (d *Driver) Ping(ctx context.Context) error { return nil }

func (d *Driver) Close() error { return nil }

func (d *Driver) EnsureBucket(ctx context.Context, bucket string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buckets[bucket]; !ok {
		d.buckets[bucket] = make(map[string]entry)
	}
	return nil
}

func (d *Driver) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buckets[bucket]
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "bucket %q does not exist", bucket)
	}
	b[key] = entry{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    time.Now(),
	}
	return nil
}

func (d *Driver) Get(ctx context.Context, bucket, key string) (blobstore.Object, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return &object{
		ReadCloser: io.NopCloser(bytes.NewReader(e.data)),
		info:       infoOf(key, e),
	}, nil
}

func (d *Driver) Stat(ctx context.Context, bucket, key string) (*blobstore.ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, err := d.lookup(bucket, key)
	if err != nil {
		return nil, err
	}
	return infoOf(key, e), nil
}

func (d *Driver) Remove(ctx context.Context, bucket, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}

func (d *Driver) lookup(bucket, key string) (entry, error) {
	b, ok := d.buckets[bucket]
	if !ok {
		return entry{}, errs.Newf(errs.ErrKindNotFound, "bucket %q does not exist", bucket)
	}
	e, ok := b[key]
	if !ok {
		return entry{}, errs.Newf(errs.ErrKindNotFound, "object %q does not exist", key)
	}
	return e, nil
}

func infoOf(key string, e entry) *blobstore.ObjectInfo {
	return &blobstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(e.data)),
		ContentType:  e.contentType,
		LastModified: e.modified,
	}
}

type object struct {
	io.ReadCloser
	info *blobstore.ObjectInfo
}

func (o *object) Info() *blobstore.ObjectInfo { return o.info }
