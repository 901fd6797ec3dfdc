package memory

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/errs"
)

func TestDriver_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.EnsureBucket(ctx, "inspections"))

	payload := []byte("compressed document bytes")
	require.NoError(t, d.Put(ctx, "inspections", "ds1/run1/public.json.gz", payload, "application/gzip"))

	obj, err := d.Get(ctx, "inspections", "ds1/run1/public.json.gz")
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "application/gzip", obj.Info().ContentType)
	assert.Equal(t, int64(len(payload)), obj.Info().Size)
}

func TestDriver_GetMissingObject(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.EnsureBucket(ctx, "inspections"))

	_, err := d.Get(ctx, "inspections", "nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestDriver_PutIntoMissingBucket(t *testing.T) {
	d := New()
	err := d.Put(context.Background(), "ghost", "key", []byte("x"), "text/plain")
	assert.True(t, errs.IsNotFound(err))
}

func TestDriver_StatAndRemove(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.EnsureBucket(ctx, "b"))
	require.NoError(t, d.Put(ctx, "b", "k", []byte("abc"), "text/plain"))

	info, err := d.Stat(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "k", info.Key)
	assert.Equal(t, int64(3), info.Size)

	require.NoError(t, d.Remove(ctx, "b", "k"))
	_, err = d.Stat(ctx, "b", "k")
	assert.True(t, errs.IsNotFound(err))
}

func TestDriver_PutIsolatesCallerBuffer(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.EnsureBucket(ctx, "b"))

	buf := []byte("original")
	require.NoError(t, d.Put(ctx, "b", "k", buf, "text/plain"))
	buf[0] = 'X'

	obj, err := d.Get(ctx, "b", "k")
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
