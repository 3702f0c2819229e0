package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avolkov/filedepot/internal/common"
	"github.com/avolkov/filedepot/internal/server/models"
)

func newTestDepot(t *testing.T) *DepotStore {
	t.Helper()
	d, err := NewDepotStore(t.TempDir(), "http://depot.local", []byte("test-signing-key"))
	require.NoError(t, err)
	return d
}

func TestDepot_PutAssignsKey(t *testing.T) {
	d := newTestDepot(t)
	ctx := context.Background()

	key, err := d.Put(ctx, "", []byte("hello"), "text/plain")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	ok, err := d.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDepot_HeadMetadata(t *testing.T) {
	d := newTestDepot(t)
	ctx := context.Background()

	key, err := d.Put(ctx, "", []byte("hello"), "text/plain")
	require.NoError(t, err)

	md, err := d.HeadMetadata(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(5), md.Size)
	require.Equal(t, "text/plain", md.ContentType)
	// sha256("hello")
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", md.Hash)
}

func TestDepot_HeadMetadata_Missing(t *testing.T) {
	d := newTestDepot(t)

	_, err := d.HeadMetadata(context.Background(), "no-such-key")
	require.True(t, errors.Is(err, common.ErrNotFound))
}

func TestDepot_DeleteIsIdempotent(t *testing.T) {
	d := newTestDepot(t)
	ctx := context.Background()

	key, err := d.Put(ctx, "", []byte("bye"), "")
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx, key))
	require.NoError(t, d.Delete(ctx, key))

	ok, err := d.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDepot_SignedReadURL_RoundTrip(t *testing.T) {
	d := newTestDepot(t)
	ctx := context.Background()

	key, err := d.Put(ctx, "", []byte("data"), "")
	require.NoError(t, err)

	signed, err := d.SignedReadURL(ctx, key, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(signed, "http://depot.local/depot/objects/"))

	u, err := url.Parse(signed)
	require.NoError(t, err)

	got, err := d.VerifyReadToken(u.Query().Get("token"))
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestDepot_VerifyReadToken_RejectsUploadScope(t *testing.T) {
	d := newTestDepot(t)

	dest, err := d.UploadDestination(context.Background(), "", 5*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(dest)
	require.NoError(t, err)

	_, err = d.VerifyReadToken(u.Query().Get("token"))
	require.Error(t, err)
}

func TestDepot_RejectsTraversalKeys(t *testing.T) {
	d := newTestDepot(t)
	ctx := context.Background()

	_, err := d.Put(ctx, "../escape", []byte("x"), "")
	require.Error(t, err)

	_, err = d.SignedReadURL(ctx, "a/b", 0)
	require.Error(t, err)
}

func TestSet_ForUnconfiguredBackend(t *testing.T) {
	d := newTestDepot(t)
	set := NewSet(d)

	_, err := set.For(models.BackendDepot)
	require.NoError(t, err)

	_, err = set.For(models.BackendR2)
	require.True(t, errors.Is(err, common.ErrConfig))
	require.False(t, set.Has(models.BackendR2))
}
