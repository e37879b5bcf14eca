package blob

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(config.BlobConfig{
		Dir:        t.TempDir(),
		SigningKey: "secret",
		BaseURL:    "http://localhost:8080/",
		URLTTLSecs: 60,
	})
	require.NoError(t, err)
	fs.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return fs
}

func TestFileStore_PutGet(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	ref, err := fs.Put(ctx, "pending/abcd1234_hbl.pdf", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "pending/abcd1234_hbl.pdf", ref)

	data, err := fs.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	fs := newTestStore(t)
	for _, ref := range []string{"", "/etc/passwd", "../x", "a/../../x", "a//b", `a\b`, "."} {
		_, err := fs.Put(context.Background(), ref, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	fs := newTestStore(t)
	_, err := fs.Get(context.Background(), "pending/none.pdf")
	require.Error(t, err)
}

func TestFileStore_SignedURLRoundTrip(t *testing.T) {
	fs := newTestStore(t)

	raw, err := fs.SignedURL("pending/abcd1234_hbl.pdf", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "http://localhost:8080/blobs/pending/abcd1234_hbl.pdf?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "1700000060", q.Get("expires"))
	require.NoError(t, fs.Verify("pending/abcd1234_hbl.pdf", q.Get("expires"), q.Get("sig")))

	assert.ErrorIs(t, fs.Verify("pending/other.pdf", q.Get("expires"), q.Get("sig")), ErrBadSignature)
	assert.ErrorIs(t, fs.Verify("pending/abcd1234_hbl.pdf", "1700009999", q.Get("sig")), ErrBadSignature)

	fs.now = func() time.Time { return time.Unix(1_700_000_061, 0) }
	assert.ErrorIs(t, fs.Verify("pending/abcd1234_hbl.pdf", q.Get("expires"), q.Get("sig")), ErrExpired)
}

func TestFileStore_SignedURLCustomTTL(t *testing.T) {
	fs := newTestStore(t)
	raw, err := fs.SignedURL("pending/x.pdf", 10*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, raw, "expires=1700000600")
}

func TestFileStore_NoSigningKey(t *testing.T) {
	fs, err := NewFileStore(config.BlobConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, defaultURLTTL, fs.DefaultTTL())

	_, err = fs.SignedURL("pending/x.pdf", 0)
	require.Error(t, err)
	assert.ErrorIs(t, fs.Verify("pending/x.pdf", "1", "abc"), ErrBadSignature)
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(config.BlobConfig{})
	require.Error(t, err)
}
