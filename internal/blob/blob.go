// Package blob stores original document bytes on local disk and mints
// time-bounded signed URLs for them.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

var (
	// ErrInvalidRef is returned for references that escape the store root.
	ErrInvalidRef = eris.New("blob: invalid reference")
	// ErrBadSignature is returned when a signed URL fails verification.
	ErrBadSignature = eris.New("blob: bad signature")
	// ErrExpired is returned when a signed URL is past its expiry.
	ErrExpired = eris.New("blob: signed url expired")
)

const defaultURLTTL = time.Hour

// FileStore keeps blobs under a root directory. References are slash
// separated keys relative to the root.
type FileStore struct {
	dir     string
	key     []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewFileStore creates the root directory if needed. An empty signing key
// disables URL signing.
func NewFileStore(cfg config.BlobConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, eris.New("blob: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, eris.Wrapf(err, "blob: create dir %s", cfg.Dir)
	}
	ttl := time.Duration(cfg.URLTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = defaultURLTTL
	}
	return &FileStore{
		dir:     cfg.Dir,
		key:     []byte(cfg.SigningKey),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// DefaultTTL is the signed URL lifetime used when callers pass zero.
func (f *FileStore) DefaultTTL() time.Duration { return f.ttl }

// Put writes data under key and returns its reference.
func (f *FileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	p, err := f.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", eris.Wrapf(err, "blob: create dir for %s", key)
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return "", eris.Wrapf(err, "blob: write %s", key)
	}
	zap.L().Debug("blob: stored", zap.String("ref", key), zap.Int("bytes", len(data)))
	return key, nil
}

// Get reads the blob stored under ref.
func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	p, err := f.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "blob: read %s", ref)
	}
	return data, nil
}

// SignedURL returns a URL for ref valid for ttl, or for the configured
// default when ttl is zero.
func (f *FileStore) SignedURL(ref string, ttl time.Duration) (string, error) {
	if len(f.key) == 0 {
		return "", eris.New("blob: signing key not configured")
	}
	if _, err := f.path(ref); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = f.ttl
	}
	expires := strconv.FormatInt(f.now().Add(ttl).Unix(), 10)

	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", f.sign(ref, expires))
	return f.baseURL + "/blobs/" + ref + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (f *FileStore) Verify(ref, expires, sig string) error {
	if len(f.key) == 0 {
		return ErrBadSignature
	}
	want := f.sign(ref, expires)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if f.now().Unix() > ts {
		return ErrExpired
	}
	return nil
}

func (f *FileStore) sign(ref, expires string) string {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(ref + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// path maps a reference to a file under the root, rejecting traversal.
func (f *FileStore) path(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", eris.Wrapf(ErrInvalidRef, "blob: %q", ref)
	}
	clean := path.Clean(ref)
	if clean != ref || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", eris.Wrapf(ErrInvalidRef, "blob: %q", ref)
	}
	return filepath.Join(f.dir, filepath.FromSlash(clean)), nil
}
