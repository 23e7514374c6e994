// Package attachment resolves message attachment specs to bytes, caching
// content by MD5 across a memory and a disk tier.
package attachment

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/softwell/mailproxy/internal/pkg/httpretry"
	"github.com/softwell/mailproxy/internal/pkg/logger"
	"github.com/softwell/mailproxy/internal/storage"
)

// Fetch modes accepted in attachment specs.
const (
	ModeEndpoint   = "endpoint"
	ModeHTTPURL    = "http_url"
	ModeBase64     = "base64"
	ModeFilesystem = "filesystem"
)

var (
	md5MarkerRe = regexp.MustCompile(`\{MD5:([0-9a-fA-F]{32})\}`)
	// Collapses the underscore debris left around a stripped marker.
	markerGapRe = regexp.MustCompile(`__+`)
)

// ParseFilename splits an embedded `{MD5:<hex>}` marker out of a filename,
// returning the cleaned name and the lowercase hash ("" when absent).
func ParseFilename(filename string) (clean, md5hex string) {
	m := md5MarkerRe.FindStringSubmatch(filename)
	if m == nil {
		return filename, ""
	}
	clean = md5MarkerRe.ReplaceAllString(filename, "")
	clean = markerGapRe.ReplaceAllString(clean, "_")
	clean = strings.Trim(clean, "_")
	return clean, strings.ToLower(m[1])
}

// Result is one fetched attachment.
type Result struct {
	Filename string
	Data     []byte
	MimeType string
}

// Fetcher resolves attachment specs against the tenant's endpoint, direct
// URLs, the local filesystem, or inline base64.
type Fetcher struct {
	client  httpretry.HTTPDoer
	cache   Cache
	baseDir string // filesystem mode root; empty disables the mode
}

// NewFetcher builds a fetcher. A nil client gets the retrying default.
func NewFetcher(client httpretry.HTTPDoer, cache Cache, baseDir string) *Fetcher {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 3)
	}
	return &Fetcher{client: client, cache: cache, baseDir: baseDir}
}

// Fetch resolves one spec to bytes and a clean filename. A nil result with
// nil error never happens; failures are errors.
func (f *Fetcher) Fetch(ctx context.Context, tenant *storage.Tenant, spec *storage.AttachmentSpec) (*Result, error) {
	clean, marker := ParseFilename(spec.Filename)
	key := strings.ToLower(spec.ContentMD5)
	if key == "" {
		key = marker
	}

	if key != "" && f.cache != nil {
		if data, ok := f.cache.Get(key); ok {
			return &Result{Filename: clean, Data: data, MimeType: spec.MimeType}, nil
		}
	}

	var data []byte
	var err error
	switch spec.FetchMode {
	case ModeBase64:
		data, err = decodeBase64(spec.StoragePath)
	case ModeFilesystem:
		data, err = f.readLocal(spec.StoragePath)
	case ModeHTTPURL:
		data, err = f.httpGet(ctx, spec.StoragePath, spec.Auth)
	case ModeEndpoint, "":
		data, err = f.endpointFetch(ctx, tenant, spec)
	default:
		err = fmt.Errorf("unknown fetch mode %q", spec.FetchMode)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", clean, err)
	}

	if f.cache != nil {
		sum := md5.Sum(data)
		f.cache.Set(hex.EncodeToString(sum[:]), data)
	}
	return &Result{Filename: clean, Data: data, MimeType: spec.MimeType}, nil
}

// FetchBatch resolves all specs of one message concurrently, bounded by
// the caller's semaphore discipline. Results keep spec order.
func (f *Fetcher) FetchBatch(ctx context.Context, tenant *storage.Tenant, specs []storage.AttachmentSpec) ([]*Result, error) {
	results := make([]*Result, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range specs {
		i := i
		g.Go(func() error {
			r, err := f.Fetch(gctx, tenant, &specs[i])
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// decodeBase64 tolerates missing padding and URL-safe alphabets.
func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(payload); err == nil {
			return data, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 payload")
}

func (f *Fetcher) readLocal(storagePath string) ([]byte, error) {
	if f.baseDir == "" {
		return nil, fmt.Errorf("filesystem mode disabled")
	}
	full := filepath.Join(f.baseDir, filepath.Clean("/"+storagePath))
	rel, err := filepath.Rel(f.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("path escapes attachment root")
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read local file: %w", err)
	}
	return data, nil
}

func (f *Fetcher) httpGet(ctx context.Context, url string, auth *storage.AuthConfig) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	applyAuth(req, auth)
	return f.doRead(req)
}

func (f *Fetcher) endpointFetch(ctx context.Context, tenant *storage.Tenant, spec *storage.AttachmentSpec) ([]byte, error) {
	if tenant == nil || tenant.AttachmentURL() == "" {
		return nil, fmt.Errorf("tenant has no attachment endpoint")
	}
	body, err := json.Marshal(map[string]string{"storage_path": spec.StoragePath})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tenant.AttachmentURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	auth := spec.Auth
	if auth == nil {
		auth = tenant.ClientAuth
	}
	applyAuth(req, auth)
	return f.doRead(req)
}

func (f *Fetcher) doRead(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("attachment fetch returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment body: %w", err)
	}
	if len(data) == 0 {
		logger.Debug("attachment fetch returned empty body", "url", req.URL.String())
	}
	return data, nil
}

func applyAuth(req *http.Request, auth *storage.AuthConfig) {
	if auth == nil {
		return
	}
	switch auth.Method {
	case storage.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case storage.AuthBasic:
		req.SetBasicAuth(auth.User, auth.Password)
	}
}
