// Package httpsource acquires packages from a static release index served
// over HTTP(S).
//
// The index is a JSON document:
//
//	{"releases": [{"plugin_id": "netmon", "version": "1.2.0",
//	  "url": "netmon-1.2.0.rpk", "digest": "sha256:...", "size": 1234,
//	  "published_at": "2026-01-02T15:04:05Z"}]}
//
// Relative URLs resolve against the index URL.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/reglet-dev/reglet-sandbox/netutil"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Size limits.
const (
	MaxIndexSize   = 1 << 20
	MaxPackageSize = 64 << 20
)

type indexDocument struct {
	Releases []indexEntry `json:"releases"`
}

type indexEntry struct {
	PublishedAt time.Time     `json:"published_at"`
	PluginID    string        `json:"plugin_id"`
	Version     string        `json:"version"`
	URL         string        `json:"url"`
	Digest      values.Digest `json:"digest"`
	Size        int64         `json:"size"`
}

// Acquirer implements ports.Acquirer over a release index.
type Acquirer struct {
	client         *http.Client
	logger         *slog.Logger
	indexURL       string
	dir            string
	maxPackageSize int64
}

var _ ports.Acquirer = (*Acquirer)(nil)

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Acquirer) {
		if c != nil {
			a.client = c
		}
	}
}

// WithDownloadDir sets where downloads are written. Defaults to os.TempDir.
func WithDownloadDir(dir string) Option {
	return func(a *Acquirer) { a.dir = dir }
}

// WithMaxPackageSize bounds a single download.
func WithMaxPackageSize(n int64) Option {
	return func(a *Acquirer) {
		if n > 0 {
			a.maxPackageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAcquirer creates an acquirer for the index at indexURL. The default
// client retries transient failures and refuses private destinations.
func NewAcquirer(indexURL string, opts ...Option) *Acquirer {
	a := &Acquirer{
		indexURL:       indexURL,
		logger:         slog.Default(),
		maxPackageSize: MaxPackageSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = DefaultClient(a.logger, false)
	}
	return a
}

// DefaultClient builds a client with DNS pinning, SSRF protection and
// retries.
func DefaultClient(logger *slog.Logger, allowPrivate bool) *http.Client {
	dialer := &netutil.SecureDialer{
		AllowPrivateNetwork: allowPrivate,
		OnBlocked: func(addr, reason string) {
			logger.Warn("release source blocked", "address", addr, "reason", reason)
		},
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     netutil.TLSConfig(),
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		Transport: &netutil.RetryTransport{
			Base: transport,
			OnRetry: func(attempt int, wait time.Duration, status int) {
				logger.Debug("retrying release source", "attempt", attempt, "wait", wait, "status", status)
			},
		},
	}
}

func (a *Acquirer) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", netutil.StripCredentials(rawURL), err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, entities.NewNotFoundError(entities.KindRelease, netutil.StripCredentials(rawURL))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", netutil.StripCredentials(rawURL), resp.Status)
	}
	return resp, nil
}

// FetchReleases reads the index. Entries without a valid id, semantic
// version or URL are skipped.
func (a *Acquirer) FetchReleases(ctx context.Context) ([]ports.ReleaseDescriptor, error) {
	resp, err := a.get(ctx, a.indexURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var doc indexDocument
	if err := json.NewDecoder(netutil.NewLimitedReader(resp.Body, MaxIndexSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode release index: %w", err)
	}

	releases := make([]ports.ReleaseDescriptor, 0, len(doc.Releases))
	for _, e := range doc.Releases {
		if _, err := values.NewPluginID(e.PluginID); err != nil {
			a.logger.Debug("skipping release", "plugin", e.PluginID, "error", err)
			continue
		}
		if _, err := semver.StrictNewVersion(e.Version); err != nil || e.URL == "" {
			a.logger.Debug("skipping release", "plugin", e.PluginID, "version", e.Version)
			continue
		}
		src, err := netutil.ResolveReference(a.indexURL, e.URL)
		if err != nil {
			a.logger.Debug("skipping release", "plugin", e.PluginID, "url", e.URL, "error", err)
			continue
		}
		releases = append(releases, ports.ReleaseDescriptor{
			PluginID:    e.PluginID,
			Version:     e.Version,
			Source:      src,
			Digest:      e.Digest,
			Size:        e.Size,
			PublishedAt: e.PublishedAt,
		})
	}
	return releases, nil
}

// Download fetches release.Source into a temp file, hashing as it goes.
// A digest mismatch is a TrustError and leaves no file behind.
func (a *Acquirer) Download(ctx context.Context, release ports.ReleaseDescriptor, onProgress ports.ProgressFunc) (string, error) {
	if release.Source == "" {
		return "", entities.NewNotFoundError(entities.KindRelease, release.PluginID)
	}
	hasher, err := values.NewHasher(release.Digest.Algorithm())
	if err != nil {
		return "", err
	}

	resp, err := a.get(ctx, release.Source)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	total := resp.ContentLength
	if total < 0 && release.Size > 0 {
		total = release.Size
	}

	out, err := os.CreateTemp(a.dir, "download-*.rpk")
	if err != nil {
		return "", err
	}
	keep := false
	defer func() {
		_ = out.Close()
		if !keep {
			_ = os.Remove(out.Name())
		}
	}()

	body := &progressReader{r: netutil.NewLimitedReader(resp.Body, a.maxPackageSize), total: total, fn: onProgress}
	n, err := io.Copy(io.MultiWriter(out, hasher), body)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", netutil.StripCredentials(release.Source), err)
	}

	got := hasher.Digest()
	if !release.Digest.IsZero() && !got.Equals(release.Digest) {
		return "", &entities.TrustError{
			PluginID: release.PluginID,
			Reason:   fmt.Sprintf("downloaded digest %s does not match release digest %s", got, release.Digest),
		}
	}
	keep = true
	a.logger.Info("package downloaded",
		"source", netutil.StripCredentials(release.Source),
		"size", netutil.FormatSize(n),
		"digest", got.String())
	return out.Name(), nil
}

type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    ports.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}
