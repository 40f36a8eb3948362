package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Media types of a published package artifact.
const (
	ArtifactType      = "application/vnd.reglet.sandbox.plugin.v1"
	ConfigMediaType   = "application/vnd.reglet.sandbox.manifest.v1+json"
	PackageMediaType  = "application/vnd.reglet.sandbox.package.v1+zip"
	MaxManifestSize   = 4 << 20
	defaultPackageExt = ".rpk"
)

// Target is the registry surface the acquirer needs. remote.Repository
// and the oci layout store both satisfy it.
type Target interface {
	oras.ReadOnlyTarget
	registry.TagLister
}

// Acquirer implements ports.Acquirer on one OCI repository. Every semver
// tag holding a package artifact is a release.
type Acquirer struct {
	target Target
	ref    values.PluginReference
	dir    string
	logger *slog.Logger
}

var _ ports.Acquirer = (*Acquirer)(nil)

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithDownloadDir sets where downloads are written. Defaults to os.TempDir.
func WithDownloadDir(dir string) Option {
	return func(a *Acquirer) { a.dir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewRegistryAcquirer connects to the repository named by ref. Credentials
// come from authProvider when it returns a username.
func NewRegistryAcquirer(ctx context.Context, ref values.PluginReference, authProvider ports.AuthProvider, opts ...Option) (*Acquirer, error) {
	repo, err := remote.NewRepository(ref.Repository())
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}

	client := &auth.Client{Client: retry.DefaultClient, Cache: auth.NewCache()}
	if authProvider != nil {
		username, password, err := authProvider.GetCredentials(ctx, ref.Registry())
		if err == nil && username != "" {
			client.Credential = auth.StaticCredential(ref.Registry(), auth.Credential{
				Username: username,
				Password: password,
			})
		}
	}
	repo.Client = client

	return NewAcquirer(repo, ref, opts...), nil
}

// NewAcquirer creates an acquirer over an arbitrary target.
func NewAcquirer(target Target, ref values.PluginReference, opts ...Option) *Acquirer {
	a := &Acquirer{
		target: target,
		ref:    ref,
		dir:    os.TempDir(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FetchReleases lists the repository's releases. Tags that are not semver
// or do not hold a package artifact are skipped.
func (a *Acquirer) FetchReleases(ctx context.Context) ([]ports.ReleaseDescriptor, error) {
	tags, err := registry.Tags(ctx, a.target)
	if err != nil {
		return nil, fmt.Errorf("list tags of %s: %w", a.ref.Repository(), err)
	}

	var releases []ports.ReleaseDescriptor
	for _, tag := range tags {
		if _, err := semver.NewVersion(tag); err != nil {
			continue
		}
		rel, err := a.describe(ctx, tag)
		if err != nil {
			a.logger.Debug("skipping tag", "repository", a.ref.Repository(), "tag", tag, "error", err)
			continue
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

func (a *Acquirer) describe(ctx context.Context, tag string) (ports.ReleaseDescriptor, error) {
	manifest, err := a.manifest(ctx, tag)
	if err != nil {
		return ports.ReleaseDescriptor{}, err
	}

	config, err := content.FetchAll(ctx, a.target, manifest.Config)
	if err != nil {
		return ports.ReleaseDescriptor{}, fmt.Errorf("fetch config: %w", err)
	}
	var meta values.PluginMetadata
	if err := json.Unmarshal(config, &meta); err != nil {
		return ports.ReleaseDescriptor{}, fmt.Errorf("invalid config JSON: %w", err)
	}

	layer, err := findPackageLayer(manifest)
	if err != nil {
		return ports.ReleaseDescriptor{}, err
	}
	digest, err := values.ParseDigest(string(layer.Digest))
	if err != nil {
		return ports.ReleaseDescriptor{}, err
	}

	var published time.Time
	if created, ok := manifest.Annotations[ocispec.AnnotationCreated]; ok {
		published, _ = time.Parse(time.RFC3339, created)
	}
	return ports.ReleaseDescriptor{
		PublishedAt: published,
		PluginID:    meta.PluginID,
		Version:     meta.Version,
		Source:      a.ref.WithVersion(tag).String(),
		Digest:      digest,
		Size:        layer.Size,
	}, nil
}

func (a *Acquirer) manifest(ctx context.Context, tag string) (*ocispec.Manifest, error) {
	desc, err := a.target.Resolve(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", tag, err)
	}
	if desc.Size > MaxManifestSize {
		return nil, fmt.Errorf("manifest of %s is too large", tag)
	}
	data, err := content.FetchAll(ctx, a.target, desc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	return &manifest, nil
}

func findPackageLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == PackageMediaType {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, errors.New("no package layer found")
}

// Download fetches the package layer of release into a temporary file.
// The layer is verified against its descriptor and against release.Digest.
func (a *Acquirer) Download(ctx context.Context, release ports.ReleaseDescriptor, onProgress ports.ProgressFunc) (string, error) {
	ref, err := values.ParsePluginReference(release.Source)
	if err != nil {
		return "", err
	}
	if ref.Version() == "" {
		return "", entities.NewNotFoundError(entities.KindRelease, release.Source)
	}

	manifest, err := a.manifest(ctx, ref.Version())
	if err != nil {
		return "", err
	}
	layer, err := findPackageLayer(manifest)
	if err != nil {
		return "", err
	}
	if !release.Digest.IsZero() && release.Digest.String() != string(layer.Digest) {
		return "", &entities.TrustError{
			PluginID: release.PluginID,
			Reason:   fmt.Sprintf("layer digest %s does not match release digest %s", layer.Digest, release.Digest),
		}
	}

	rc, err := a.target.Fetch(ctx, layer)
	if err != nil {
		return "", fmt.Errorf("fetch package: %w", err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.CreateTemp(a.dir, "download-*"+defaultPackageExt)
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

	vr := content.NewVerifyReader(rc, layer)
	if _, err := io.Copy(out, &progressReader{r: vr, total: layer.Size, fn: onProgress}); err != nil {
		return "", fmt.Errorf("download %s: %w", release.Source, err)
	}
	if err := vr.Verify(); err != nil {
		return "", &entities.TrustError{PluginID: release.PluginID, Reason: err.Error()}
	}
	keep = true
	a.logger.Info("package downloaded", "source", release.Source, "bytes", layer.Size)
	return out.Name(), nil
}

// Publish pushes a package and its manifest as an artifact tagged tag.
func Publish(ctx context.Context, target oras.Target, tag string, meta values.PluginMetadata, pkg []byte) (ocispec.Descriptor, error) {
	config, err := json.Marshal(meta)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	configDesc, err := oras.PushBytes(ctx, target, ConfigMediaType, config)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push config: %w", err)
	}
	layerDesc, err := oras.PushBytes(ctx, target, PackageMediaType, pkg)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push package: %w", err)
	}

	manifestDesc, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers:           []ocispec.Descriptor{layerDesc},
		ConfigDescriptor: &configDesc,
		ManifestAnnotations: map[string]string{
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
			ocispec.AnnotationTitle:   meta.PluginID,
		},
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pack manifest: %w", err)
	}
	if err := target.Tag(ctx, manifestDesc, tag); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("tag %s: %w", tag, err)
	}
	return manifestDesc, nil
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
