// Package plugin is the lifecycle manager: it owns the coordinator's record
// table and drives every transition through the sandbox.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/reglet-dev/reglet-sandbox/capability/gatekeeper"
	"github.com/reglet-dev/reglet-sandbox/capability/grantstore"
	"github.com/reglet-dev/reglet-sandbox/internal/keylock"
	"github.com/reglet-dev/reglet-sandbox/parser"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/resolvers"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
	"github.com/reglet-dev/reglet-sandbox/plugin/signing"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/registry"
	"github.com/reglet-dev/reglet-sandbox/validation"
)

// Defaults.
const (
	InitTimeout    = 10 * time.Second
	DefaultWorkers = 4
)

// Operation names used in logs and metrics.
const (
	OpLoad    = "load"
	OpEnable  = "enable"
	OpDisable = "disable"
	OpUnload  = "unload"
	OpInstall = "install"
)

// PermissionGate is the permission half of the trust gate.
// gatekeeper.Gatekeeper implements it.
type PermissionGate interface {
	Validate(meta values.PluginMetadata) gatekeeper.ValidationResult
	CheckForbidden(meta values.PluginMetadata) error
	CheckPermissions(meta values.PluginMetadata) error
	GrantedPermissions(pluginID string, perms []string) []string
	RequestConsent(ctx context.Context, meta values.PluginMetadata) error
}

// InitReport lists what Initialize loaded and what failed, keyed by path.
type InitReport struct {
	Loaded []values.PluginMetadata
	Failed map[string]error
}

// PluginService orchestrates the plugin lifecycle against the sandbox.
// A record exists only for plugins the sandbox confirmed loading, and its
// state changes only after the matching remote call returned.
type PluginService struct {
	sandbox   ports.Sandbox
	store     ports.PackageStore
	validator validation.Validator
	trust     *services.TrustService
	gate      PermissionGate
	acquirer  ports.Acquirer
	lockfile  *LockfileService
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	initTimeout time.Duration
	workers     int
	inline      bool

	records  cmap.ConcurrentMap[string, *entities.PluginRecord]
	locks    keylock.Map
	resolver *resolvers.DependencyResolver

	// commitMu orders record writes against Shutdown clearing the table.
	commitMu sync.RWMutex
	closed   atomic.Bool
	shutdown sync.Once
}

// NewPluginService creates a plugin service. The sandbox and the store are
// required. Without a validator the default manifest schema is used;
// without a gate consent is kept in memory only.
func NewPluginService(
	sandbox ports.Sandbox,
	store ports.PackageStore,
	opts ...PluginServiceOption,
) (*PluginService, error) {
	s := &PluginService{
		sandbox:     sandbox,
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		initTimeout: InitTimeout,
		workers:     DefaultWorkers,
		records:     cmap.New[*entities.PluginRecord](),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.validator == nil {
		reg, err := registry.NewDefaultRegistry()
		if err != nil {
			return nil, fmt.Errorf("schema registry: %w", err)
		}
		v, err := validation.NewManifestValidator(reg)
		if err != nil {
			return nil, fmt.Errorf("manifest validator: %w", err)
		}
		s.validator = v
	}
	if s.trust == nil {
		topts := []services.TrustOption{services.WithTrustLogger(s.logger)}
		if s.lockfile != nil {
			topts = append(topts, services.WithPins(s.lockfile))
		}
		s.trust = services.NewTrustService(topts...)
	}
	if s.gate == nil {
		g, err := gatekeeper.NewGatekeeper(
			gatekeeper.WithStore(grantstore.NewMemoryStore(nil)),
			gatekeeper.WithLogger(s.logger),
		)
		if err != nil {
			return nil, err
		}
		s.gate = g
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.resolver = resolvers.NewDependencyResolver(recordLookup{s.records})
	return s, nil
}

// recordLookup exposes the record table to the dependency resolver.
type recordLookup struct {
	records cmap.ConcurrentMap[string, *entities.PluginRecord]
}

func (l recordLookup) Metadata(id string) (values.PluginMetadata, bool) {
	r, ok := l.records.Get(id)
	if !ok {
		return values.PluginMetadata{}, false
	}
	return r.Metadata(), true
}

func (l recordLookup) State(id string) (entities.State, bool) {
	r, ok := l.records.Get(id)
	if !ok {
		return 0, false
	}
	return r.State(), true
}

func (s *PluginService) lock(id string) func() {
	return s.locks.Lock(id)
}

func (s *PluginService) get(id string) (*entities.PluginRecord, error) {
	r, ok := s.records.Get(id)
	if !ok {
		return nil, entities.NewNotFoundError(entities.KindPlugin, id)
	}
	return r, nil
}

// commit stores r unless the service has shut down, in which case the
// write is dropped and false returned.
func (s *PluginService) commit(r *entities.PluginRecord) bool {
	s.commitMu.RLock()
	defer s.commitMu.RUnlock()
	if s.closed.Load() {
		return false
	}
	s.records.Set(r.ID(), r)
	return true
}

func (s *PluginService) setState(r *entities.PluginRecord, state entities.State) {
	if s.commit(r.WithState(state)) {
		s.refreshGauge()
	}
}

func (s *PluginService) refreshGauge() {
	counts := make(map[entities.State]int)
	for _, r := range s.records.Items() {
		counts[r.State()]++
	}
	s.metrics.setRecords(counts)
}

// Initialize connects to the sandbox, scans the store and loads every
// package found. Individual load failures are collected in the report.
func (s *PluginService) Initialize(ctx context.Context) (*InitReport, error) {
	if s.closed.Load() {
		return nil, entities.ErrClosed
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	err := s.sandbox.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect to sandbox: %w", err)
	}

	if err := s.store.Ensure(ctx); err != nil {
		return nil, err
	}
	paths, err := s.store.Scan(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(s.workers)
	if err != nil {
		return nil, fmt.Errorf("create load pool: %w", err)
	}
	defer pool.Release()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report = &InitReport{Failed: make(map[string]error)}
	)
	for _, path := range paths {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			meta, err := s.LoadPlugin(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[path] = err
				return
			}
			report.Loaded = append(report.Loaded, meta)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			mu.Lock()
			report.Failed[path] = err
			mu.Unlock()
		}
	}
	wg.Wait()

	slices.SortFunc(report.Loaded, func(a, b values.PluginMetadata) int {
		switch {
		case a.PluginID < b.PluginID:
			return -1
		case a.PluginID > b.PluginID:
			return 1
		}
		return 0
	})
	for path, err := range report.Failed {
		s.logger.Warn("failed to load plugin package", "path", path, "error", err)
	}
	s.logger.Info("plugin service initialized", "loaded", len(report.Loaded), "failed", len(report.Failed))
	return report, nil
}

// Verification is the outcome of the local checks on a package.
type Verification struct {
	Metadata values.PluginMetadata
	Package  *entities.Package
	Trust    *services.TrustResult
	Gate     gatekeeper.ValidationResult

	archive *parser.Archive
}

// Verify runs the manifest, trust and forbidden-permission checks on the
// package at path without contacting the sandbox.
func (s *PluginService) Verify(ctx context.Context, path string) (*Verification, error) {
	archive, err := parser.ReadPackageFile(path)
	if err != nil {
		return nil, err
	}
	meta := archive.Metadata()
	pkg := archive.Package(path)

	if err := s.validator.Validate(path, meta); err != nil {
		return nil, err
	}

	sig, err := readSignature(path)
	if err != nil {
		return nil, err
	}
	trust, err := s.trust.Validate(ctx, pkg, archive.Bytes(), sig)
	if err != nil {
		return nil, err
	}
	if err := s.gate.CheckForbidden(meta); err != nil {
		return nil, err
	}

	return &Verification{
		Metadata: meta,
		Package:  pkg,
		Trust:    trust,
		Gate:     s.gate.Validate(meta),
		archive:  archive,
	}, nil
}

// LoadPlugin validates the package at path, runs the trust gate and asks
// the sandbox to load it. Nothing is recorded unless every step succeeds;
// local failures make no remote call.
func (s *PluginService) LoadPlugin(ctx context.Context, path string) (meta values.PluginMetadata, err error) {
	defer func() { s.metrics.observe(OpLoad, err) }()
	if s.closed.Load() {
		return values.PluginMetadata{}, entities.ErrClosed
	}

	v, err := s.Verify(ctx, path)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	meta, pkg, archive, trust := v.Metadata, v.Package, v.archive, v.Trust

	id := meta.PluginID
	unlock := s.lock(id)
	defer unlock()

	if s.records.Has(id) {
		return values.PluginMetadata{}, fmt.Errorf("%s: %w", id, entities.ErrAlreadyLoaded)
	}

	req := ports.LoadRequest{
		Expected: meta,
		Digest:   pkg.Digest(),
		Granted:  s.gate.GrantedPermissions(id, meta.Permissions),
	}
	if s.inline {
		req.PackageBytes = archive.Bytes()
	} else if req.PackagePath, err = filepath.Abs(path); err != nil {
		return values.PluginMetadata{}, err
	}

	remote, err := s.sandbox.Load(ctx, req)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	if !remote.Equal(meta) {
		// The host loaded something else; take it back out.
		if uerr := s.sandbox.Unload(ctx, id); uerr != nil {
			s.logger.Warn("failed to unload mismatched plugin", "plugin", id, "error", uerr)
		}
		return values.PluginMetadata{}, &entities.TrustError{PluginID: id, Reason: "metadata mismatch"}
	}

	if !s.commit(entities.NewPluginRecord(pkg, s.now())) {
		return values.PluginMetadata{}, entities.ErrClosed
	}
	s.refreshGauge()
	s.logger.Info("plugin loaded", "plugin", id, "version", meta.Version, "trust", trust.Method)
	return meta, nil
}

func readSignature(path string) ([]byte, error) {
	sig, err := os.ReadFile(path + signing.SignatureSuffix) // #nosec G304 -- sibling of a store package
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	return sig, nil
}

// EnablePlugin enables a loaded plugin. Dependencies must be ENABLED and
// the declared permissions must pass the gate before the sandbox is asked.
// A remote failure moves the plugin to ERROR.
func (s *PluginService) EnablePlugin(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.observe(OpEnable, err) }()
	if s.closed.Load() {
		return entities.ErrClosed
	}

	unlock := s.lock(id)
	defer unlock()

	r, err := s.get(id)
	if err != nil {
		return err
	}
	if r.State() == entities.StateEnabled {
		return &entities.InvalidStateError{PluginID: id, State: r.State(), Op: OpEnable}
	}

	disabled, err := s.resolver.DisabledDependencies(id)
	if err != nil {
		return err
	}
	if len(disabled) > 0 {
		return &entities.NotFoundError{Kind: entities.KindDependency, IDs: disabled, Reason: "dependencies not enabled"}
	}

	meta := r.Metadata()
	if err := s.gate.CheckPermissions(meta); err != nil {
		return err
	}

	if err := s.sandbox.Enable(ctx, id, s.gate.GrantedPermissions(id, meta.Permissions)); err != nil {
		s.setState(r, entities.StateError)
		s.logger.Error("failed to enable plugin", "plugin", id, "error", err)
		return err
	}
	s.setState(r, entities.StateEnabled)
	s.logger.Info("plugin enabled", "plugin", id)
	return nil
}

// DisablePlugin disables an ENABLED plugin, or retries an ERROR one. A
// remote failure moves it to ERROR.
func (s *PluginService) DisablePlugin(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.observe(OpDisable, err) }()
	if s.closed.Load() {
		return entities.ErrClosed
	}

	unlock := s.lock(id)
	defer unlock()

	r, err := s.get(id)
	if err != nil {
		return err
	}
	if st := r.State(); st != entities.StateEnabled && st != entities.StateError {
		return &entities.InvalidStateError{PluginID: id, State: st, Op: OpDisable}
	}
	if err := s.sandbox.Disable(ctx, id); err != nil {
		s.setState(r, entities.StateError)
		s.logger.Error("failed to disable plugin", "plugin", id, "error", err)
		return err
	}
	s.setState(r, entities.StateDisabled)
	s.logger.Info("plugin disabled", "plugin", id)
	return nil
}

// UnloadPlugin disables the plugin if it is enabled, unloads it from the
// sandbox and forgets it. Hook failures inside the sandbox do not keep
// the record; a channel failure does, in ERROR.
func (s *PluginService) UnloadPlugin(ctx context.Context, id string) (err error) {
	defer func() { s.metrics.observe(OpUnload, err) }()
	if s.closed.Load() {
		return entities.ErrClosed
	}

	unlock := s.lock(id)
	defer unlock()

	r, err := s.get(id)
	if err != nil {
		return err
	}

	if r.State() == entities.StateEnabled {
		if err := s.sandbox.Disable(ctx, id); err != nil {
			if isTransportError(err) {
				s.setState(r, entities.StateError)
				return err
			}
			s.logger.Warn("disable before unload failed", "plugin", id, "error", err)
		}
	}

	if err := s.sandbox.Unload(ctx, id); err != nil {
		if isTransportError(err) {
			s.setState(r, entities.StateError)
			return err
		}
		s.logger.Warn("sandbox reported unload failure", "plugin", id, "error", err)
	}

	s.records.Remove(id)
	s.refreshGauge()
	s.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

func isTransportError(err error) bool {
	return errors.Is(err, entities.ErrConnection) || errors.Is(err, entities.ErrTimeout)
}

// LoadedPlugins returns every record, sorted by id.
func (s *PluginService) LoadedPlugins() []*entities.PluginRecord {
	return s.snapshot(func(*entities.PluginRecord) bool { return true })
}

// EnabledPlugins returns the ENABLED records, sorted by id.
func (s *PluginService) EnabledPlugins() []*entities.PluginRecord {
	return s.snapshot(func(r *entities.PluginRecord) bool { return r.State() == entities.StateEnabled })
}

func (s *PluginService) snapshot(keep func(*entities.PluginRecord) bool) []*entities.PluginRecord {
	items := s.records.Items()
	out := make([]*entities.PluginRecord, 0, len(items))
	for _, id := range slices.Sorted(maps.Keys(items)) {
		if r := items[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Plugin returns the record for id.
func (s *PluginService) Plugin(id string) (*entities.PluginRecord, bool) {
	return s.records.Get(id)
}

// ResolveLoadOrder returns the dependencies of id in load order.
func (s *PluginService) ResolveLoadOrder(id string) ([]string, error) {
	return s.resolver.ResolveID(id)
}

// MissingDependencies lists declared dependencies of id with no record.
func (s *PluginService) MissingDependencies(id string) ([]string, error) {
	return s.resolver.MissingDependencies(id)
}

// DisabledDependencies lists declared dependencies of id that are not ENABLED.
func (s *PluginService) DisabledDependencies(id string) ([]string, error) {
	return s.resolver.DisabledDependencies(id)
}

// RequestConsent prompts for the dangerous permissions of a loaded plugin.
func (s *PluginService) RequestConsent(ctx context.Context, id string) error {
	r, err := s.get(id)
	if err != nil {
		return err
	}
	return s.gate.RequestConsent(ctx, r.Metadata())
}

// Import copies an external package into the store and loads it.
func (s *PluginService) Import(ctx context.Context, src string) (values.PluginMetadata, error) {
	if s.closed.Load() {
		return values.PluginMetadata{}, entities.ErrClosed
	}
	f, err := os.Open(src) // #nosec G304 -- operator-supplied package path
	if err != nil {
		return values.PluginMetadata{}, fmt.Errorf("import %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	path, err := s.store.Import(ctx, filepath.Base(src), f)
	if err != nil {
		return values.PluginMetadata{}, err
	}
	meta, err := s.LoadPlugin(ctx, path)
	if err != nil {
		s.removeFromStore(ctx, path)
		return values.PluginMetadata{}, err
	}
	return meta, nil
}

// FetchReleases lists the releases the acquirer offers.
func (s *PluginService) FetchReleases(ctx context.Context) ([]ports.ReleaseDescriptor, error) {
	if s.acquirer == nil {
		return nil, errors.New("no release source configured")
	}
	return s.acquirer.FetchReleases(ctx)
}

// Install downloads release, checks its content hash, stores it and loads
// it. With a lockfile configured the package is pinned afterwards.
func (s *PluginService) Install(ctx context.Context, release ports.ReleaseDescriptor, onProgress ports.ProgressFunc) (meta values.PluginMetadata, err error) {
	defer func() { s.metrics.observe(OpInstall, err) }()
	if s.closed.Load() {
		return values.PluginMetadata{}, entities.ErrClosed
	}
	if s.acquirer == nil {
		return values.PluginMetadata{}, errors.New("no release source configured")
	}

	downloaded, err := s.acquirer.Download(ctx, release, onProgress)
	if err != nil {
		return values.PluginMetadata{}, fmt.Errorf("download %s@%s: %w", release.PluginID, release.Version, err)
	}
	defer func() { _ = os.Remove(downloaded) }()

	path, err := s.importFile(ctx, downloaded, release)
	if err != nil {
		return values.PluginMetadata{}, err
	}

	pkg, err := s.store.Read(ctx, path)
	if err != nil {
		s.removeFromStore(ctx, path)
		return values.PluginMetadata{}, err
	}
	if !release.Digest.IsZero() {
		if err := pkg.VerifyIntegrity(release.Digest); err != nil {
			s.removeFromStore(ctx, path)
			return values.PluginMetadata{}, err
		}
	}

	meta, err = s.LoadPlugin(ctx, path)
	if err != nil {
		s.removeFromStore(ctx, path)
		return values.PluginMetadata{}, err
	}
	if s.lockfile != nil {
		if err := s.lockfile.Pin(ctx, pkg, release.Source); err != nil {
			s.logger.Warn("failed to pin installed plugin", "plugin", meta.PluginID, "error", err)
		}
	}
	return meta, nil
}

func (s *PluginService) importFile(ctx context.Context, src string, release ports.ReleaseDescriptor) (string, error) {
	f, err := os.Open(src) // #nosec G304 -- path returned by the acquirer
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	ext := filepath.Ext(src)
	if ext == "" {
		ext = ".rpk"
	}
	return s.store.Import(ctx, release.PluginID+"-"+release.Version+ext, io.Reader(f))
}

func (s *PluginService) removeFromStore(ctx context.Context, path string) {
	if err := s.store.Delete(ctx, path); err != nil {
		s.logger.Warn("failed to remove rejected package", "path", path, "error", err)
	}
}

// Shutdown disconnects the sandbox and forgets every record. It is
// idempotent; later operations fail with ErrClosed.
func (s *PluginService) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		s.commitMu.Lock()
		s.closed.Store(true)
		s.records.Clear()
		s.commitMu.Unlock()
		s.refreshGauge()
		err = s.sandbox.Disconnect(ctx)
		s.logger.Info("plugin service shut down")
	})
	return err
}
