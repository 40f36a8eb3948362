package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// LockfileService maintains the trust lockfile: digest pins per plugin and
// accepted signer fingerprints.
type LockfileService struct {
	repo ports.LockfileRepository
	path string
	mu   sync.Mutex
}

// NewLockfileService creates a LockfileService for the lockfile at path.
func NewLockfileService(repo ports.LockfileRepository, path string) *LockfileService {
	return &LockfileService{repo: repo, path: path}
}

// Path returns the lockfile location.
func (s *LockfileService) Path() string {
	return s.path
}

// Lockfile loads the current lockfile. A missing file yields an empty one.
func (s *LockfileService) Lockfile(ctx context.Context) (*entities.Lockfile, error) {
	lock, err := s.repo.Load(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("loading lockfile: %w", err)
	}
	if lock == nil {
		lock = entities.NewLockfile()
	}
	return lock, nil
}

// Pinned returns the pinned digest for pluginID.
func (s *LockfileService) Pinned(ctx context.Context, pluginID string) (values.Digest, bool, error) {
	lock, err := s.Lockfile(ctx)
	if err != nil {
		return values.Digest{}, false, err
	}
	pin := lock.GetPlugin(pluginID)
	if pin == nil {
		return values.Digest{}, false, nil
	}
	d, err := values.ParseDigest(pin.Digest)
	if err != nil {
		return values.Digest{}, false, fmt.Errorf("lockfile pin for %s: %w", pluginID, err)
	}
	return d, true, nil
}

// Pin records pkg's digest so later loads of the same id must match it.
func (s *LockfileService) Pin(ctx context.Context, pkg *entities.Package, source string) error {
	return s.update(ctx, func(lock *entities.Lockfile) (bool, error) {
		if existing := lock.GetPlugin(pkg.ID()); existing != nil &&
			existing.Digest == pkg.Digest().String() && existing.Version == pkg.Metadata().Version {
			return false, nil
		}
		return true, lock.AddPlugin(pkg.ID(), entities.PluginLock{
			Version: pkg.Metadata().Version,
			Source:  source,
			Digest:  pkg.Digest().String(),
			Fetched: time.Now().UTC(),
		})
	})
}

// Unpin removes the pin for pluginID.
func (s *LockfileService) Unpin(ctx context.Context, pluginID string) (bool, error) {
	var removed bool
	err := s.update(ctx, func(lock *entities.Lockfile) (bool, error) {
		removed = lock.RemovePlugin(pluginID)
		return removed, nil
	})
	return removed, err
}

// TrustSigner records an accepted signer fingerprint.
func (s *LockfileService) TrustSigner(ctx context.Context, fingerprint string) error {
	return s.update(ctx, func(lock *entities.Lockfile) (bool, error) {
		if lock.HasSigner(fingerprint) {
			return false, nil
		}
		lock.AddSigner(fingerprint)
		return true, nil
	})
}

func (s *LockfileService) update(ctx context.Context, fn func(*entities.Lockfile) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.Lockfile(ctx)
	if err != nil {
		return err
	}
	changed, err := fn(lock)
	if err != nil || !changed {
		return err
	}
	lock.Generated = time.Now().UTC()
	if err := s.repo.Save(ctx, lock, s.path); err != nil {
		return fmt.Errorf("saving lockfile: %w", err)
	}
	return nil
}
