package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the lifecycle error taxonomy.
// These allow both errors.Is() checks and errors.As() for detailed information.
var (
	// ErrNotFound is returned for an unknown plugin, dependency, package or release.
	ErrNotFound = errors.New("not found")

	// ErrCycle is returned when dependency resolution meets a cycle.
	ErrCycle = errors.New("dependency cycle")

	// ErrTrust is returned when a package fails signature, hash or permission checks.
	ErrTrust = errors.New("trust check failed")

	// ErrConsentRequired is returned when a dangerous permission lacks consent.
	ErrConsentRequired = errors.New("consent required")

	// ErrConnection is returned when the sandbox channel is unbound or broken.
	ErrConnection = errors.New("sandbox connection failed")

	// ErrTimeout is returned when a bind or RPC deadline elapses.
	ErrTimeout = errors.New("sandbox call timed out")

	// ErrRemoteHook is returned when a plugin hook reports failure or panics.
	ErrRemoteHook = errors.New("plugin hook failed")

	// ErrAlreadyLoaded is returned when a plugin id is loaded twice.
	ErrAlreadyLoaded = errors.New("plugin already loaded")

	// ErrInvalidState is returned when a transition is not allowed from the current state.
	ErrInvalidState = errors.New("invalid plugin state")

	// ErrClosed is returned by a component after Shutdown.
	ErrClosed = errors.New("closed")

	// ErrInvalidManifest is returned when a package manifest is malformed or
	// incompatible with this host.
	ErrInvalidManifest = errors.New("invalid plugin manifest")
)

// NotFoundKind says what could not be found.
type NotFoundKind string

const (
	KindPlugin     NotFoundKind = "plugin"
	KindDependency NotFoundKind = "dependency"
	KindPackage    NotFoundKind = "package"
	KindRelease    NotFoundKind = "release"
)

// NotFoundError names the missing ids. For enable preconditions IDs holds
// every dependency that is not enabled and Reason says so.
type NotFoundError struct {
	Kind   NotFoundKind
	IDs    []string
	Reason string
}

// NewNotFoundError builds a NotFoundError for a single id.
func NewNotFoundError(kind NotFoundKind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, IDs: []string{id}}
}

func (e *NotFoundError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "not found"
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, strings.Join(e.IDs, ", "), reason)
}

// Is implements error matching for errors.Is() checks.
// This allows: errors.Is(err, entities.ErrNotFound)
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CycleError names the node at which a cycle was detected and the
// traversal path that led to it.
type CycleError struct {
	ID   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency cycle at %s", e.ID)
	}
	return fmt.Sprintf("dependency cycle at %s: %s", e.ID, strings.Join(e.Path, " -> "))
}

// Is implements error matching for errors.Is() checks.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// TrustError reports a rejected signature, hash, lockfile pin, or a
// forbidden permission.
type TrustError struct {
	PluginID string
	Reason   string
}

func (e *TrustError) Error() string {
	if e.PluginID == "" {
		return fmt.Sprintf("trust check failed: %s", e.Reason)
	}
	return fmt.Sprintf("trust check failed for %s: %s", e.PluginID, e.Reason)
}

// Is implements error matching for errors.Is() checks.
func (e *TrustError) Is(target error) bool {
	return target == ErrTrust
}

// ConsentRequiredError lists the dangerous permissions lacking consent.
type ConsentRequiredError struct {
	PluginID string
	Missing  []string
}

func (e *ConsentRequiredError) Error() string {
	return fmt.Sprintf("plugin %s requires user consent for: %s", e.PluginID, strings.Join(e.Missing, ", "))
}

// Is implements error matching for errors.Is() checks.
func (e *ConsentRequiredError) Is(target error) bool {
	return target == ErrConsentRequired
}

// ConnectionError reports a bind, ping or transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sandbox connection failed during %s", e.Op)
	}
	return fmt.Sprintf("sandbox connection failed during %s: %v", e.Op, e.Err)
}

// Is implements error matching for errors.Is() checks.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ErrNotConnected is the ConnectionError returned for calls made before a
// successful connect.
func ErrNotConnected(op string) *ConnectionError {
	return &ConnectionError{Op: op, Err: errors.New("not connected to sandbox")}
}

// TimeoutError reports an elapsed bind or RPC deadline. It is distinct from
// a remote failure: the remote side may still complete the operation.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Is implements error matching for errors.Is() checks.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteHookError reports a plugin hook that returned failure or panicked.
type RemoteHookError struct {
	PluginID string
	Hook     string
	Message  string
	Panicked bool
}

func (e *RemoteHookError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("plugin %s panicked in %s hook: %s", e.PluginID, e.Hook, e.Message)
	}
	return fmt.Sprintf("plugin %s %s hook failed: %s", e.PluginID, e.Hook, e.Message)
}

// Is implements error matching for errors.Is() checks.
func (e *RemoteHookError) Is(target error) bool {
	return target == ErrRemoteHook
}

// InvalidStateError reports an operation that is not valid from the plugin's
// current state.
type InvalidStateError struct {
	PluginID string
	State    State
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s plugin %s in state %s", e.Op, e.PluginID, e.State)
}

// Is implements error matching for errors.Is() checks.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ManifestError lists the problems found in a package manifest.
type ManifestError struct {
	Path     string
	Problems []string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("invalid manifest in %s: %s", e.Path, strings.Join(e.Problems, "; "))
}

// Is implements error matching for errors.Is() checks.
func (e *ManifestError) Is(target error) bool {
	return target == ErrInvalidManifest
}
