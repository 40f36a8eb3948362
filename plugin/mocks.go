package plugin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/capability"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// MockSandbox implements ports.Sandbox in memory and counts every call.
// Errors set in the *Err fields are returned instead of touching state.
type MockSandbox struct {
	mu sync.Mutex

	ConnectErr error
	LoadErr    error
	EnableErr  error
	DisableErr error
	UnloadErr  error

	// LoadResult overrides the metadata Load reports back.
	LoadResult *values.PluginMetadata

	// EnableBlock, when set, holds every Enable call until it is closed.
	EnableBlock chan struct{}

	Calls    map[string]int
	Requests []ports.LoadRequest
	Granted  map[string][]string

	connected bool
	loaded    map[string]values.PluginMetadata
}

var _ ports.Sandbox = (*MockSandbox)(nil)

// NewMockSandbox returns an empty, disconnected sandbox.
func NewMockSandbox() *MockSandbox {
	return &MockSandbox{
		Calls:   make(map[string]int),
		Granted: make(map[string][]string),
		loaded:  make(map[string]values.PluginMetadata),
	}
}

func (m *MockSandbox) count(op string) {
	m.mu.Lock()
	m.Calls[op]++
	m.mu.Unlock()
}

// CallCount returns how many times op was invoked.
func (m *MockSandbox) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[op]
}

// Loaded returns the ids the sandbox currently holds.
func (m *MockSandbox) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetError replaces the error for op under the lock.
func (m *MockSandbox) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch op {
	case "connect":
		m.ConnectErr = err
	case OpLoad:
		m.LoadErr = err
	case OpEnable:
		m.EnableErr = err
	case OpDisable:
		m.DisableErr = err
	case OpUnload:
		m.UnloadErr = err
	}
}

func (m *MockSandbox) Connect(context.Context) error {
	m.count("connect")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *MockSandbox) Disconnect(context.Context) error {
	m.count("disconnect")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.loaded = make(map[string]values.PluginMetadata)
	return nil
}

func (m *MockSandbox) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockSandbox) Load(_ context.Context, req ports.LoadRequest) (values.PluginMetadata, error) {
	m.count(OpLoad)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if !m.connected {
		return values.PluginMetadata{}, entities.ErrNotConnected("sandbox.load")
	}
	if m.LoadErr != nil {
		return values.PluginMetadata{}, m.LoadErr
	}
	meta := req.Expected
	if m.LoadResult != nil {
		meta = *m.LoadResult
	}
	m.loaded[meta.PluginID] = meta
	m.Granted[meta.PluginID] = req.Granted
	return meta, nil
}

func (m *MockSandbox) Enable(_ context.Context, id string, granted []string) error {
	m.count(OpEnable)
	m.mu.Lock()
	block := m.EnableBlock
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnableErr != nil {
		return m.EnableErr
	}
	if _, ok := m.loaded[id]; !ok {
		return entities.NewNotFoundError(entities.KindPlugin, id)
	}
	m.Granted[id] = granted
	return nil
}

func (m *MockSandbox) Disable(_ context.Context, id string) error {
	m.count(OpDisable)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DisableErr != nil {
		return m.DisableErr
	}
	if _, ok := m.loaded[id]; !ok {
		return entities.NewNotFoundError(entities.KindPlugin, id)
	}
	return nil
}

func (m *MockSandbox) Unload(_ context.Context, id string) error {
	m.count(OpUnload)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UnloadErr != nil {
		return m.UnloadErr
	}
	if _, ok := m.loaded[id]; !ok {
		return entities.NewNotFoundError(entities.KindPlugin, id)
	}
	delete(m.loaded, id)
	return nil
}

func (m *MockSandbox) Describe(_ context.Context, id string) (values.PluginMetadata, error) {
	m.count("describe")
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.loaded[id]
	if !ok {
		return values.PluginMetadata{}, entities.NewNotFoundError(entities.KindPlugin, id)
	}
	return meta, nil
}

func (m *MockSandbox) ListLoaded(context.Context) ([]string, error) {
	m.count("list")
	return m.Loaded(), nil
}

// MockAcquirer serves fixed releases from an in-memory blob table keyed
// by plugin id.
type MockAcquirer struct {
	Releases []ports.ReleaseDescriptor
	Blobs    map[string][]byte
	Dir      string
	Err      error
}

func (m *MockAcquirer) FetchReleases(context.Context) ([]ports.ReleaseDescriptor, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Releases, nil
}

func (m *MockAcquirer) Download(_ context.Context, release ports.ReleaseDescriptor, onProgress ports.ProgressFunc) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	blob, ok := m.Blobs[release.PluginID]
	if !ok {
		return "", entities.NewNotFoundError(entities.KindRelease, release.PluginID)
	}
	f, err := os.CreateTemp(m.Dir, "download-*.rpk")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(blob); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(int64(len(blob)), int64(len(blob)))
	}
	return f.Name(), nil
}

// MockPrompter answers consent prompts without a terminal. With
// Interactive false the gatekeeper never prompts.
type MockPrompter struct {
	Interactive bool
	Grant       bool
	Always      bool
}

var _ capability.Prompter = (*MockPrompter)(nil)

func (p *MockPrompter) IsInteractive() bool { return p.Interactive }

func (p *MockPrompter) PromptForCapability(capability.Request) (bool, bool, error) {
	return p.Grant, p.Always, nil
}

func (p *MockPrompter) FormatNonInteractiveError(pluginID string, missing []string) error {
	return fmt.Errorf("plugin %s needs consent for %s", pluginID, strings.Join(missing, ", "))
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
