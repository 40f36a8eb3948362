package rpc

import (
	"encoding/json"
	"errors"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Method names.
const (
	MethodLoad     = "sandbox.load"
	MethodEnable   = "sandbox.enable"
	MethodDisable  = "sandbox.disable"
	MethodUnload   = "sandbox.unload"
	MethodDescribe = "sandbox.describe"
	MethodList     = "sandbox.list"
	MethodPing     = "sandbox.ping"
	MethodShutdown = "sandbox.shutdown"

	// MethodCancel is a notification; it never gets a reply.
	MethodCancel = "rpc.cancel"
)

// Request is a call from the client. ID zero is reserved for notifications.
type Request struct {
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID      uint64          `json:"id"`
	Error   *WireError      `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LoadParams is the payload of sandbox.load.
type LoadParams struct {
	Expected     values.PluginMetadata `json:"expected"`
	Digest       values.Digest         `json:"digest"`
	PackagePath  string                `json:"packagePath,omitempty"`
	PackageBytes []byte                `json:"packageBytes,omitempty"`
	Granted      []string              `json:"granted,omitempty"`
}

// PluginParams is the payload of calls that address one plugin.
type PluginParams struct {
	ID      string   `json:"id"`
	Granted []string `json:"granted,omitempty"`
}

// CancelParams names the call to cancel.
type CancelParams struct {
	ID uint64 `json:"id"`
}

// ListResult is the reply to sandbox.list.
type ListResult struct {
	IDs []string `json:"ids"`
}

// Wire error kinds.
const (
	KindNotFound        = "not_found"
	KindCycle           = "cycle"
	KindTrust           = "trust"
	KindConsent         = "consent_required"
	KindConnection      = "connection"
	KindTimeout         = "timeout"
	KindRemoteHook      = "remote_hook"
	KindAlreadyLoaded   = "already_loaded"
	KindState           = "state"
	KindInvalidManifest = "invalid_manifest"
	KindClosed          = "closed"
	KindInternal        = "internal"
)

// WireError carries a typed error across the channel.
type WireError struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Plugin   string   `json:"plugin,omitempty"`
	Hook     string   `json:"hook,omitempty"`
	IDs      []string `json:"ids,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Panicked bool     `json:"panicked,omitempty"`
}

func (e *WireError) Error() string {
	return e.Message
}

// EncodeError maps err onto the wire taxonomy.
func EncodeError(err error) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Kind: KindInternal, Message: err.Error()}

	var (
		notFound *entities.NotFoundError
		cycle    *entities.CycleError
		trust    *entities.TrustError
		consent  *entities.ConsentRequiredError
		hook     *entities.RemoteHookError
		state    *entities.InvalidStateError
		manifest *entities.ManifestError
	)
	switch {
	case errors.As(err, &hook):
		w.Kind, w.Plugin, w.Hook, w.Panicked = KindRemoteHook, hook.PluginID, hook.Hook, hook.Panicked
		w.Message = hook.Message
	case errors.As(err, &notFound):
		w.Kind, w.IDs, w.Subject, w.Message = KindNotFound, notFound.IDs, string(notFound.Kind), notFound.Reason
	case errors.As(err, &cycle):
		w.Kind, w.Plugin, w.IDs = KindCycle, cycle.ID, cycle.Path
	case errors.As(err, &trust):
		w.Kind, w.Plugin, w.Message = KindTrust, trust.PluginID, trust.Reason
	case errors.As(err, &consent):
		w.Kind, w.Plugin, w.IDs = KindConsent, consent.PluginID, consent.Missing
	case errors.As(err, &state):
		w.Kind, w.Plugin, w.Hook, w.Subject = KindState, state.PluginID, state.Op, state.State.String()
	case errors.As(err, &manifest):
		w.Kind, w.Subject, w.IDs = KindInvalidManifest, manifest.Path, manifest.Problems
	case errors.Is(err, entities.ErrAlreadyLoaded):
		w.Kind = KindAlreadyLoaded
	case errors.Is(err, entities.ErrTimeout):
		w.Kind = KindTimeout
	case errors.Is(err, entities.ErrConnection):
		w.Kind = KindConnection
	case errors.Is(err, entities.ErrClosed):
		w.Kind = KindClosed
	}
	return w
}

// Err rebuilds the typed error w was encoded from.
func (e *WireError) Err() error {
	switch e.Kind {
	case KindRemoteHook:
		return &entities.RemoteHookError{PluginID: e.Plugin, Hook: e.Hook, Message: e.Message, Panicked: e.Panicked}
	case KindNotFound:
		return &entities.NotFoundError{Kind: entities.NotFoundKind(e.Subject), IDs: e.IDs, Reason: e.Message}
	case KindCycle:
		return &entities.CycleError{ID: e.Plugin, Path: e.IDs}
	case KindTrust:
		return &entities.TrustError{PluginID: e.Plugin, Reason: e.Message}
	case KindConsent:
		return &entities.ConsentRequiredError{PluginID: e.Plugin, Missing: e.IDs}
	case KindState:
		s, _ := entities.ParseState(e.Subject)
		return &entities.InvalidStateError{PluginID: e.Plugin, State: s, Op: e.Hook}
	case KindInvalidManifest:
		return &entities.ManifestError{Path: e.Subject, Problems: e.IDs}
	case KindAlreadyLoaded:
		return &remoteError{msg: e.Message, sentinel: entities.ErrAlreadyLoaded}
	case KindTimeout:
		// A deadline on the far side, not ours; keep the remote message.
		return &remoteError{msg: e.Message, sentinel: entities.ErrTimeout}
	case KindConnection:
		return &remoteError{msg: e.Message, sentinel: entities.ErrConnection}
	case KindClosed:
		return &remoteError{msg: e.Message, sentinel: entities.ErrClosed}
	default:
		return e
	}
}

// remoteError keeps the remote message while matching a local sentinel.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string        { return e.msg }
func (e *remoteError) Is(target error) bool { return target == e.sentinel }
