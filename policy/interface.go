// Package policy enforces a plugin's granted permissions at runtime,
// inside the sandbox host.
package policy

// Policy checks runtime requests against the grant set the coordinator
// sent with load or enable.
type Policy interface {
	// CheckPermission reports whether perm is covered by grants and notifies
	// the denial handler when it is not.
	CheckPermission(pluginID, perm string, grants []string) bool

	// CheckPath reports whether path stays inside root and notifies the
	// denial handler when it escapes.
	CheckPath(pluginID, root, path string) bool

	// Evaluate methods return the decision without side effects (like logging denials).
	EvaluatePermission(perm string, grants []string) bool
	EvaluatePath(root, path string) bool
}

// DenialHandler is called when a policy check denies a request.
type DenialHandler interface {
	// OnDenial is called when a request is denied.
	OnDenial(pluginID, kind, request, reason string)
}
