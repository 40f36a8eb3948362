// Package oci implements a release source backed by an OCI registry.
package oci

import (
	"context"
	"os"
)

// Environment variables read by EnvAuthProvider.
const (
	EnvUsername = "SANDBOX_REGISTRY_USERNAME"
	EnvPassword = "SANDBOX_REGISTRY_PASSWORD"
)

// EnvAuthProvider retrieves credentials from environment variables.
type EnvAuthProvider struct{}

// NewEnvAuthProvider creates a new environment-based auth provider.
func NewEnvAuthProvider() *EnvAuthProvider {
	return &EnvAuthProvider{}
}

// GetCredentials returns username and password for a registry.
func (p *EnvAuthProvider) GetCredentials(_ context.Context, _ string) (username, password string, err error) {
	return os.Getenv(EnvUsername), os.Getenv(EnvPassword), nil
}

// StaticAuthProvider returns fixed credentials for every registry.
type StaticAuthProvider struct {
	Username string
	Password string
}

// GetCredentials implements ports.AuthProvider.
func (p StaticAuthProvider) GetCredentials(context.Context, string) (string, string, error) {
	return p.Username, p.Password, nil
}
