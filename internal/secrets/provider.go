// Package secrets resolves secret references found in the gateway
// configuration.
//
// A reference has the form <scheme>:<locator>:
//
//	env:GATEWAY_JWT_SECRET        environment variable
//	file:/run/secrets/jwt         file content, trailing newline trimmed
//	vault:gateway/jwt#secret      key "secret" of KV v2 entry gateway/jwt
//
// A value without a known scheme is returned unchanged, so plain
// literals can be used in development configs.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fechatter/gateway/internal/observability"
)

// Provider schemes.
const (
	SchemeEnv   = "env"
	SchemeFile  = "file"
	SchemeVault = "vault"
)

// Errors returned by providers.
var (
	ErrSecretNotFound        = errors.New("secret not found")
	ErrInvalidReference      = errors.New("invalid secret reference")
	ErrProviderNotConfigured = errors.New("secret provider not configured")
)

// Provider looks up a secret by the locator part of a reference.
type Provider interface {
	Lookup(ctx context.Context, locator string) (string, error)
}

// Resolver dispatches references to the provider for their scheme.
type Resolver struct {
	providers map[string]Provider
	logger    observability.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithProvider registers a provider for a scheme, replacing any
// existing one.
func WithProvider(scheme string, p Provider) ResolverOption {
	return func(r *Resolver) {
		r.providers[scheme] = p
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver returns a resolver with the env and file providers
// registered. Vault is added with WithProvider when configured.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: map[string]Provider{
			SchemeEnv:  EnvProvider{},
			SchemeFile: FileProvider{},
		},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsReference reports whether value uses one of the known schemes.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, ":")
	if !ok {
		return false
	}
	switch scheme {
	case SchemeEnv, SchemeFile, SchemeVault:
		return true
	}
	return false
}

// Resolve returns the secret named by ref, or ref itself when it is not
// a reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsReference(ref) {
		return ref, nil
	}

	scheme, locator, _ := strings.Cut(ref, ":")
	if locator == "" {
		return "", fmt.Errorf("%w: %q has an empty locator", ErrInvalidReference, ref)
	}

	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, scheme)
	}

	value, err := p.Lookup(ctx, locator)
	if err != nil {
		return "", fmt.Errorf("resolving %s secret %q: %w", scheme, locator, err)
	}

	r.logger.Debug("secret resolved",
		observability.String("scheme", scheme),
		observability.String("locator", locator),
	)
	return value, nil
}

// ResolveOr resolves ref when it is set and falls back to literal
// otherwise. Config fields come in pairs such as secret/secret_ref.
func (r *Resolver) ResolveOr(ctx context.Context, ref, literal string) (string, error) {
	if ref == "" {
		return literal, nil
	}
	return r.Resolve(ctx, ref)
}
