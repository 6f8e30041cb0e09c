package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/fechatter/gateway/internal/observability"
)

// VaultConfig configures the Vault KV v2 provider.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Timeout time.Duration
}

// VaultProvider reads keys of KV v2 entries. Locators have the form
// path#key. Entries are read once and memoised, because references are
// only resolved at startup.
type VaultProvider struct {
	api    *vaultapi.Client
	mount  string
	logger observability.Logger

	mu    sync.Mutex
	cache map[string]map[string]interface{}
}

// NewVaultProvider creates a provider. An empty token falls back to
// VAULT_TOKEN, which the Vault client reads from the environment.
func NewVaultProvider(cfg VaultConfig, logger observability.Logger) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiCfg.Timeout = cfg.Timeout
	}
	apiCfg.MaxRetries = 2

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}

	return &VaultProvider{
		api:    client,
		mount:  mount,
		logger: logger,
		cache:  make(map[string]map[string]interface{}),
	}, nil
}

// Lookup implements Provider.
func (p *VaultProvider) Lookup(ctx context.Context, locator string) (string, error) {
	path, key, ok := strings.Cut(locator, "#")
	path = strings.Trim(path, "/")
	if !ok || path == "" || key == "" {
		return "", fmt.Errorf("%w: vault locator %q must be path#key", ErrInvalidReference, locator)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}

	raw, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s in %s/%s", ErrSecretNotFound, key, p.mount, path)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("vault key %s in %s/%s is %T, not a string", key, p.mount, path, raw)
	}
	return value, nil
}

func (p *VaultProvider) read(ctx context.Context, path string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if data, ok := p.cache[path]; ok {
		return data, nil
	}

	fullPath := fmt.Sprintf("%s/data/%s", p.mount, path)
	secret, err := p.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, fullPath)
	}

	// KV v2 nests the payload under "data"; a soft-deleted entry has it null.
	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return nil, fmt.Errorf("%w: %s is deleted", ErrSecretNotFound, fullPath)
	}
	data, ok := dataValue.(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	p.cache[path] = data
	p.logger.Debug("vault secret read", observability.String("path", fullPath))
	return data, nil
}
