package main

import (
	"os"
	"time"

	"github.com/fechatter/gateway/internal/config"
	"github.com/fechatter/gateway/internal/observability"
	"github.com/fechatter/gateway/internal/secrets"
)

const vaultTimeout = 10 * time.Second

// newResolver returns the secret resolver for the gateway. The vault:
// scheme is available when secrets.vault is configured or VAULT_ADDR is
// set; the token falls back to VAULT_TOKEN.
func newResolver(cfg *config.GatewayConfig, logger observability.Logger) (*secrets.Resolver, error) {
	opts := []secrets.ResolverOption{secrets.WithResolverLogger(logger.Named("secrets"))}

	vc := secrets.VaultConfig{
		Address: os.Getenv("VAULT_ADDR"),
		Token:   os.Getenv("VAULT_TOKEN"),
		Mount:   "secret",
		Timeout: vaultTimeout,
	}
	if v := cfg.Secrets.Vault; v != nil {
		if v.Address != "" {
			vc.Address = v.Address
		}
		if v.Token != "" {
			vc.Token = v.Token
		}
		if v.Mount != "" {
			vc.Mount = v.Mount
		}
	}

	if vc.Address != "" {
		provider, err := secrets.NewVaultProvider(vc, logger.Named("vault"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, secrets.WithProvider(secrets.SchemeVault, provider))
		logger.Info("vault secret references enabled",
			observability.String("address", vc.Address),
			observability.String("mount", vc.Mount),
		)
	}

	return secrets.NewResolver(opts...), nil
}
