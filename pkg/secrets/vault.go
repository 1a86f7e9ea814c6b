package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"discord-map-bridge/backend/pkg/cache"
	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/logger"

	vault "github.com/hashicorp/vault/api"
)

// Common errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// KeyBotToken is the secret holding the Discord bot credential
const KeyBotToken = "bot_token"

const secretCacheTTL = 5 * time.Minute

// Manager provides access to secrets
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)
}

// VaultManager reads secrets from a KV v2 mount, falling back to the environment
type VaultManager struct {
	client *vault.Client
	config config.VaultConfig
	mount  string
	path   string
	cache  *cache.Cache
	log    *logger.Logger
}

// NewVaultManager creates a manager. When Vault is disabled only the environment is consulted.
func NewVaultManager(cfg config.VaultConfig, log *logger.Logger) (*VaultManager, error) {
	m := &VaultManager{
		config: cfg,
		cache:  cache.NewCache(64, 0),
		log:    log,
	}

	if !cfg.Enabled {
		return m, nil
	}

	if cfg.Address == "" {
		return nil, ErrNoVaultAddress
	}
	if cfg.Token == "" {
		return nil, ErrNoVaultToken
	}

	m.mount, m.path = splitSecretsPath(cfg.SecretsPath)

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.Timeout = cfg.Timeout
	vaultConfig.MaxRetries = cfg.MaxRetries

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	m.client = client

	return m, nil
}

// GetSecret retrieves a secret from Vault, with fallback to the environment
func (m *VaultManager) GetSecret(ctx context.Context, key string) (string, error) {
	if value, found, _ := m.cache.Get(ctx, key); found {
		return value, nil
	}

	var value string
	var err error
	if m.client != nil {
		value, err = m.getFromVault(ctx, key)
		if err != nil {
			m.log.Warn("vault lookup failed, falling back to environment", "key", key, "error", err.Error())
		}
	}
	if m.client == nil || err != nil {
		value, err = getFromEnvironment(key)
		if err != nil {
			return "", err
		}
	}

	_ = m.cache.Set(ctx, key, value, secretCacheTTL)
	return value, nil
}

// Close releases the secret cache
func (m *VaultManager) Close() {
	m.cache.Close()
}

func (m *VaultManager) getFromVault(ctx context.Context, key string) (string, error) {
	secret, err := m.client.KVv2(m.mount).Get(ctx, m.path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s/%s: %w", m.mount, m.path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	value, ok := secret.Data[key].(string)
	if !ok || value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

func getFromEnvironment(key string) (string, error) {
	value := os.Getenv(envKey(key))
	if value == "" {
		return "", ErrSecretNotFound
	}
	return value, nil
}

// envKey maps "bot-token" or "bot.token" to BOT_TOKEN
func envKey(key string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
}

// splitSecretsPath splits "mount/some/path" into the KV mount and the secret path.
// A bare name is read from the default "secret" mount.
func splitSecretsPath(p string) (mount, path string) {
	p = strings.Trim(p, "/")
	if i := strings.Index(p, "/"); i > 0 {
		return p[:i], p[i+1:]
	}
	return "secret", p
}
