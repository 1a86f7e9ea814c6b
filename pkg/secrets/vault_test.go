package secrets

import (
	"context"
	"testing"

	"discord-map-bridge/backend/pkg/config"
	"discord-map-bridge/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "BOT_TOKEN", envKey("bot_token"))
	assert.Equal(t, "BOT_TOKEN", envKey("bot-token"))
	assert.Equal(t, "DISCORD_BOT_TOKEN", envKey("discord.bot-token"))
}

func TestSplitSecretsPath(t *testing.T) {
	mount, path := splitSecretsPath("discord-map-bridge")
	assert.Equal(t, "secret", mount)
	assert.Equal(t, "discord-map-bridge", path)

	mount, path = splitSecretsPath("/kv/apps/bridge/")
	assert.Equal(t, "kv", mount)
	assert.Equal(t, "apps/bridge", path)
}

func TestDisabledManagerReadsEnvironment(t *testing.T) {
	t.Setenv("BOT_TOKEN", "from-env")

	m, err := NewVaultManager(config.VaultConfig{}, logger.Discard())
	require.NoError(t, err)
	defer m.Close()

	value, err := m.GetSecret(context.Background(), KeyBotToken)
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = m.GetSecret(context.Background(), "missing_secret")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnabledManagerRequiresAddressAndToken(t *testing.T) {
	_, err := NewVaultManager(config.VaultConfig{Enabled: true, Token: "t"}, logger.Discard())
	assert.ErrorIs(t, err, ErrNoVaultAddress)

	_, err = NewVaultManager(config.VaultConfig{Enabled: true, Address: "http://vault:8200"}, logger.Discard())
	assert.ErrorIs(t, err, ErrNoVaultToken)
}
