package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mathia.chat/mathia/runtime/keystore"
)

const minimalConfig = `
mongo:
  uri: mongodb://localhost:27017
redis:
  addr: localhost:6379
s3:
  bucket: mathia-uploads
  public_base_url: https://cdn.mathia.chat
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mathia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, minimalConfig))

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "mathia", cfg.Mongo.Database)
	assert.NotEmpty(t, cfg.Models.Anthropic.Model)
	assert.NotEmpty(t, cfg.Models.OpenAI.Model)
}

func TestLoadConfigRejectsMissingBackend(t *testing.T) {
	_, err := loadConfig(writeConfig(t, "listen: :9999\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo.uri is required")
}

func TestEnvOverridesBackendEndpoints(t *testing.T) {
	t.Setenv(envMongoURI, "mongodb://db.internal:27017")
	t.Setenv(envRedisAddr, "cache.internal:6379")

	cfg, err := loadConfig(writeConfig(t, minimalConfig))

	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URI)
	assert.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
}

func TestLoadSecretsRequiresMasterKey(t *testing.T) {
	t.Setenv(envMasterKey, "")
	cfg, err := loadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	_, err = loadSecrets(cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), envMasterKey)
}

func TestLoadSecretsDecodesKeys(t *testing.T) {
	master := make([]byte, keystore.KeySize)
	for i := range master {
		master[i] = byte(i)
	}
	t.Setenv(envMasterKey, base64.StdEncoding.EncodeToString(master))
	t.Setenv(envAnthropicKey, "sk-ant-test")
	t.Setenv(envOpenAIKey, "sk-oai-test")
	t.Setenv("PAYMENTS_SECRET", "whsec-test")

	cfg, err := loadConfig(writeConfig(t, minimalConfig+"\nwebhooks:\n  payments: PAYMENTS_SECRET\n"))
	require.NoError(t, err)

	sec, err := loadSecrets(cfg)

	require.NoError(t, err)
	assert.Equal(t, master, sec.masterKey)
	assert.Equal(t, []byte("whsec-test"), sec.webhookSecrets["payments"])
}
