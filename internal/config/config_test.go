package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"host": "0.0.0.0", "port": 9100},
		"jwtSecret": "secret",
		"requestTimeoutSeconds": 30,
		"accounts": [
			{"id": "a", "type": "openai", "enabled": true,
			 "data": {"apiKey": "sk-a", "baseApi": "https://api.example/v1", "proxy": "socks5://127.0.0.1:1080"}}
		],
		"apiKeys": [
			{"id": "k1", "token": "tok", "permissions": ["openai"], "models": ["gpt-4o"]}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9100", cfg.Addr())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, path, cfg.ConfigFile)

	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, "sk-a", cfg.Accounts[0].Data.APIKey)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.Accounts[0].Data.Proxy)

	require.Len(t, cfg.APIKeys, 1)
	assert.Equal(t, []string{"gpt-4o"}, cfg.APIKeys[0].Models)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"jwtSecret": "secret"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, filepath.Join(filepath.Dir(path), "usage.db"), cfg.UsageDBPath)
}

func TestLoadRejectsNoCredentialSource(t *testing.T) {
	path := writeConfig(t, `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, `{"jwtSecret": "secret"}`)

	w, err := NewWatcher(path)
	require.NoError(t, err)

	reloaded := make(chan *Config, 1)
	w.AddCallback(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{"jwtSecret": "rotated"}`), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "rotated", cfg.JWTSecret)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload callback never fired")
	}
}
