package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ",", cfg.Manager.Delimiter)
	assert.Equal(t, 1024, cfg.Manager.MaxMessageSize)
	assert.Equal(t, 300*time.Second, cfg.Manager.CloseConnectionAfter)
	assert.Equal(t, 2, cfg.Queue.PoolSize)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("manager:\n  delimiter: \"|\"\nqueue:\n  pool_size: 5\n"))
	require.NoError(t, err)
	assert.Equal(t, "|", cfg.Manager.Delimiter)
	assert.Equal(t, 5, cfg.Queue.PoolSize)
	assert.Equal(t, 1024, cfg.Manager.MaxMessageSize, "unset fields keep their defaults")
}

func TestValidateRejectsBadDelimiter(t *testing.T) {
	for _, raw := range []string{
		"manager:\n  delimiter: \"::\"\n",
		"manager:\n  delimiter: \"\\n\"\n",
		"log:\n  level: loud\n",
		"webhooks:\n  - events: [file.recorded]\n",
	} {
		_, err := config.FromYAML([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultSocketPath(), cfg.Manager.SocketPath)

	_, err = config.Load(dir)
	require.Error(t, err, "Load needs a config file")

	require.NoError(t, os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644))
	_, err = config.Load(dir)
	require.NoError(t, err)
}
