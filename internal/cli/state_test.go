package cli

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/chainctl/pkg/state/backend/local"
)

func localRoot(t *testing.T, backendType string, backendConfig []string) string {
	t.Helper()
	mgr, err := createStateManagerWithConfig(backendType, backendConfig)
	require.NoError(t, err)
	require.Equal(t, "local", mgr.Backend().Type())
	return mgr.Backend().(*local.Backend).Root()
}

func TestCreateStateManager_Precedence(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv(EnvStateBackend, "")

	fromConfig := filepath.Join(t.TempDir(), "config")
	fromEnv := filepath.Join(t.TempDir(), "env")
	fromFlag := filepath.Join(t.TempDir(), "flag")

	viper.Set("state.backend", "local")
	viper.Set("state.config", map[string]string{"path": fromConfig})
	assert.Equal(t, fromConfig, localRoot(t, "", nil))

	t.Setenv("CHAINCTL_STATE_PATH", fromEnv)
	assert.Equal(t, fromEnv, localRoot(t, "", nil))

	assert.Equal(t, fromFlag, localRoot(t, "local", []string{"path=" + fromFlag}))
}

func TestCreateStateManager_UnknownBackend(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv(EnvStateBackend, "floppy")
	_, err := createStateManagerWithConfig("", nil)
	assert.Error(t, err)

	// Flags win over the environment.
	t.Setenv("CHAINCTL_STATE_PATH", t.TempDir())
	_, err = createStateManagerWithConfig("local", nil)
	assert.NoError(t, err)
}

func TestParseKeyValues(t *testing.T) {
	got := parseKeyValues([]string{"bucket=state", " region = eu-west-1 ", "broken", "url=https://x?a=b"})

	assert.Equal(t, map[string]string{
		"bucket": "state",
		"region": "eu-west-1",
		"url":    "https://x?a=b",
	}, got)
}
