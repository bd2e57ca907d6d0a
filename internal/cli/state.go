package cli

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/davidthor/chainctl/pkg/state"
	"github.com/davidthor/chainctl/pkg/state/backend"
)

// Environment variable names for state backend configuration.
const (
	// EnvStateBackend sets the state backend type (local, s3, gcs, azurerm).
	EnvStateBackend = "CHAINCTL_STATE_BACKEND"

	// EnvStatePrefix is the prefix for backend-specific config environment variables.
	// For example, CHAINCTL_STATE_PATH sets the "path" config for the local backend,
	// CHAINCTL_STATE_BUCKET sets the "bucket" config for S3/GCS backends.
	EnvStatePrefix = "CHAINCTL_STATE_"
)

// createStateManager creates a state manager from the global flags.
func (g *globalOptions) createStateManager() (state.Manager, error) {
	return createStateManagerWithConfig(g.backendType, g.backendConfig)
}

// createStateManagerWithConfig creates a state manager with the given backend type and config.
//
// Configuration precedence (highest to lowest):
//  1. CLI flags (--backend, --backend-config)
//  2. Environment variables (CHAINCTL_STATE_BACKEND, CHAINCTL_STATE_*)
//  3. The state section of the config file (state.backend, state.config)
//  4. Hardcoded defaults (local backend with ~/.chainctl/state)
func createStateManagerWithConfig(backendType string, backendConfig []string) (state.Manager, error) {
	// Start with hardcoded default
	effectiveBackend := "local"
	effectiveConfig := make(map[string]string)

	// Apply config file
	if v := viper.GetString("state.backend"); v != "" {
		effectiveBackend = v
	}
	for k, v := range viper.GetStringMapString("state.config") {
		effectiveConfig[k] = v
	}

	// Apply environment variables
	if envBackend := os.Getenv(EnvStateBackend); envBackend != "" {
		effectiveBackend = envBackend
	}

	// Check for backend-specific env vars (CHAINCTL_STATE_PATH, CHAINCTL_STATE_BUCKET, etc.)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, EnvStatePrefix) && !strings.HasPrefix(env, EnvStateBackend+"=") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				// Convert CHAINCTL_STATE_PATH to "path", CHAINCTL_STATE_BUCKET to "bucket", etc.
				key := strings.ToLower(strings.TrimPrefix(parts[0], EnvStatePrefix))
				effectiveConfig[key] = parts[1]
			}
		}
	}

	// Apply CLI flags (highest priority)
	if backendType != "" {
		effectiveBackend = backendType
	}

	for k, v := range parseKeyValues(backendConfig) {
		effectiveConfig[k] = v
	}

	config := backend.Config{
		Type:   effectiveBackend,
		Config: effectiveConfig,
	}

	return state.NewManagerFromConfig(config)
}

// parseKeyValues splits key=value pairs, ignoring entries without '='.
func parseKeyValues(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, c := range pairs {
		parts := strings.SplitN(c, "=", 2)
		if len(parts) == 2 {
			out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return out
}
