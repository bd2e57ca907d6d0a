package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// ConfigKeyDefaultNetwork is the viper/config key for the default network.
	ConfigKeyDefaultNetwork = "default_network"

	// ConfigKeyNetworks holds the named network table.
	ConfigKeyNetworks = "networks"

	// EnvDefaultNetwork is the environment variable for the default network.
	EnvDefaultNetwork = "CHAINCTL_NETWORK"
)

// networkConfig is one entry of the networks table in the config file:
//
//	networks:
//	  mumbai:
//	    rpc_url: https://rpc-mumbai.maticvigil.com
//	    chain_id: 80001
//	    key: file:.secret
type networkConfig struct {
	Name    string
	Gateway string
	Key     string

	// Settings are passed to the gateway (rpc_url, chain_id, gas_fee_cap, ...).
	Settings map[string]string
}

// lookupNetwork reads networks.<name> from the config. Unknown networks
// return an empty config so flags alone can describe the target.
func lookupNetwork(name string) networkConfig {
	nc := networkConfig{Name: name, Settings: map[string]string{}}
	for k, v := range viper.GetStringMapString(ConfigKeyNetworks + "." + name) {
		switch k {
		case "gateway":
			nc.Gateway = v
		case "key":
			nc.Key = v
		default:
			nc.Settings[k] = v
		}
	}
	return nc
}

// configuredNetworks returns the names in the networks table, sorted.
func configuredNetworks() []string {
	var names []string
	for name := range viper.GetStringMap(ConfigKeyNetworks) {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveNetwork resolves the network name from multiple sources.
//
// Precedence (highest to lowest):
//  1. --network/-n flag (explicit)
//  2. CHAINCTL_NETWORK environment variable
//  3. default_network from ~/.chainctl/config.yaml
//  4. Error if none set
func resolveNetwork(flagValue string) (string, error) {
	// 1. Explicit flag
	if flagValue != "" {
		return flagValue, nil
	}

	// 2. Environment variable
	if envVal := os.Getenv(EnvDefaultNetwork); envVal != "" {
		return envVal, nil
	}

	// 3. Config file default
	if configVal := viper.GetString(ConfigKeyDefaultNetwork); configVal != "" {
		return configVal, nil
	}

	return "", fmt.Errorf(
		"no network specified\n\n" +
			"Specify a network using one of:\n" +
			"  --network/-n flag\n" +
			"  CHAINCTL_NETWORK environment variable\n" +
			"  chainctl config set default-network <name>")
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Get and set chainctl CLI configuration values stored in ~/.chainctl/config.yaml.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigListCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in ~/.chainctl/config.yaml.

Available keys:
  default-network    The network used when --network/-n is not specified.

Examples:
  chainctl config set default-network mumbai`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			viperKey := normalizeConfigKey(key)
			if viperKey != ConfigKeyDefaultNetwork {
				return fmt.Errorf("unknown configuration key %q\n\nAvailable keys:\n  default-network", key)
			}

			viper.Set(viperKey, value)
			if err := writeConfig(); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			printf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := viper.GetString(normalizeConfigKey(args[0]))
			if value == "" {
				printf(cmd.OutOrStdout(), "%s is not set\n", args[0])
			} else {
				printf(cmd.OutOrStdout(), "%s\n", value)
			}
			return nil
		},
	}

	return cmd
}

func newConfigListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			printf(out, "Configuration:\n")
			if n := viper.GetString(ConfigKeyDefaultNetwork); n != "" {
				printf(out, "  default-network = %s\n", n)
			} else {
				printf(out, "  (no default network)\n")
			}
			return nil
		},
	}

	return cmd
}

func newNetworksCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "List the networks defined in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			names := configuredNetworks()
			if len(names) == 0 {
				printf(out, "No networks configured.\n")
				return nil
			}

			printf(out, "%-20s %-10s %-10s %s\n", "NAME", "GATEWAY", "CHAIN ID", "RPC URL")
			for _, name := range names {
				nc := lookupNetwork(name)
				printf(out, "%-20s %-10s %-10s %s\n",
					name,
					firstNonEmpty(nc.Gateway, "evm"),
					nc.Settings["chain_id"],
					redactURL(nc.Settings["rpc_url"]),
				)
			}
			return nil
		},
	}

	return cmd
}

// redactURL hides path segments that usually carry provider API keys.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		if j := strings.Index(u[i+3:], "/"); j >= 0 && len(u) > i+3+j+1 {
			return u[:i+3+j] + "/***"
		}
	}
	return u
}

// writeConfig writes the current viper config to the config file.
func writeConfig() error {
	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		dir, err := configDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	return viper.WriteConfigAs(configPath)
}

// normalizeConfigKey converts CLI-style keys (with dashes) to viper-style keys (with underscores).
func normalizeConfigKey(key string) string {
	return strings.ReplaceAll(key, "-", "_")
}
