package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidthor/chainctl/pkg/artifacts"
	"github.com/davidthor/chainctl/pkg/envfile"
	"github.com/davidthor/chainctl/pkg/gateway"
	"github.com/davidthor/chainctl/pkg/oci"
	"github.com/davidthor/chainctl/pkg/plan"
	"github.com/davidthor/chainctl/pkg/resolver"
	"github.com/davidthor/chainctl/pkg/schema/planfile"
	"github.com/davidthor/chainctl/pkg/secrets"
)

// targetFlags select the plan, the network and the gateway of a run. They
// are shared by apply, plan and validate.
type targetFlags struct {
	network       string
	deployment    string
	gatewayType   string
	gatewayConfig []string
	artifactsRef  string
	key           string
	seeds         []string
	seedFile      string
	fresh         bool
	insecure      bool
	cacheDir      string
}

func (f *targetFlags) register(cmd *cobra.Command, withSeeds bool) {
	cmd.Flags().StringVarP(&f.network, "network", "n", "", "Target network (see 'chainctl networks')")
	cmd.Flags().StringVarP(&f.deployment, "deployment", "d", "", "Deployment name (default is the plan name)")
	cmd.Flags().StringVar(&f.gatewayType, "gateway", "", "Gateway type (evm, memory); defaults to the network's gateway or evm")
	cmd.Flags().StringArrayVar(&f.gatewayConfig, "gateway-config", nil, "Gateway settings (key=value), e.g. rpc_url=..., chain_id=...")
	cmd.Flags().StringVar(&f.artifactsRef, "artifacts", "", "Contract artifacts: a directory, git:: reference or OCI reference")
	cmd.Flags().StringVar(&f.key, "key", "", "Signer key reference (env:NAME, file:PATH, awssm:ID[#FIELD]) or hex key")
	cmd.Flags().BoolVar(&f.insecure, "insecure-registry", false, "Allow plain HTTP OCI registries")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "Cache for git and OCI sources (default is $HOME/.chainctl/cache)")
	if withSeeds {
		cmd.Flags().StringArrayVar(&f.seeds, "seed", nil, "Existing instance for a step (step-id=address)")
		cmd.Flags().StringVar(&f.seedFile, "seed-file", "", "YAML file mapping step ids to existing addresses")
		cmd.Flags().BoolVar(&f.fresh, "fresh", false, "Ignore the recorded ledger and start from scratch")
	}
}

// target is everything a command needs to plan or run a deployment.
type target struct {
	network    networkConfig
	deployment string
	plan       *plan.Plan
	planFile   string
	gateway    gateway.Gateway
	seeds      map[string]string
}

// close releases gateway resources such as RPC connections.
func (t *target) close() {
	if c, ok := t.gateway.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

func (f *targetFlags) sourceResolver() resolver.Resolver {
	var opts []oci.ClientOption
	if f.insecure {
		opts = append(opts, oci.WithInsecure())
	}
	return resolver.NewResolver(resolver.Options{
		CacheDir:    f.cacheDir,
		AllowRemote: true,
		OCIClient:   oci.NewClient(opts...),
	})
}

// loadTarget resolves the network, builds the gateway and loads the plan
// with the gateway's address validation.
func (f *targetFlags) loadTarget(ctx context.Context, planRef string, logger *slog.Logger) (*target, error) {
	networkName, err := resolveNetwork(f.network)
	if err != nil {
		return nil, err
	}
	nc := lookupNetwork(networkName)

	res := f.sourceResolver()

	gw, err := f.buildGateway(ctx, res, nc, logger)
	if err != nil {
		return nil, err
	}

	t := &target{network: nc, gateway: gw}

	planFile, p, err := loadPlan(ctx, res, planRef, plan.WithAddressValidator(gw.ValidateAddress))
	if err != nil {
		t.close()
		return nil, err
	}

	seeds, err := f.collectSeeds()
	if err != nil {
		t.close()
		return nil, err
	}

	t.deployment = firstNonEmpty(f.deployment, p.Name())
	t.plan = p
	t.planFile = planFile
	t.seeds = seeds
	return t, nil
}

// loadPlan resolves planRef to a local file and parses it.
func loadPlan(ctx context.Context, res resolver.Resolver, planRef string, opts ...plan.Option) (string, *plan.Plan, error) {
	resolved, err := res.Resolve(ctx, planRef)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve plan %s: %w", planRef, err)
	}
	file, err := planfile.FindPlanFile(resolved.Path)
	if err != nil {
		return "", nil, err
	}
	p, err := planfile.NewLoader(opts...).Load(file)
	if err != nil {
		return "", nil, err
	}
	return file, p, nil
}

// buildGateway creates the gateway for nc. Flags override the network table.
func (f *targetFlags) buildGateway(ctx context.Context, res resolver.Resolver, nc networkConfig, logger *slog.Logger) (gateway.Gateway, error) {
	gatewayType := firstNonEmpty(f.gatewayType, nc.Gateway, "evm")

	settings := make(map[string]string, len(nc.Settings))
	for k, v := range nc.Settings {
		settings[k] = v
	}
	for k, v := range parseKeyValues(f.gatewayConfig) {
		settings[k] = v
	}

	cfg := gateway.Config{Settings: settings, Logger: logger}

	artifactsRef := firstNonEmpty(f.artifactsRef, settings["artifacts"])
	if artifactsRef != "" {
		store, err := loadArtifacts(ctx, res, artifactsRef)
		if err != nil {
			return nil, err
		}
		cfg.Artifacts = store
	}

	if keyRef := firstNonEmpty(f.key, nc.Key); keyRef != "" {
		key, err := resolveKey(ctx, keyRef, nc.Name)
		if err != nil {
			return nil, err
		}
		cfg.PrivateKey = key
	}

	gw, err := gateway.Create(gatewayType, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s gateway for network %s: %w", gatewayType, nc.Name, err)
	}
	return gw, nil
}

func loadArtifacts(ctx context.Context, res resolver.Resolver, ref string) (*artifacts.Store, error) {
	resolved, err := res.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts %s: %w", ref, err)
	}
	store, err := artifacts.Load(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts from %s: %w", resolved.Path, err)
	}
	return store, nil
}

// resolveKey reads the signer key through the secrets providers. File
// references are relative to the working directory, and env references fall
// back to the dotenv files found there.
func resolveKey(ctx context.Context, ref, network string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dotenv, err := envfile.Load(wd, network)
	if err != nil {
		return "", err
	}
	mgr := secrets.DefaultManager(wd)
	mgr.RegisterProvider(secrets.NewEnvProviderWithFallback(dotenv))

	key, err := mgr.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to resolve signer key: %w", err)
	}
	return strings.TrimSpace(key), nil
}

// collectSeeds merges --seed-file and --seed; flags win over the file.
func (f *targetFlags) collectSeeds() (map[string]string, error) {
	seeds := map[string]string{}
	if f.seedFile != "" {
		data, err := os.ReadFile(filepath.Clean(f.seedFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read seed file: %w", err)
		}
		fromFile, err := planfile.Seeds(data)
		if err != nil {
			return nil, fmt.Errorf("invalid seed file %s: %w", f.seedFile, err)
		}
		for k, v := range fromFile {
			seeds[k] = v
		}
	}
	for _, s := range f.seeds {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("invalid --seed %q (want step-id=address)", s)
		}
		seeds[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return seeds, nil
}
