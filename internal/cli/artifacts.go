package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/davidthor/chainctl/pkg/artifacts"
	"github.com/davidthor/chainctl/pkg/oci"
	"github.com/davidthor/chainctl/pkg/registry"
	"github.com/davidthor/chainctl/pkg/schema/planfile"
)

func newArtifactsCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Publish plans and contract artifacts to OCI registries",
		Long: `Commands for bundling plan directories and compiled contract artifacts as
OCI artifacts so that apply can consume them by reference.`,
	}

	cmd.AddCommand(newArtifactsPushCmd(g))
	cmd.AddCommand(newArtifactsPullCmd(g))
	cmd.AddCommand(newArtifactsListCmd())
	cmd.AddCommand(newArtifactsRemoveCmd())

	return cmd
}

func newArtifactsPushCmd(g *globalOptions) *cobra.Command {
	var (
		artifactType string
		bundleName   string
		insecure     bool
	)

	cmd := &cobra.Command{
		Use:   "push <dir> <repo:tag>",
		Short: "Push a plan or contracts directory to an OCI registry",
		Long: `Bundle a directory and push it to an OCI registry.

A plan bundle must contain a plan file; a contracts bundle must contain at
least one Hardhat artifact. Both are checked before anything is pushed.

Examples:
  chainctl artifacts push ./deploy ghcr.io/myorg/plans/badges:v1 --type plan
  chainctl artifacts push ./artifacts ghcr.io/myorg/contracts/badges:v1 --type contracts`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := runContext(cmd)
			dir, reference := args[0], args[1]
			out := cmd.OutOrStdout()

			typ := oci.ArtifactType(artifactType)
			if err := checkBundle(dir, typ); err != nil {
				return err
			}

			client := newOCIClient(insecure)
			artifact, err := client.BuildFromDirectory(dir, typ, bundleName)
			if err != nil {
				return err
			}
			artifact.Reference = reference

			printf(out, "[push] Pushing %s bundle %s (%d files) to %s...\n",
				typ, artifact.Config.Name, artifact.Config.Files, reference)
			digest, err := client.Push(ctx, artifact)
			if err != nil {
				return err
			}
			g.Logger().Info("pushed bundle", "reference", reference, "digest", digest)
			recordBundle(g, reference, registry.SourcePushed, digest, string(typ), artifact.Config.Name, artifact.Config.Files, dir)

			printf(out, "[success] Pushed %s@%s\n", reference, digest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&artifactType, "type", "t", string(oci.ArtifactTypePlan), "Bundle type: plan or contracts")
	cmd.Flags().StringVar(&bundleName, "name", "", "Bundle name (default is the directory name)")
	cmd.Flags().BoolVar(&insecure, "insecure-registry", false, "Allow plain HTTP registries")

	return cmd
}

func newArtifactsPullCmd(g *globalOptions) *cobra.Command {
	var insecure bool

	cmd := &cobra.Command{
		Use:   "pull <repo:tag> <dir>",
		Short: "Pull a bundle from an OCI registry into a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			reference, dir := args[0], args[1]

			pulled, err := newOCIClient(insecure).Pull(runContext(cmd), reference, dir)
			if err != nil {
				return err
			}
			g.Logger().Info("pulled bundle", "reference", reference, "digest", pulled.Digest)
			recordBundle(g, reference, registry.SourcePulled, pulled.Digest, string(pulled.Config.Type), pulled.Config.Name, pulled.Config.Files, dir)

			printf(cmd.OutOrStdout(), "[success] Pulled %s bundle %s (%s) into %s\n",
				pulled.Config.Type, pulled.Config.Name, pulled.Digest, dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&insecure, "insecure-registry", false, "Allow plain HTTP registries")

	return cmd
}

func newArtifactsListCmd() *cobra.Command {
	var bundleType string

	cmd := &cobra.Command{
		Use:          "list",
		Aliases:      []string{"ls"},
		Short:        "List bundles pushed or pulled from this machine",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.NewRegistry()
			if err != nil {
				return err
			}
			entries, err := reg.List()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var shown int
			for _, e := range entries {
				if bundleType != "" && e.Type != bundleType {
					continue
				}
				if shown == 0 {
					printf(out, "%-48s %-10s %-7s %-6s %-19s %s\n", "REFERENCE", "TYPE", "SOURCE", "FILES", "DIGEST", "RECORDED")
				}
				shown++
				printf(out, "%-48s %-10s %-7s %-6d %-19s %s\n",
					truncateString(e.Reference, 48), e.Type, e.Source, e.Files,
					truncateString(e.Digest, 19), e.CreatedAt.Local().Format("2006-01-02 15:04"))
			}
			if shown == 0 {
				printf(out, "No bundles recorded.\n")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&bundleType, "type", "t", "", "Only list bundles of this type (plan or contracts)")

	return cmd
}

func newArtifactsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "rm <repo:tag>",
		Short:        "Forget a bundle in the local index",
		Long:         `Remove a bundle from the local index. The registry and any pulled files are left untouched.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.NewRegistry()
			if err != nil {
				return err
			}
			if _, err := reg.Get(args[0]); err != nil {
				return err
			}
			if err := reg.Remove(args[0]); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Removed %s from the local index.\n", args[0])
			return nil
		},
	}
}

// recordBundle adds a pushed or pulled bundle to the local index. Failures
// are logged; the push or pull itself already succeeded.
func recordBundle(g *globalOptions, reference string, source registry.Source, digest, typ, bundleName string, files int, dir string) {
	entry, err := registry.NewEntry(reference, source)
	if err == nil {
		entry.Digest = digest
		entry.Type = typ
		entry.Name = bundleName
		entry.Files = files
		entry.Path, _ = filepath.Abs(dir)

		var reg registry.Registry
		if reg, err = registry.NewRegistry(); err == nil {
			err = reg.Add(entry)
		}
	}
	if err != nil {
		g.Logger().Warn("failed to record bundle in local index", "reference", reference, "error", err)
	}
}

func newOCIClient(insecure bool) *oci.Client {
	if insecure {
		return oci.NewClient(oci.WithInsecure())
	}
	return oci.NewClient()
}

// checkBundle verifies that dir holds what a bundle of type typ promises.
func checkBundle(dir string, typ oci.ArtifactType) error {
	switch typ {
	case oci.ArtifactTypePlan:
		file, err := planfile.FindPlanFile(dir)
		if err != nil {
			return err
		}
		if _, err := planfile.NewLoader().Load(file); err != nil {
			return formatValidationError(err)
		}
	case oci.ArtifactTypeContracts:
		store, err := artifacts.Load(filepath.Clean(dir))
		if err != nil {
			return err
		}
		if store.Len() == 0 {
			return fmt.Errorf("no contract artifacts found in %s", dir)
		}
	default:
		return fmt.Errorf("unknown bundle type %q (want plan or contracts)", typ)
	}
	return nil
}
