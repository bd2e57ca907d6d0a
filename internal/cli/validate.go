package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidthor/chainctl/pkg/artifacts"
	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/plan"
)

func newValidateCmd(g *globalOptions) *cobra.Command {
	var f targetFlags

	cmd := &cobra.Command{
		Use:   "validate [plan]",
		Short: "Validate a deployment plan",
		Long: `Validate a plan file without deploying.

Checks that step ids are unique, that every reference names an earlier step
that produces an address, and that configure steps target created or attached
instances. With --artifacts, also checks that every component has an artifact,
that created components are deployable and that configure methods exist.

Examples:
  chainctl validate
  chainctl validate ./deploy/badges.plan.hcl
  chainctl validate --artifacts ./artifacts`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := runContext(cmd)

			planRef := "."
			if len(args) > 0 {
				planRef = args[0]
			}

			res := f.sourceResolver()
			file, p, err := loadPlan(ctx, res, planRef)
			if err != nil {
				return formatValidationError(err)
			}

			if f.artifactsRef != "" {
				store, err := loadArtifacts(ctx, res, f.artifactsRef)
				if err != nil {
					return err
				}
				if problems := checkArtifacts(p, store); len(problems) > 0 {
					return formatValidationError(errors.ValidationError("plan does not match artifacts",
						map[string]interface{}{"errors": problems}))
				}
			}

			printf(cmd.OutOrStdout(), "Plan %q (%s) is valid: %d steps\n", p.Name(), file, p.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&f.artifactsRef, "artifacts", "", "Contract artifacts to check the plan against")
	cmd.Flags().BoolVar(&f.insecure, "insecure-registry", false, "Allow plain HTTP OCI registries")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "Cache for git and OCI sources (default is $HOME/.chainctl/cache)")

	return cmd
}

// checkArtifacts lists every way p cannot be executed with store.
func checkArtifacts(p *plan.Plan, store *artifacts.Store) []string {
	var problems []string
	for _, s := range p.Steps() {
		component := p.ComponentOf(s.ID)
		a, err := store.Get(component)
		switch s.Kind {
		case plan.KindCreate:
			if err != nil {
				problems = append(problems, fmt.Sprintf("step %s: %v", s.ID, err))
			} else if !a.Deployable() {
				problems = append(problems, fmt.Sprintf("step %s: %s has no bytecode", s.ID, a.QualifiedName()))
			}
		case plan.KindConfigure:
			// Full signatures do not need an ABI.
			if strings.Contains(s.Method, "(") {
				continue
			}
			if err != nil {
				problems = append(problems, fmt.Sprintf("step %s: %v", s.ID, err))
			} else if _, ok := a.ABI.Methods[s.Method]; !ok {
				problems = append(problems, fmt.Sprintf("step %s: %s has no method %s", s.ID, a.QualifiedName(), s.Method))
			}
		}
	}
	return problems
}

// formatValidationError extracts and displays validation error details
func formatValidationError(err error) error {
	if e, ok := errors.As(err); ok && e.Code == errors.ErrCodeValidation {
		if errList, ok := e.Details["errors"].([]string); ok && len(errList) > 0 {
			var sb strings.Builder
			sb.WriteString(e.Message + "\n")
			sb.WriteString("\nValidation errors:\n")
			for _, item := range errList {
				sb.WriteString(fmt.Sprintf("  - %s\n", item))
			}
			return fmt.Errorf("%s", sb.String())
		}
	}

	return fmt.Errorf("validation failed: %w", err)
}
