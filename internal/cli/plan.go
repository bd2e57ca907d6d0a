package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/davidthor/chainctl/pkg/engine"
	"github.com/davidthor/chainctl/pkg/engine/planner"
	"github.com/davidthor/chainctl/pkg/graph"
	"github.com/davidthor/chainctl/pkg/graph/visual"
)

func newPlanCmd(g *globalOptions) *cobra.Command {
	var (
		f            targetFlags
		outputFormat string
		group        bool
	)

	cmd := &cobra.Command{
		Use:   "plan [plan]",
		Short: "Show which steps apply would execute",
		Long: `Loads the deployment's ledger and seeds exactly as apply would and prints
which steps would be created, configured, attached or skipped. Nothing is sent
to the network and no state is written.

Examples:
  chainctl plan -n mumbai
  chainctl plan ./deploy -n mumbai --seed registry=0x812CD0fdBddA06748DAd23Fa0614b1A13920dC96
  chainctl plan -n mumbai -o json
  chainctl plan -n mumbai -o mermaid --group > badges.mmd`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := runContext(cmd)

			planRef := "."
			if len(args) > 0 {
				planRef = args[0]
			}

			t, err := f.loadTarget(ctx, planRef, g.Logger())
			if err != nil {
				return err
			}
			defer t.close()

			mgr, err := g.createStateManager()
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			preview, err := engine.NewEngine(mgr, t.gateway, g.Logger()).Preview(ctx, engine.DeployOptions{
				Network:    t.network.Name,
				Deployment: t.deployment,
				Plan:       t.plan,
				Seeds:      t.seeds,
				Fresh:      f.fresh,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch outputFormat {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(previewView(preview))
			case "yaml":
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(previewView(preview))
			case "mermaid":
				steps, err := graph.FromPreview(preview)
				if err != nil {
					return err
				}
				diagram, err := visual.RenderMermaid(steps, visual.MermaidOptions{
					GroupByComponent: group,
					Title:            preview.Plan,
				})
				if err != nil {
					return err
				}
				printf(out, "%s", diagram)
				return nil
			case "", "table":
				progress := NewProgressTableFromPreview(out, preview)
				progress.PrintInitial()
				for _, w := range preview.Warnings {
					printf(out, "Warning: %s\n", w)
				}
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json, yaml or mermaid)", outputFormat)
			}
		},
	}

	f.register(cmd, true)
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml, mermaid")
	cmd.Flags().BoolVar(&group, "group", false, "Group steps by component in mermaid output")

	return cmd
}

// stepView is the machine-readable form of a planned step.
type stepView struct {
	ID           string   `json:"id" yaml:"id"`
	Action       string   `json:"action" yaml:"action"`
	Component    string   `json:"component" yaml:"component"`
	Method       string   `json:"method,omitempty" yaml:"method,omitempty"`
	Args         string   `json:"args,omitempty" yaml:"args,omitempty"`
	Address      string   `json:"address,omitempty" yaml:"address,omitempty"`
	Reason       string   `json:"reason" yaml:"reason"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

type planView struct {
	Plan     string     `json:"plan" yaml:"plan"`
	Steps    []stepView `json:"steps" yaml:"steps"`
	Warnings []string   `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Pending  int        `json:"pending" yaml:"pending"`
	Skipped  int        `json:"skipped" yaml:"skipped"`
}

func previewView(p *planner.Preview) planView {
	v := planView{Plan: p.Plan, Warnings: p.Warnings, Pending: p.Pending(), Skipped: p.Skipped}
	for _, c := range p.Changes {
		sv := stepView{
			ID:           c.Step.ID,
			Action:       string(c.Action),
			Component:    c.Component,
			Method:       c.Step.Method,
			Args:         planner.FormatArgs(c.Step.Args),
			Address:      c.Step.Address,
			Reason:       c.Reason,
			Dependencies: c.Dependencies,
		}
		if c.Existing != nil {
			sv.Address = c.Existing.Address
		}
		v.Steps = append(v.Steps, sv)
	}
	return v
}
