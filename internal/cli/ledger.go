package cli

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/state"
	"github.com/davidthor/chainctl/pkg/state/backend"
	"github.com/davidthor/chainctl/pkg/state/types"
)

func newLedgerCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and manage recorded deployments",
		Long:  `Commands for inspecting the progress ledgers stored in the state backend.`,
	}

	cmd.AddCommand(newLedgerShowCmd(g))
	cmd.AddCommand(newLedgerListCmd(g))
	cmd.AddCommand(newLedgerDeleteCmd(g))

	return cmd
}

func newLedgerShowCmd(g *globalOptions) *cobra.Command {
	var (
		network      string
		outputFormat string
	)

	cmd := &cobra.Command{
		Use:   "show <deployment>",
		Short: "Show the recorded outcomes of a deployment",
		Long: `Show the status and every recorded outcome of a deployment.

Examples:
  chainctl ledger show badges -n mumbai
  chainctl ledger show badges -n mumbai -o json`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := runContext(cmd)

			net, err := resolveNetwork(network)
			if err != nil {
				return err
			}
			mgr, err := g.createStateManager()
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			st, err := getLedger(ctx, mgr, net, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch outputFormat {
			case "json":
				return marshalJSON(out, st)
			case "yaml":
				return marshalYAML(out, st)
			case "", "table":
				printLedgerTable(out, st)
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "Network of the deployment")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func newLedgerListCmd(g *globalOptions) *cobra.Command {
	var network string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recorded deployments",
		Long: `List the deployments recorded on one network, or on every network when
--network is not given.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := runContext(cmd)

			mgr, err := g.createStateManager()
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			networks := []string{network}
			if network == "" {
				if networks, err = mgr.ListNetworks(ctx); err != nil {
					return errors.BackendError(mgr.Backend().Type(), "list networks", err)
				}
			}

			var refs []types.DeploymentRef
			for _, n := range networks {
				list, err := mgr.ListDeployments(ctx, n)
				if err != nil {
					return errors.BackendError(mgr.Backend().Type(), "list deployments", err)
				}
				refs = append(refs, list...)
			}

			out := cmd.OutOrStdout()
			if len(refs) == 0 {
				printf(out, "No deployments found.\n")
				return nil
			}

			printf(out, "%-16s %-24s %-14s %-9s %s\n", "NETWORK", "DEPLOYMENT", "STATUS", "OUTCOMES", "UPDATED")
			for _, r := range refs {
				printf(out, "%-16s %-24s %-14s %-9d %s\n",
					r.Network, r.Name, r.Status, r.Outcomes, r.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "Only list deployments on this network")

	return cmd
}

func newLedgerDeleteCmd(g *globalOptions) *cobra.Command {
	var (
		network     string
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "delete <deployment>",
		Short: "Forget a recorded deployment",
		Long: `Delete the ledger of a deployment. Nothing on the network is changed; the
next apply starts from scratch unless seeds are supplied.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := runContext(cmd)
			deployment := args[0]

			net, err := resolveNetwork(network)
			if err != nil {
				return err
			}
			mgr, err := g.createStateManager()
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			st, err := getLedger(ctx, mgr, net, deployment)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !autoApprove {
				if !isInteractive() {
					return fmt.Errorf("refusing to delete %s on %s without --auto-approve", deployment, net)
				}
				question := fmt.Sprintf("Delete the ledger of %s on %s (%d recorded outcomes)?", deployment, net, len(st.Outcomes))
				if !confirm(cmd.InOrStdin(), out, question) {
					printf(out, "Delete cancelled.\n")
					return nil
				}
			}

			lock, err := mgr.Lock(ctx, state.LockScope{
				Network:    net,
				Deployment: deployment,
				Operation:  "delete",
				Who:        currentUser(),
			})
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock(context.WithoutCancel(ctx)) }()

			if err := mgr.DeleteDeployment(ctx, net, deployment); err != nil {
				return errors.BackendError(mgr.Backend().Type(), "delete deployment", err)
			}
			printf(out, "Deleted ledger of %s on %s.\n", deployment, net)
			return nil
		},
	}

	cmd.Flags().StringVarP(&network, "network", "n", "", "Network of the deployment")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip confirmation prompt")

	return cmd
}

func getLedger(ctx context.Context, mgr state.Manager, network, deployment string) (*types.LedgerState, error) {
	st, err := mgr.GetLedger(ctx, network, deployment)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, errors.ErrCodeNotFound) || isNotFound(err) {
		return nil, errors.NotFoundError("deployment", fmt.Sprintf("%s on %s", deployment, network))
	}
	return nil, errors.BackendError(mgr.Backend().Type(), "read ledger", err)
}

func printLedgerTable(w io.Writer, st *types.LedgerState) {
	printf(w, "Deployment: %s\n", st.Deployment)
	printf(w, "Network:    %s\n", st.Network)
	if st.Plan != "" {
		printf(w, "Plan:       %s\n", st.Plan)
	}
	if st.Gateway != "" {
		printf(w, "Gateway:    %s\n", st.Gateway)
	}
	printf(w, "Status:     %s\n", st.Status)
	if st.FailedStep != "" {
		printf(w, "Failed at:  %s\n", st.FailedStep)
	}
	if st.StatusReason != "" {
		printf(w, "Reason:     %s\n", st.StatusReason)
	}
	printf(w, "Created:    %s\n", st.CreatedAt.Format("2006-01-02 15:04:05"))
	printf(w, "Updated:    %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))

	if len(st.Outcomes) == 0 {
		printf(w, "\nNo recorded outcomes.\n")
		return
	}

	printf(w, "\n%-28s %-10s %-24s %-44s %s\n", "STEP", "KIND", "COMPONENT", "ADDRESS", "TX")
	for _, o := range st.Outcomes {
		kind := o.Kind
		if o.Seeded {
			kind += "*"
		}
		printf(w, "%-28s %-10s %-24s %-44s %s\n",
			o.StepID, kind, truncateString(o.Component, 24), o.Address, truncateString(o.TxHash, 20))
	}
	printf(w, "\n* seeded by the operator\n")
}

func marshalJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func marshalYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func truncateString(s string, max int) string {
	if len(s) <= max || max < 4 {
		return s
	}
	return s[:max-3] + "..."
}

func isNotFound(err error) bool {
	return err != nil && stderrors.Is(err, backend.ErrNotFound)
}
