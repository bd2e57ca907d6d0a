package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidthor/chainctl/pkg/engine"
	"github.com/davidthor/chainctl/pkg/engine/executor"
)

func newApplyCmd(g *globalOptions) *cobra.Command {
	var (
		f            targetFlags
		autoApprove  bool
		pacing       time.Duration
		retries      int
		retryBackoff time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply [plan]",
		Short: "Deploy a plan to a network",
		Long: `Executes a deployment plan step by step against the target network.

The [plan] can be a plan file, a directory containing chainctl.plan.yaml
(or .yml/.hcl), a git:: reference or an OCI reference. It defaults to the
current directory.

Steps already recorded in the deployment's ledger are skipped, so rerunning
apply after a failure resumes where the last run stopped. Instances that were
deployed by other means can be supplied with --seed.

Examples:
  chainctl apply -n mumbai
  chainctl apply ./deploy/badges.plan.yaml -n mumbai --artifacts ./artifacts
  chainctl apply -n mumbai --seed registry=0x812CD0fdBddA06748DAd23Fa0614b1A13920dC96
  chainctl apply ghcr.io/org/plans/badges:v1 -n polygon --artifacts ghcr.io/org/contracts/badges:v1
  chainctl apply -n local --gateway memory --auto-approve`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			planRef := "."
			if len(args) > 0 {
				planRef = args[0]
			}

			ctx, stop := signal.NotifyContext(runContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := g.Logger()
			out := cmd.OutOrStdout()

			t, err := f.loadTarget(ctx, planRef, logger)
			if err != nil {
				return err
			}
			defer t.close()

			mgr, err := g.createStateManager()
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}

			eng := engine.NewEngine(mgr, t.gateway, logger)
			opts := engine.DeployOptions{
				Network:    t.network.Name,
				Deployment: t.deployment,
				Plan:       t.plan,
				Seeds:      t.seeds,
				Fresh:      f.fresh,
				Who:        currentUser(),
				Executor: executor.Options{
					Pacing: pacing,
					Retry:  executor.RetryPolicy{Attempts: retries + 1, Backoff: retryBackoff},
					Logger: logger,
				},
			}

			preview, err := eng.Preview(ctx, opts)
			if err != nil {
				return err
			}

			printf(out, "Plan:        %s (%s)\n", t.plan.Name(), t.planFile)
			printf(out, "Network:     %s\n", t.network.Name)
			printf(out, "Deployment:  %s\n", t.deployment)
			printf(out, "Gateway:     %s\n", t.gateway.Name())

			progress := NewProgressTableFromPreview(out, preview)
			progress.PrintInitial()
			for _, w := range preview.Warnings {
				printf(out, "Warning: %s\n", w)
			}

			// An empty preview still runs so that seeds and status are saved.
			if preview.IsEmpty() {
				printf(out, "Nothing to execute: every step is already recorded.\n")
			} else if !autoApprove && isInteractive() {
				if !confirm(cmd.InOrStdin(), out, "Proceed with deployment?") {
					printf(out, "Deployment cancelled.\n")
					return nil
				}
				printf(out, "\n")
			}

			opts.Executor.OnEvent = progress.HandleEvent

			result, err := eng.Deploy(ctx, opts)
			if result != nil {
				progress.PrintFinalSummary()
			}
			if err != nil {
				return fmt.Errorf("deployment failed: %w", err)
			}
			return nil
		},
	}

	f.register(cmd, true)
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip confirmation prompt")
	cmd.Flags().DurationVar(&pacing, "pacing", executor.DefaultPacing, "Minimum wait between two executed steps")
	cmd.Flags().IntVar(&retries, "retries", 0, "Retries for failures that happen before a transaction is sent")
	cmd.Flags().DurationVar(&retryBackoff, "retry-backoff", 2*time.Second, "Wait between retries")

	return cmd
}

// currentUser names the lock holder.
func currentUser() string {
	for _, env := range []string{"CHAINCTL_USER", "USER", "USERNAME"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return "chainctl"
}

// runContext returns cmd's context, or Background when it has none.
func runContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
