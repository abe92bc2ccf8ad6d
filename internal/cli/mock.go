package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tasklane/loadgate/internal/mocktarget"
)

func newMockCmd(s *streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve an in-process mock of the task API",
		Long: `Mock serves the endpoints the workload calls (readiness, magic-link sign-in,
orgs, projects, tasks and the Stripe webhook receiver) from memory, so a run
can be smoke tested without the real service.`,
		Example: `  loadgate mock --addr :8000 --latency 20ms
  loadgate mock --webhook-secret whsec_test --ready-after 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := loggerFromFlags(cmd, s.stderr)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			defer logger.Sync()

			addr, _ := cmd.Flags().GetString("addr")
			latency, _ := cmd.Flags().GetDuration("latency")
			secret, _ := cmd.Flags().GetString("webhook-secret")
			readyAfter, _ := cmd.Flags().GetInt("ready-after")

			server := mocktarget.New(
				mocktarget.WithLogger(logger),
				mocktarget.WithLatency(latency),
				mocktarget.WithWebhookSecret(secret),
				mocktarget.WithReadyAfter(readyAfter),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().String("addr", ":8000", "Listen address")
	cmd.Flags().Duration("latency", 0, "Delay added to every response")
	cmd.Flags().String("webhook-secret", "", "Require signed webhook deliveries")
	cmd.Flags().Int("ready-after", 0, "Answer 503 to this many readiness polls first")
	return cmd
}
