package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tasklane/loadgate/internal/config"
	"github.com/tasklane/loadgate/internal/engine"
	"github.com/tasklane/loadgate/internal/output"
)

func newRunCmd(s *streams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the staged load test and gate on thresholds",
		Long: `Run performs setup once (readiness, sign-in, org and project), then drives
the task API workload with the configured virtual users for the configured
duration, evaluates thresholds and writes the summary artifact.

Exit codes: 0 pass, 1 configuration or summary write error, 99 thresholds
failed, 107 setup failed.`,
		Example: `  loadgate run --vus 10 --duration 30s --base-url http://localhost:8000
  VUS=50 DURATION=2m loadgate run --summary results/50vus.json
  loadgate run --config loadgate.yaml --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd, s)
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML configuration file")
	f.Int("vus", config.DefaultVUs, "Number of virtual users")
	f.String("duration", config.DefaultDuration.String(), "Load phase duration (e.g. 30s, 2m)")
	f.String("base-url", config.DefaultBaseURL, "Base URL of the target service")
	f.String("summary", config.DefaultSummaryPath, "Path of the summary artifact")
	f.String("run-id", config.DefaultRunID, "Run identifier recorded in the artifact")
	f.String("revision", config.DefaultRevision, "Source revision recorded in the artifact")
	f.String("pacing", config.DefaultPacing.String(), "Pause between iterations of one virtual user")
	f.String("timeout", config.DefaultRequestTimeout.String(), "Per-request timeout")
	f.String("graceful-stop", "0s", "Time in-flight iterations get after the deadline (0 waits)")
	f.Float64("max-iteration-rate", 0, "Upper bound on iterations per second across all VUs (0 is uncapped)")
	f.String("webhook-secret", "", "Sign webhook deliveries with this secret")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.BoolP("quiet", "q", false, "Disable live progress output, show only the verdict")
	f.Bool("no-color", false, "Disable colored output")

	return cmd
}

func runLoad(cmd *cobra.Command, s *streams) error {
	cfg, err := resolveConfig(cmd.Flags(), s.lookup)
	if err != nil {
		return &exitError{code: engine.ExitConfigError, err: err}
	}

	logger, err := loggerFromFlags(cmd, s.stderr)
	if err != nil {
		return &exitError{code: engine.ExitConfigError, err: err}
	}
	defer logger.Sync()

	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")
	console := output.New(output.Config{
		TotalDuration: cfg.Duration.Std(),
		Writer:        s.stdout,
		Quiet:         quiet,
		NoColor:       noColor,
	})

	eng, err := engine.New(cfg, engine.WithLogger(logger), engine.WithConsole(console))
	if err != nil {
		return &exitError{code: engine.ExitConfigError, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := eng.Run(ctx)
	logger.Info("run finished",
		zap.String("run_id", cfg.RunID),
		zap.Int("exit_code", result.ExitCode),
		zap.Int64("iterations", result.Stats.Iterations))

	if result.ExitCode == engine.ExitPass {
		return nil
	}
	return &exitError{code: result.ExitCode, err: result.Err}
}

// resolveConfig layers defaults, the optional YAML file, the environment and
// explicitly set flags, then validates the result.
func resolveConfig(flags *pflag.FlagSet, lookup config.LookupFunc) (config.RunConfig, error) {
	cfg := config.Default()

	if path, _ := flags.GetString("config"); path != "" {
		if err := config.LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := config.ApplyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	if err := applyFlags(flags, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(flags *pflag.FlagSet, cfg *config.RunConfig) error {
	errs := &config.ValidationErrors{}

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *config.Duration) {
		if !flags.Changed(name) {
			return
		}
		raw, _ := flags.GetString(name)
		d, err := config.ParseDurationString(raw)
		if err != nil {
			errs.Add("--"+name, err.Error())
			return
		}
		*dst = config.Duration(d)
	}

	if flags.Changed("vus") {
		cfg.VUs, _ = flags.GetInt("vus")
	}
	dur("duration", &cfg.Duration)
	str("base-url", &cfg.BaseURL)
	str("summary", &cfg.SummaryPath)
	str("run-id", &cfg.RunID)
	str("revision", &cfg.Revision)
	dur("pacing", &cfg.Pacing)
	dur("timeout", &cfg.RequestTimeout)
	dur("graceful-stop", &cfg.GracefulStop)
	if flags.Changed("max-iteration-rate") {
		cfg.MaxIterationRate, _ = flags.GetFloat64("max-iteration-rate")
	}
	str("webhook-secret", &cfg.WebhookSecret)
	str("metrics-addr", &cfg.MetricsAddr)

	if errs.HasErrors() {
		return errs
	}
	return nil
}
