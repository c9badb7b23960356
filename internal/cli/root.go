package cli

import (
	"github.com/spf13/cobra"

	"github.com/shaiso/batchflow/internal/config"
	"github.com/shaiso/batchflow/internal/telemetry"
)

// NewRootCmd создаёт корневую команду batchflow.
func NewRootCmd(version string) *cobra.Command {
	var (
		configPath string
		jsonOutput bool
		logLevel   string
		sets       []string
	)

	root := &cobra.Command{
		Use:           "batchflow",
		Short:         "batchflow — DAG of batch jobs on a remote cluster",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Engine config file (YAML)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringArrayVar(&sets, "set", nil, "Override config value as KEY=VALUE, e.g. poll.interval=10s (repeatable)")

	// envFn собирает окружение после разбора флагов.
	// extra — переопределения от флагов конкретной команды.
	envFn := func(extra map[string]string) (*Env, error) {
		overrides, err := parseSets(sets)
		if err != nil {
			return nil, err
		}
		if logLevel != "" {
			overrides["logging.level"] = logLevel
		}
		for k, v := range extra {
			overrides[k] = v
		}

		opts := []config.LoaderOption{config.WithConfigPath(configPath)}
		for k, v := range overrides {
			opts = append(opts, config.WithOverride(k, v))
		}
		cfg, err := config.NewLoader(opts...).Load()
		if err != nil {
			return nil, err
		}

		// Логи в stderr: stdout остаётся для результатов
		logger := telemetry.SetupLoggerTo(root.ErrOrStderr(),
			telemetry.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

		return &Env{
			Config: cfg,
			Logger: logger,
			Out:    NewOutputTo(jsonOutput, root.OutOrStdout(), root.ErrOrStderr()),
		}, nil
	}

	root.AddCommand(
		NewRunCmd(envFn),
		NewValidateCmd(envFn),
		NewPlanCmd(envFn),
		NewWatchCmd(envFn),
		NewHistoryCmd(envFn),
		NewConfigCmd(envFn),
	)

	return root
}

// EnvFunc лениво создаёт окружение команды.
type EnvFunc func(extra map[string]string) (*Env, error)
