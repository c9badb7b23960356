package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCmd создаёт команду config: итоговая конфигурация после всех источников.
func NewConfigCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective engine configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}

			if env.Out.JSONMode() {
				env.Out.JSON(env.Config)
				return nil
			}

			data, err := env.Config.Dump()
			if err != nil {
				return err
			}
			env.Out.Line("%s", data)
			return nil
		},
	}
}
