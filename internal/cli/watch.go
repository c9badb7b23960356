package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/mq"
)

// NewWatchCmd создаёт команду watch: поток событий запущенных workflow.
func NewWatchCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [WORKFLOW]",
		Short: "Stream lifecycle events of running workflows from the broker",
		Long: "Stream lifecycle events published by `batchflow run` to RabbitMQ.\n" +
			"Without WORKFLOW, events of every workflow are shown. Stops on Ctrl+C.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}

			workflow := ""
			if len(args) == 1 {
				workflow = args[0]
			}

			ctx := cmd.Context()
			conn, err := env.openBroker(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			watcher := mq.NewWatcher(conn, env.Logger, workflow, func(e domain.Event) {
				printWatchEvent(env.Out, e)
			})

			err = watcher.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// printWatchEvent выводит событие одной строкой (в JSON режиме — JSON lines).
func printWatchEvent(out *Output, e domain.Event) {
	if out.JSONMode() {
		out.JSONLine(e)
		return
	}

	subject := e.Workflow
	switch {
	case e.Instance != "":
		subject = e.Workflow + "/" + e.Instance
	case e.Step != "":
		subject = e.Workflow + "/" + e.Step
	}

	line := e.Time.Local().Format(time.DateTime) + "  " + string(e.Type) + "  " + subject + "  " + e.Status
	if e.JobID != "" {
		line += "  job=" + e.JobID
	}
	if e.Kind != "" {
		line += "  kind=" + string(e.Kind)
	}
	if e.Error != "" {
		line += "  error=" + e.Error
	}
	out.Line("%s", line)
}
