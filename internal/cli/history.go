package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/repo"
)

// NewHistoryCmd создаёт группу команд истории запусков и memo store.
func NewHistoryCmd(envFn EnvFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect run history and memoized instances (needs database)",
	}

	cmd.AddCommand(
		newHistoryListCmd(envFn),
		newHistoryShowCmd(envFn),
		newHistoryMemoCmd(envFn),
		newHistoryForgetCmd(envFn),
	)

	return cmd
}

func newHistoryListCmd(envFn EnvFunc) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list [WORKFLOW]",
		Short: "List recent runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := env.openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			filter := repo.RunFilter{
				Status: domain.WorkflowStatus(strings.ToUpper(status)),
				Limit:  limit,
			}
			if len(args) == 1 {
				filter.Workflow = args[0]
			}

			runs, err := repo.NewRunRepo(pool).List(ctx, filter)
			if err != nil {
				return err
			}

			headers := []string{"ID", "WORKFLOW", "STATUS", "STEPS", "STARTED", "DURATION", "ERROR"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(&r)
			}

			env.Out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")

	return cmd
}

func newHistoryShowCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			env, err := envFn(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := env.openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			run, err := repo.NewRunRepo(pool).GetByID(ctx, id)
			if err != nil {
				return err
			}

			env.Out.Print(
				[]string{"ID", "WORKFLOW", "STATUS", "STEPS", "STARTED", "DURATION", "ERROR"},
				[][]string{runRow(run)},
				run,
			)
			return nil
		},
	}
}

func newHistoryMemoCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "memo WORKFLOW",
		Short: "List memoized instances that a resubmission will not re-run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := env.openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := repo.NewInstanceRepo(pool).ListByWorkflow(ctx, args[0])
			if err != nil {
				return err
			}

			headers := []string{"KEY", "STEP", "JOB_ID", "FINISHED", "OUTPUTS"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{e.Key, e.Step, orDash(e.JobID), formatTime(&e.FinishedAt), outputNames(e.Outputs)}
			}

			env.Out.Print(headers, rows, entries)
			return nil
		},
	}
}

func newHistoryForgetCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "forget WORKFLOW",
		Short: "Delete memoized instances so the next run starts from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			pool, err := env.openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := repo.NewInstanceRepo(pool).Forget(ctx, args[0])
			if err != nil {
				return err
			}

			env.Out.Success(fmt.Sprintf("Forgot %d instances of %s", n, args[0]))
			return nil
		},
	}
}

func runRow(r *domain.Run) []string {
	return []string{
		r.ID.String(),
		r.Workflow,
		string(r.Status),
		strconv.Itoa(r.Steps),
		formatTime(r.StartedAt),
		formatDuration(r.Duration()),
		orDash(r.Error),
	}
}

func outputNames(outputs map[string][]string) string {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return orDash(strings.Join(names, ","))
}
