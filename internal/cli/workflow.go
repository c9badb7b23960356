package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/orchestrator"
)

// NewValidateCmd создаёт команду validate: проверить файл workflow без запуска.
func NewValidateCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "validate WORKFLOW.yaml",
		Short: "Validate a workflow file (schema, bindings, slices, cycles)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}

			spec, w, closeFn, err := buildWorkflow(env, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := w.Plan(); err != nil {
				return err
			}

			env.Out.Success("Workflow " + spec.Name + " is valid: " + strconv.Itoa(len(spec.Steps)) + " steps")
			return nil
		},
	}
}

// NewPlanCmd создаёт команду plan: порядок шагов и ключи экземпляров.
func NewPlanCmd(envFn EnvFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "plan WORKFLOW.yaml",
		Short: "Show DAG levels, dependencies and instance keys without touching the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFn(nil)
			if err != nil {
				return err
			}

			_, w, closeFn, err := buildWorkflow(env, args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			plan, err := Plan(w)
			if err != nil {
				return err
			}

			headers := []string{"LEVEL", "STEP", "EXECUTOR", "DEPENDS_ON", "INSTANCES"}
			rows := make([][]string, len(plan))
			for i, p := range plan {
				rows[i] = []string{
					strconv.Itoa(p.Level),
					p.Step,
					p.Executor,
					orDash(strings.Join(p.DependsOn, ",")),
					orDash(strings.Join(p.Instances, ",")),
				}
			}

			env.Out.Print(headers, rows, plan)
			return nil
		},
	}
}

// PlannedStep — шаг в плане выполнения.
type PlannedStep struct {
	Level     int      `json:"level"`
	Step      string   `json:"step"`
	Executor  string   `json:"executor"`
	DependsOn []string `json:"depends_on"`
	Instances []string `json:"instances"`
}

// Plan строит план выполнения: уровни DAG и ключи экземпляров.
// Шаги одного уровня могут выполняться параллельно.
func Plan(w *orchestrator.Workflow) ([]PlannedStep, error) {
	dag, err := w.Plan()
	if err != nil {
		return nil, err
	}

	var plan []PlannedStep
	for level, nodes := range dag.Levels() {
		for _, node := range nodes {
			step := w.Step(node.Name)
			keys, err := step.Keys()
			if err != nil {
				return nil, err
			}

			deps := make([]string, len(node.DependsOn))
			for i, d := range node.DependsOn {
				deps[i] = d.Name
			}

			executor := ""
			if ex := step.Executor(); ex != nil {
				executor = ex.Name()
			}

			plan = append(plan, PlannedStep{
				Level:     level,
				Step:      node.Name,
				Executor:  executor,
				DependsOn: deps,
				Instances: keys,
			})
		}
	}
	return plan, nil
}

// buildWorkflow загружает файл и собирает Workflow с ленивыми исполнителями.
func buildWorkflow(env *Env, path string) (*domain.WorkflowSpec, *orchestrator.Workflow, func(), error) {
	spec, err := engine.LoadSpec(path)
	if err != nil {
		return nil, nil, nil, err
	}

	executors, err := NewExecutors(spec, env.Config, env.Logger, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() { _ = executors.Close() }

	w, err := orchestrator.FromSpec(spec, op.NewRegistry(), executors, orchestrator.Config{
		MaxParallel: env.Config.Engine.MaxParallel,
		Retry:       env.Config.RetryPolicy(),
		Logger:      env.Logger,
	})
	if err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return spec, w, closeFn, nil
}
