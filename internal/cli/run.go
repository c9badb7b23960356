package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/mq"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/orchestrator"
	"github.com/shaiso/batchflow/internal/repo"
	"github.com/shaiso/batchflow/internal/telemetry"
)

// ErrWorkflowFailed — workflow завершился не SUCCEEDED.
var ErrWorkflowFailed = errors.New("workflow did not succeed")

// NewRunCmd создаёт команду run: выполнить workflow до финального состояния.
func NewRunCmd(envFn EnvFunc) *cobra.Command {
	var (
		maxParallel int
		localRoot   string
		metricsAddr string
		fresh       bool
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "run WORKFLOW.yaml",
		Short: "Run a workflow and wait until every step is terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra := map[string]string{}
			if cmd.Flags().Changed("max-parallel") {
				extra["engine.max_parallel"] = strconv.Itoa(maxParallel)
			}
			if cmd.Flags().Changed("local-root") {
				extra["engine.local_root"] = localRoot
			}
			if cmd.Flags().Changed("metrics-addr") {
				extra["metrics.addr"] = metricsAddr
			}

			env, err := envFn(extra)
			if err != nil {
				return err
			}

			spec, err := engine.LoadSpec(args[0])
			if err != nil {
				return err
			}

			return runWorkflow(cmd.Context(), env, spec, runOptions{fresh: fresh, quiet: quiet})
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Maximum instances in flight (engine.max_parallel)")
	cmd.Flags().StringVar(&localRoot, "local-root", "", "Directory for fetched outputs (engine.local_root)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address while running")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Forget memoized instances of this workflow before running (needs database)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print instance transitions")

	return cmd
}

type runOptions struct {
	fresh bool
	quiet bool
}

// runWorkflow собирает workflow из spec, подключает хранилища и брокер и выполняет его.
func runWorkflow(ctx context.Context, env *Env, spec *domain.WorkflowSpec, opts runOptions) error {
	cfg := env.Config
	logger := env.Logger.With("workflow", spec.Name)
	metrics := telemetry.NewMetrics()

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, metrics, env)
		defer stop()
	}

	executors, err := NewExecutors(spec, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := executors.Close(); err != nil {
			logger.Warn("failed to close executors", "error", err)
		}
	}()

	wcfg := orchestrator.Config{
		MaxParallel: cfg.Engine.MaxParallel,
		Retry:       cfg.RetryPolicy(),
		Logger:      logger,
		Metrics:     metrics,
	}

	// PostgreSQL: memo store между запусками и история
	if cfg.Database.URL != "" {
		pool, err := env.openDatabase(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		instances := repo.NewInstanceRepo(pool)
		if opts.fresh {
			n, err := instances.Forget(ctx, spec.Name)
			if err != nil {
				return err
			}
			logger.Info("memo store cleared", "entries", n)
		}
		wcfg.Memo = instances
		wcfg.Runs = repo.NewRunRepo(pool)
	} else if opts.fresh {
		return ErrNoDatabase
	}

	// RabbitMQ: события для batchflow watch
	if cfg.Broker.URL != "" {
		conn, err := env.openBroker(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		wcfg.Publisher = mq.NewPublisher(conn, logger)
	}

	if !opts.quiet && !env.Out.JSONMode() {
		wcfg.OnEvent = func(e domain.Event) { printEvent(env.Out, e) }
	}

	w, err := orchestrator.FromSpec(spec, op.NewRegistry(), executors, wcfg)
	if err != nil {
		return err
	}

	result, err := w.Submit(ctx)
	if err != nil {
		return err
	}

	printResult(env.Out, result)

	if !result.Succeeded() {
		if cause := result.Err(); cause != nil {
			return fmt.Errorf("%w: %s: %w", ErrWorkflowFailed, result.Status, cause)
		}
		return fmt.Errorf("%w: %s", ErrWorkflowFailed, result.Status)
	}
	return nil
}

// serveMetrics поднимает /metrics и возвращает функцию остановки.
func serveMetrics(addr string, metrics *telemetry.Metrics, env *Env) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		env.Logger.Info("metrics server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.Logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printEvent выводит переход экземпляра или шага в stderr.
func printEvent(out *Output, e domain.Event) {
	switch e.Type {
	case domain.EventInstanceUpdated:
		line := fmt.Sprintf("%s  %-10s %s", e.Time.Local().Format(time.TimeOnly), e.Status, e.Instance)
		if e.JobID != "" {
			line += "  job=" + e.JobID
		}
		if e.Attempt > 1 {
			line += "  attempt=" + strconv.Itoa(e.Attempt)
		}
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		out.Progress("%s", line)
	case domain.EventStepFinished:
		out.Progress("%s  step %s %s", e.Time.Local().Format(time.TimeOnly), e.Step, e.Status)
	}
}

// resultView — Result в виде, пригодном для JSON.
type resultView struct {
	RunID      string     `json:"run_id"`
	Workflow   string     `json:"workflow"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Steps      []stepView `json:"steps"`
}

type stepView struct {
	Name      string              `json:"name"`
	Status    string              `json:"status"`
	Kind      string              `json:"kind,omitempty"`
	Error     string              `json:"error,omitempty"`
	Outputs   map[string][]string `json:"outputs,omitempty"`
	Instances []instanceView      `json:"instances"`
}

type instanceView struct {
	Key      string              `json:"key"`
	Status   string              `json:"status"`
	Kind     string              `json:"kind,omitempty"`
	Error    string              `json:"error,omitempty"`
	JobID    string              `json:"job_id,omitempty"`
	Attempts int                 `json:"attempts"`
	Memoized bool                `json:"memoized,omitempty"`
	Duration string              `json:"duration,omitempty"`
	Outputs  map[string][]string `json:"outputs,omitempty"`
}

func newResultView(r *orchestrator.Result) resultView {
	v := resultView{
		RunID:      r.RunID.String(),
		Workflow:   r.Workflow,
		Status:     string(r.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Steps:      make([]stepView, len(r.Steps)),
	}
	for i, s := range r.Steps {
		sv := stepView{
			Name:      s.Name,
			Status:    string(s.Status),
			Kind:      string(s.Kind),
			Error:     errString(s.Err),
			Outputs:   artifactPaths(s.Outputs),
			Instances: make([]instanceView, len(s.Instances)),
		}
		for j, inst := range s.Instances {
			sv.Instances[j] = instanceView{
				Key:      inst.Key,
				Status:   string(inst.Status),
				Kind:     string(inst.Kind),
				Error:    errString(inst.Err),
				JobID:    inst.JobID,
				Attempts: inst.Attempts,
				Memoized: inst.Memoized,
				Duration: formatDuration(inst.Duration),
				Outputs:  artifactPaths(inst.Outputs),
			}
		}
		v.Steps[i] = sv
	}
	return v
}

// printResult выводит исходы шагов и экземпляров.
func printResult(out *Output, r *orchestrator.Result) {
	headers := []string{"STEP", "INSTANCE", "STATUS", "KIND", "JOB_ID", "ATTEMPTS", "DURATION"}
	var rows [][]string
	for _, s := range r.Steps {
		if len(s.Instances) == 0 {
			rows = append(rows, []string{s.Name, "-", string(s.Status), orDash(string(s.Kind)), "-", "-", "-"})
			continue
		}
		for _, inst := range s.Instances {
			status := string(inst.Status)
			if inst.Memoized {
				status += " (memo)"
			}
			rows = append(rows, []string{
				s.Name,
				inst.Key,
				status,
				orDash(string(inst.Kind)),
				orDash(inst.JobID),
				strconv.Itoa(inst.Attempts),
				formatDuration(inst.Duration),
			})
		}
	}

	out.Print(headers, rows, newResultView(r))
	if !out.JSONMode() {
		out.Success(fmt.Sprintf("Workflow %s %s in %s (run %s)",
			r.Workflow, r.Status, formatDuration(r.Duration()), r.RunID))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func artifactPaths(m map[string]*domain.Artifact) map[string][]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]string, len(m))
	for name, a := range m {
		if a != nil {
			out[name] = a.Paths
		}
	}
	return out
}
