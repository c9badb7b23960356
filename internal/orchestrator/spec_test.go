package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
	"github.com/shaiso/batchflow/internal/op"
	"github.com/shaiso/batchflow/internal/worker"
)

const cp2kWorkflow = `
name: cp2k-task
executors:
  cluster:
    kind: local
defaults:
  timeout_sec: 60
  retry: {max_attempts: 2, initial_delay_ms: 1}
steps:
  - name: Structure-Opt
    executor: cluster
    operation:
      command: "cp2k.psmp -i input.inp -o output.out"
      workdir: Opt_input
      inputs: [Opt_input]
      outputs: {Opt_output: output.out}
    artifacts:
      Opt_input: {upload: [/data/cp2k_opt]}
  - name: CP2K-Single
    executor: cluster
    operation:
      command: "cp2k.psmp -i input.inp -o output.out"
      workdir: Single_input
      inputs: [Single_input, Structure]
      outputs: {Single_output: output.out}
    artifacts:
      Single_input: {upload: [/data/cp2k_elf, /data/cp2k_density]}
      Structure: {from: Structure-Opt.Opt_output}
    slices:
      items: [elf, density]
      input_artifacts: [Single_input]
      output_artifacts: [Single_output]
      key: "CP2KSingle-{{ .item }}"
    timeout_sec: 5
`

func TestFromSpec(t *testing.T) {
	spec, err := engine.ParseSpec([]byte(cp2kWorkflow))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}

	exec := newFakeExecutor()
	w, err := FromSpec(spec, op.NewRegistry(), map[string]worker.Executor{"cluster": exec}, quietConfig())
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}

	if w.Name() != "cp2k-task" || len(w.Steps()) != 2 {
		t.Fatalf("unexpected workflow %s with %d steps", w.Name(), len(w.Steps()))
	}

	opt, single := w.Step("Structure-Opt"), w.Step("CP2K-Single")
	if single.Input("Structure") != opt.Output("Opt_output") {
		t.Error("Structure should be bound to Structure-Opt output")
	}
	if got := single.Input("Single_input").Paths; len(got) != 2 {
		t.Errorf("expected 2 uploaded paths, got %v", got)
	}
	if opt.timeout != time.Minute || single.timeout != 5*time.Second {
		t.Errorf("unexpected timeouts %s, %s", opt.timeout, single.timeout)
	}
	if opt.retry == nil || opt.retry.MaxAttempts != 2 {
		t.Errorf("defaults.retry should apply, got %+v", opt.retry)
	}

	keys, err := single.Keys()
	if err != nil || fmt.Sprint(keys) != "[CP2KSingle-elf CP2KSingle-density]" {
		t.Errorf("Keys() = %v, %v", keys, err)
	}

	dag, err := w.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if levels := dag.Levels(); len(levels) != 2 {
		t.Errorf("expected 2 levels, got %d", len(levels))
	}

	res := submit(t, w, context.Background())
	if !res.Succeeded() {
		t.Fatalf("expected SUCCEEDED, got %s: %v", res.Status, res.Err())
	}
	seen := exec.stagedWith["CP2KSingle-density"]
	if len(seen["Single_input"]) != 1 || seen["Single_input"][0] != "/data/cp2k_density" {
		t.Errorf("unexpected partitioned input %v", seen["Single_input"])
	}
}

func TestFromSpec_Errors(t *testing.T) {
	spec, err := engine.ParseSpec([]byte(cp2kWorkflow))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}

	// Исполнитель объявлен, но не создан
	_, err = FromSpec(spec, op.NewRegistry(), map[string]worker.Executor{}, quietConfig())
	if !errors.Is(err, engine.ErrUnknownExecutor) {
		t.Errorf("expected ErrUnknownExecutor, got %v", err)
	}

	// Неизвестный тип операции
	spec.Steps[0].Operation.Type = "python"
	_, err = FromSpec(spec, op.NewRegistry(), map[string]worker.Executor{"cluster": newFakeExecutor()}, quietConfig())
	if !errors.Is(err, engine.ErrUnknownOperation) {
		t.Errorf("expected ErrUnknownOperation, got %v", err)
	}
}

// --- Properties ---

// Шаг отправляется только после того, как скачаны выходы всех его производителей.
func TestSubmit_DependencyOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(t, "steps")

		exec := newFakeExecutor()
		steps := make([]*Step, n)
		producers := make([][]int, n)

		for i := 0; i < n; i++ {
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("edge_%d_%d", j, i)) {
					producers[i] = append(producers[i], j)
				}
			}

			inputs := []string{"seed"}
			for _, j := range producers[i] {
				inputs = append(inputs, fmt.Sprintf("from%d", j))
			}

			step := NewStep(fmt.Sprintf("S%d", i), command(inputs, "out")).
				Bind("seed", domain.Upload(fmt.Sprintf("/data/seed%d", i))).
				WithExecutor(exec)
			for _, j := range producers[i] {
				step.Bind(fmt.Sprintf("from%d", j), steps[j].Output("out"))
			}
			steps[i] = step
		}

		cfg := quietConfig()
		cfg.MaxParallel = rapid.IntRange(1, 4).Draw(t, "max_parallel")

		w := New("property", cfg)
		w.Add(rapid.Permutation(steps).Draw(t, "declaration_order")...)

		res, err := w.Submit(context.Background())
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if !res.Succeeded() {
			t.Fatalf("expected SUCCEEDED, got %s: %v", res.Status, res.Err())
		}

		for i := 0; i < n; i++ {
			consumer := fmt.Sprintf("S%d", i)
			for _, j := range producers[i] {
				producer := fmt.Sprintf("S%d", j)
				if exec.fetchedAt[producer] >= exec.stagedAt[consumer] {
					t.Fatalf("%s staged (seq %d) before %s was fetched (seq %d)",
						consumer, exec.stagedAt[consumer], producer, exec.fetchedAt[producer])
				}
			}
		}
	})
}
