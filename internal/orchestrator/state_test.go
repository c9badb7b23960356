package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shaiso/batchflow/internal/domain"
	"github.com/shaiso/batchflow/internal/engine"
)

// chain строит A → B → C и независимый D.
func chain(t *testing.T) *RunState {
	t.Helper()

	exec := newFakeExecutor()
	a := NewStep("A", command(nil, "out")).WithExecutor(exec)
	b := NewStep("B", command([]string{"in"}, "out")).Bind("in", a.Output("out")).WithExecutor(exec)
	c := NewStep("C", command([]string{"in"}, "out")).Bind("in", b.Output("out")).WithExecutor(exec)
	d := NewStep("D", command(nil, "out")).WithExecutor(exec)
	steps := []*Step{a, b, c, d}

	dag, err := engine.BuildDAG([]engine.StepRef{a, b, c, d})
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	return NewRunState(domain.NewRun("chain", dag.Size()), dag, steps)
}

func readyNames(state *RunState) []string {
	var names []string
	for _, n := range state.GetReadySteps() {
		names = append(names, n.Name)
	}
	return names
}

func TestNewRunState(t *testing.T) {
	state := chain(t)

	if state.completed == nil || state.blocked == nil {
		t.Fatal("maps should be initialized")
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		if state.StepStatus(name) != domain.StepStatusPending {
			t.Errorf("step %s should be PENDING", name)
		}
	}
	if state.IsComplete() {
		t.Error("new state should not be complete")
	}

	rr := state.RemoteRun()
	if rr.Workflow != "chain" || rr.ID != state.Run.ShortID() {
		t.Errorf("unexpected remote run %+v", rr)
	}
}

func TestRunState_GetReadySteps(t *testing.T) {
	state := chain(t)

	if got := fmt.Sprint(readyNames(state)); got != "[A D]" {
		t.Fatalf("expected [A D], got %s", got)
	}

	state.MarkStepRunning("A")
	state.MarkStepRunning("D")
	if len(state.GetReadySteps()) != 0 {
		t.Error("running steps should not be ready")
	}

	state.MarkStepCompleted("A")
	if got := fmt.Sprint(readyNames(state)); got != "[B]" {
		t.Errorf("expected [B], got %s", got)
	}
}

func TestRunState_MarkStepFailed(t *testing.T) {
	state := chain(t)
	state.MarkStepRunning("A")

	err := domain.NewInstanceError("A", &domain.ExecutionError{Step: "A", Instance: "A", ExitCode: 1})
	skipped := state.MarkStepFailed("A", err)

	if fmt.Sprint(skipped) != "[B C]" {
		t.Errorf("expected [B C] skipped, got %v", skipped)
	}
	if state.StepStatus("A") != domain.StepStatusFailed {
		t.Errorf("expected FAILED, got %s", state.StepStatus("A"))
	}
	if state.StepStatus("D") != domain.StepStatusPending {
		t.Error("independent step must stay PENDING")
	}
	if !state.HasFailed() {
		t.Error("HasFailed should be true")
	}
	if !errors.Is(state.steps["B"].err, domain.ErrExecutionFailed) {
		t.Errorf("skipped step should carry upstream error, got %v", state.steps["B"].err)
	}
	if got := fmt.Sprint(readyNames(state)); got != "[D]" {
		t.Errorf("expected [D], got %s", got)
	}
}

func TestRunState_MarkStepCancelled(t *testing.T) {
	state := chain(t)
	state.MarkStepRunning("A")

	skipped := state.MarkStepFailed("A", domain.NewInstanceError("A", domain.ErrCancelled))

	if skipped != nil {
		t.Errorf("cancelled step should not skip dependents, got %v", skipped)
	}
	if state.StepStatus("A") != domain.StepStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", state.StepStatus("A"))
	}
	if state.StepStatus("B") != domain.StepStatusPending {
		t.Errorf("dependent should stay PENDING, got %s", state.StepStatus("B"))
	}
	if state.HasFailed() {
		t.Error("cancellation is not a failure")
	}
}

func TestRunState_Instances(t *testing.T) {
	state := chain(t)

	i0 := domain.NewInstance("A", "A-0", 0, "0", nil)
	i1 := domain.NewInstance("A", "A-1", 1, "1", nil)
	state.AddInstance(i0)
	state.AddInstance(i1)

	if state.Inflight() != 2 {
		t.Fatalf("expected 2 inflight, got %d", state.Inflight())
	}
	if state.FinishInstance(i1) {
		t.Error("step should not be done after first instance")
	}
	if !state.FinishInstance(i0) {
		t.Error("step should be done after last instance")
	}
	if state.Inflight() != 0 {
		t.Errorf("expected 0 inflight, got %d", state.Inflight())
	}
}

func TestRunState_Stats(t *testing.T) {
	state := chain(t)

	state.MarkStepRunning("D")
	state.MarkStepRunning("A")
	state.MarkStepCompleted("A")
	state.MarkStepRunning("B")
	state.MarkStepFailed("B", domain.ErrStaging)

	stats := state.Stats()

	if stats.TotalSteps != 4 {
		t.Errorf("expected 4 total, got %d", stats.TotalSteps)
	}
	if stats.CompletedSteps != 1 || stats.RunningSteps != 1 || stats.FailedSteps != 1 || stats.SkippedSteps != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.PendingSteps != 0 {
		t.Errorf("expected 0 pending, got %d", stats.PendingSteps)
	}
}

func TestFirstFailure(t *testing.T) {
	ok := &domain.Instance{Key: "B-0", Status: domain.InstanceStatusSucceeded}
	cancelled := &domain.Instance{Key: "B-1", Status: domain.InstanceStatusCancelled}
	failed := &domain.Instance{Key: "B-2", Status: domain.InstanceStatusFailed}

	if firstFailure([]*domain.Instance{ok}) != nil {
		t.Error("no failure expected")
	}
	if got := firstFailure([]*domain.Instance{ok, cancelled, failed}); got != failed {
		t.Errorf("FAILED should win over CANCELLED, got %v", got.Key)
	}
	if got := firstFailure([]*domain.Instance{ok, cancelled}); got != cancelled {
		t.Errorf("expected cancelled instance, got %v", got)
	}
}
