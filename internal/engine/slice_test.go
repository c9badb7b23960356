package engine

import (
	"errors"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/shaiso/batchflow/internal/domain"
)

func TestExpand_NoSlices(t *testing.T) {
	in := domain.Upload("a.txt", "b.txt")

	exps, err := Expand("Opt", nil, map[string]*domain.Artifact{"input": in})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(exps) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(exps))
	}
	if exps[0].Key != "Opt" {
		t.Errorf("Key = %q, want Opt", exps[0].Key)
	}
	// Общий вход передаётся целиком, но копией
	if exps[0].Inputs["input"] == in {
		t.Error("instance must get its own copy of the artifact")
	}
	if exps[0].Inputs["input"].Len() != 2 {
		t.Errorf("shared input should keep all items, got %d", exps[0].Inputs["input"].Len())
	}
}

func TestExpand_PartitionedAndShared(t *testing.T) {
	elements := domain.Upload("cp2k_elf", "cp2k_density")
	shared := domain.Upload("basis")

	spec := &SliceSpec{Params: []string{"0", "1"}, Inputs: []string{"Single_input"}}
	exps, err := Expand("B", spec, map[string]*domain.Artifact{
		"Single_input": elements,
		"X":            shared,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(exps) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(exps))
	}
	for i, exp := range exps {
		if exp.Key != fmt.Sprintf("B-%d", i) {
			t.Errorf("instance %d key = %q", i, exp.Key)
		}
		if exp.Index != i {
			t.Errorf("instance %d index = %d", i, exp.Index)
		}

		part := exp.Inputs["Single_input"]
		if part.Len() != 1 || part.Paths[0] != elements.Paths[i] {
			t.Errorf("instance %d got %v, want [%s]", i, part.Paths, elements.Paths[i])
		}
		if part.Name != "Single_input" {
			t.Errorf("partitioned item keeps slot name, got %q", part.Name)
		}

		if exp.Inputs["X"].Paths[0] != "basis" {
			t.Errorf("instance %d shared input = %v", i, exp.Inputs["X"].Paths)
		}
	}
}

func TestExpand_CustomKey(t *testing.T) {
	spec := &SliceSpec{Params: []string{"a", "b"}, Key: "CP2KSingle-{{ .item }}"}

	exps, err := Expand("CP2K-Electronic", spec, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exps[0].Key != "CP2KSingle-a" || exps[1].Key != "CP2KSingle-b" {
		t.Errorf("keys = %s, %s", exps[0].Key, exps[1].Key)
	}
	if exps[1].Item != "b" {
		t.Errorf("Item = %q, want b", exps[1].Item)
	}
}

func TestExpand_DuplicateKey(t *testing.T) {
	spec := &SliceSpec{Params: []string{"a", "b"}, Key: "same"}

	_, err := Expand("S", spec, nil)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestExpand_SliceMismatch(t *testing.T) {
	spec := &SliceSpec{Params: []string{"0", "1", "2"}, Inputs: []string{"in"}}

	_, err := Expand("S", spec, map[string]*domain.Artifact{"in": domain.Upload("only", "two")})
	if !errors.Is(err, domain.ErrSliceMismatch) {
		t.Errorf("expected ErrSliceMismatch, got %v", err)
	}
}

func TestExpand_UnboundPartitionedInput(t *testing.T) {
	spec := &SliceSpec{Params: []string{"0"}, Inputs: []string{"missing"}}

	_, err := Expand("S", spec, nil)
	if !errors.Is(err, ErrInvalidSlice) {
		t.Errorf("expected ErrInvalidSlice, got %v", err)
	}
}

func TestExpand_ZeroCardinality(t *testing.T) {
	zero := 0
	spec := NewSliceSpec(&domain.SliceDef{Range: &zero, InputArtifacts: []string{"in"}})

	exps, err := Expand("S", spec, map[string]*domain.Artifact{"in": domain.Upload()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(exps) != 0 {
		t.Errorf("expected no instances, got %d", len(exps))
	}
}

// Разбиение детерминировано: N экземпляров, экземпляр i получает элемент i и только его.
func TestExpand_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		extra := rapid.IntRange(0, 5).Draw(t, "extra")

		paths := make([]string, n+extra)
		for i := range paths {
			paths[i] = fmt.Sprintf("item-%d", i)
		}
		inputs := map[string]*domain.Artifact{
			"part":   domain.Upload(paths...),
			"shared": domain.Upload("common"),
		}

		spec := &SliceSpec{Params: make([]string, n), Inputs: []string{"part"}}
		for i := range spec.Params {
			spec.Params[i] = fmt.Sprint(i)
		}

		first, err := Expand("S", spec, inputs)
		if err != nil {
			t.Fatalf("Expand: %v", err)
		}
		second, err := Expand("S", spec, inputs)
		if err != nil {
			t.Fatalf("Expand: %v", err)
		}

		if len(first) != n {
			t.Fatalf("expected %d instances, got %d", n, len(first))
		}

		keys := make(map[string]bool, n)
		for i := range first {
			if first[i].Key != second[i].Key {
				t.Fatalf("key of instance %d is not stable: %s vs %s", i, first[i].Key, second[i].Key)
			}
			if keys[first[i].Key] {
				t.Fatalf("duplicate key %s", first[i].Key)
			}
			keys[first[i].Key] = true

			part := first[i].Inputs["part"]
			if part.Len() != 1 || part.Paths[0] != paths[i] {
				t.Fatalf("instance %d got %v, want %s", i, part.Paths, paths[i])
			}
			if first[i].Inputs["shared"].Paths[0] != "common" {
				t.Fatalf("instance %d lost shared input", i)
			}
		}
	})
}

func TestKeys(t *testing.T) {
	keys, err := Keys("Step", &SliceSpec{Params: []string{"x", "y"}, Key: "{{ step }}_{{ pad 3 .index }}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keys[0] != "Step_000" || keys[1] != "Step_001" {
		t.Errorf("keys = %v", keys)
	}

	keys, err = Keys("Step", nil)
	if err != nil || len(keys) != 1 || keys[0] != "Step" {
		t.Errorf("unsliced keys = %v, err = %v", keys, err)
	}
}
