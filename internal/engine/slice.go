package engine

import (
	"fmt"

	"github.com/shaiso/batchflow/internal/domain"
)

// SliceSpec — разбиение шага на параллельные экземпляры.
type SliceSpec struct {
	// Params — значения параметра итерации; кардинальность = len(Params).
	Params []string

	// Inputs — входы, разбиваемые по экземплярам (экземпляр i получает элемент i).
	Inputs []string

	// Outputs — выходы, собираемые по экземплярам в порядке индексов.
	// Остальные выходы общие: шаг публикует выход экземпляра 0.
	Outputs []string

	// Key — шаблон ключа экземпляра; пустой — "<step>-<index>".
	Key string
}

// NewSliceSpec создаёт SliceSpec из декларации.
func NewSliceSpec(def *domain.SliceDef) *SliceSpec {
	if def == nil {
		return nil
	}
	return &SliceSpec{
		Params:  def.Params(),
		Inputs:  def.InputArtifacts,
		Outputs: def.OutputArtifacts,
		Key:     def.Key,
	}
}

// Cardinality возвращает количество экземпляров.
func (s *SliceSpec) Cardinality() int {
	if s == nil {
		return 1
	}
	return len(s.Params)
}

// IsPartitioned проверяет, разбивается ли вход по экземплярам.
func (s *SliceSpec) IsPartitioned(input string) bool {
	if s == nil {
		return false
	}
	for _, name := range s.Inputs {
		if name == input {
			return true
		}
	}
	return false
}

// IsPartitionedOutput проверяет, собирается ли выход по экземплярам.
// Для шага без слайсов любой выход считается собираемым (один экземпляр).
func (s *SliceSpec) IsPartitionedOutput(output string) bool {
	if s == nil {
		return true
	}
	for _, name := range s.Outputs {
		if name == output {
			return true
		}
	}
	return false
}

// Expansion — один экземпляр шага после разбиения.
type Expansion struct {
	Key    string
	Index  int
	Item   string
	Inputs map[string]*domain.Artifact
}

// Keys возвращает ключи экземпляров шага без привязки к артефактам.
// Ключи уникальны; повторяющийся ключ — ErrDuplicateKey.
func Keys(step string, spec *SliceSpec) ([]string, error) {
	if spec == nil {
		return []string{DefaultKey(step, 0, false)}, nil
	}

	keys := make([]string, 0, len(spec.Params))
	seen := make(map[string]int, len(spec.Params))

	for i, item := range spec.Params {
		key, err := RenderKey(spec.Key, KeyContext{Step: step, Index: i, Item: item})
		if err != nil {
			return nil, NewValidationError(step, "slices.key", err.Error(), err)
		}
		if prev, ok := seen[key]; ok {
			return nil, NewValidationError(step, "slices.key",
				fmt.Sprintf("instances %d and %d share key %q", prev, i, key), ErrDuplicateKey)
		}
		seen[key] = i
		keys = append(keys, key)
	}

	return keys, nil
}

// KeyIndex — ключи экземпляров всего workflow (ключ → шаг).
//
// Memo store и рабочие директории адресуются ключом без имени шага,
// поэтому ключ принадлежит ровно одному шагу.
type KeyIndex map[string]string

// Add регистрирует ключи шага. Ключ, уже занятый другим шагом, — ErrDuplicateKey.
func (idx KeyIndex) Add(step string, keys []string) error {
	for _, key := range keys {
		if owner, ok := idx[key]; ok && owner != step {
			return NewValidationError(step, "slices.key",
				fmt.Sprintf("instance key %q is already used by step %s", key, owner), ErrDuplicateKey)
		}
	}
	for _, key := range keys {
		idx[key] = step
	}
	return nil
}

// Expand разбивает шаг на экземпляры.
//
// Разбиваемые входы должны содержать не меньше элементов, чем кардинальность
// (иначе domain.ErrSliceMismatch); экземпляр i получает элемент i.
// Общие входы передаются каждому экземпляру целиком (копией).
// Кардинальность 0 даёт пустой список без ошибки.
func Expand(step string, spec *SliceSpec, inputs map[string]*domain.Artifact) ([]Expansion, error) {
	keys, err := Keys(step, spec)
	if err != nil {
		return nil, err
	}

	// Проверяем длину разбиваемых коллекций до создания экземпляров
	n := len(keys)
	if spec != nil {
		for _, name := range spec.Inputs {
			a, ok := inputs[name]
			if !ok || a == nil {
				return nil, NewValidationError(step, "slices.input_artifacts",
					fmt.Sprintf("partitioned input %q is not bound", name), ErrInvalidSlice)
			}
			if a.Len() < n {
				return nil, fmt.Errorf("step %s: %w: input %q has %d items, cardinality %d",
					step, domain.ErrSliceMismatch, name, a.Len(), n)
			}
		}
	}

	expansions := make([]Expansion, 0, n)
	for i, key := range keys {
		exp := Expansion{
			Key:    key,
			Index:  i,
			Inputs: make(map[string]*domain.Artifact, len(inputs)),
		}
		if spec != nil {
			exp.Item = spec.Params[i]
		}

		for name, a := range inputs {
			if spec.IsPartitioned(name) {
				item, err := a.Item(i)
				if err != nil {
					return nil, fmt.Errorf("step %s: %w", step, err)
				}
				item.Name = name
				exp.Inputs[name] = item
				continue
			}
			shared := a.Clone()
			shared.Name = name
			exp.Inputs[name] = shared
		}

		expansions = append(expansions, exp)
	}

	return expansions, nil
}
