package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/batchflow/internal/domain"
)

// Допустимые типы исполнителей.
var validExecutorKinds = map[string]bool{
	"slurm": true,
	"local": true,
}

// LoadSpec читает и разбирает файл workflow.
// Относительные пути загрузок разрешаются относительно директории файла.
func LoadSpec(path string) (*domain.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}

	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range spec.Steps {
		for name, binding := range spec.Steps[i].Artifacts {
			for j, p := range binding.Upload {
				if !filepath.IsAbs(p) {
					binding.Upload[j] = filepath.Join(base, p)
				}
			}
			spec.Steps[i].Artifacts[name] = binding
		}
	}

	return spec, nil
}

// ParseSpec разбирает YAML описание workflow.
//
// Поля исполнителей (host, username, password, key_file, known_hosts,
// remote_root) поддерживают ${VAR} подстановку из окружения.
// Команды операций не раскрываются: переменные вроде $SLURM_JOB_ID
// интерпретирует удалённая оболочка.
func ParseSpec(data []byte) (*domain.WorkflowSpec, error) {
	var spec domain.WorkflowSpec

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	for name, ex := range spec.Executors {
		ex.Host = os.ExpandEnv(ex.Host)
		ex.Username = os.ExpandEnv(ex.Username)
		ex.Password = os.ExpandEnv(ex.Password)
		ex.KeyFile = expandHome(os.ExpandEnv(ex.KeyFile))
		ex.KnownHosts = expandHome(os.ExpandEnv(ex.KnownHosts))
		ex.RemoteRoot = os.ExpandEnv(ex.RemoteRoot)
		spec.Executors[name] = ex
	}

	return &spec, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// SplitRef разбирает ссылку "<step>.<output>".
func SplitRef(ref string) (step, output string, ok bool) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

// Validate выполняет полную валидацию WorkflowSpec.
//
// Проверяет:
// - Наличие шагов, уникальность имён
// - Исполнителей и типы операций (hasOperation == nil — без проверки типа)
// - Привязку каждого входа операции к загрузке или выходу другого шага
// - Слайсы: разбиваемые входы/выходы объявлены
// - Ключи экземпляров уникальны в пределах всего workflow
//
// Циклы проверяются при построении DAG.
func Validate(spec *domain.WorkflowSpec, hasOperation func(string) bool) error {
	if spec == nil || len(spec.Steps) == 0 {
		return ErrEmptySteps
	}

	for name, ex := range spec.Executors {
		if !validExecutorKinds[ex.Kind] {
			return NewValidationError("", "executors",
				fmt.Sprintf("executor %s: unknown kind %q", name, ex.Kind), ErrUnknownExecutor)
		}
		if ex.Kind == "slurm" && ex.Host == "" {
			return NewValidationError("", "executors",
				fmt.Sprintf("executor %s: host is required", name), ErrUnknownExecutor)
		}
	}

	// Собираем имена шагов и их выходы
	outputs := make(map[string]map[string]string, len(spec.Steps))
	for i := range spec.Steps {
		step := &spec.Steps[i]

		if step.Name == "" {
			return NewValidationError("", "name", fmt.Sprintf("step %d has empty name", i), ErrEmptyStepName)
		}
		if _, exists := outputs[step.Name]; exists {
			return NewValidationError(step.Name, "name",
				fmt.Sprintf("duplicate step name: %s", step.Name), ErrDuplicateStepName)
		}
		outputs[step.Name] = step.Operation.Outputs
	}

	keys := make(KeyIndex)
	for i := range spec.Steps {
		step := &spec.Steps[i]
		if err := ValidateStep(spec, step, outputs, hasOperation); err != nil {
			return err
		}

		stepKeys, err := Keys(step.Name, NewSliceSpec(step.Slices))
		if err != nil {
			return err
		}
		if err := keys.Add(step.Name, stepKeys); err != nil {
			return err
		}
	}

	return nil
}

// ValidateStep валидирует один шаг.
// outputs — выходы всех шагов workflow (имя шага → выход → путь).
func ValidateStep(spec *domain.WorkflowSpec, step *domain.StepDef, outputs map[string]map[string]string, hasOperation func(string) bool) error {
	if _, ok := spec.Executors[step.Executor]; !ok {
		return NewValidationError(step.Name, "executor",
			fmt.Sprintf("unknown executor: %q", step.Executor), ErrUnknownExecutor)
	}

	opType := step.Operation.Type
	if opType == "" {
		opType = "command"
	}
	if hasOperation != nil && !hasOperation(opType) {
		return NewValidationError(step.Name, "operation.type",
			fmt.Sprintf("unknown operation type: %s", opType), ErrUnknownOperation)
	}

	if err := validateBindings(step, outputs); err != nil {
		return err
	}

	if step.Slices != nil {
		if err := validateSlices(step); err != nil {
			return err
		}
	}

	return nil
}

// validateBindings проверяет, что входы операции и привязки артефактов совпадают.
func validateBindings(step *domain.StepDef, outputs map[string]map[string]string) error {
	declared := make(map[string]bool, len(step.Operation.Inputs))
	for _, in := range step.Operation.Inputs {
		declared[in] = true
		if _, ok := step.Artifacts[in]; !ok {
			return NewValidationError(step.Name, "artifacts",
				fmt.Sprintf("input %q is not bound", in), ErrInvalidBinding)
		}
	}

	for name, binding := range step.Artifacts {
		if !declared[name] {
			return NewValidationError(step.Name, "artifacts",
				fmt.Sprintf("artifact %q is not an operation input", name), ErrInvalidBinding)
		}

		hasUpload := len(binding.Upload) > 0
		hasFrom := binding.From != ""
		if hasUpload == hasFrom {
			return NewValidationError(step.Name, "artifacts."+name,
				"exactly one of upload or from is required", ErrInvalidBinding)
		}
		if !hasFrom {
			continue
		}

		producer, output, ok := SplitRef(binding.From)
		if !ok {
			return NewValidationError(step.Name, "artifacts."+name,
				fmt.Sprintf("invalid reference %q, want <step>.<output>", binding.From), ErrInvalidBinding)
		}
		if producer == step.Name {
			return NewValidationError(step.Name, "artifacts."+name,
				"input references the step's own output", ErrSelfDependency)
		}
		outs, ok := outputs[producer]
		if !ok {
			return NewValidationError(step.Name, "artifacts."+name,
				fmt.Sprintf("unknown step: %s", producer), ErrMissingDependency)
		}
		if _, ok := outs[output]; !ok {
			return NewValidationError(step.Name, "artifacts."+name,
				fmt.Sprintf("step %s has no output %q", producer, output), ErrMissingDependency)
		}
	}

	return nil
}

// validateSlices проверяет спецификацию слайсов шага.
func validateSlices(step *domain.StepDef) error {
	s := step.Slices

	if s.Range != nil && len(s.Items) > 0 {
		return NewValidationError(step.Name, "slices",
			"range and items are mutually exclusive", ErrInvalidSlice)
	}
	if s.Range != nil && *s.Range < 0 {
		return NewValidationError(step.Name, "slices.range",
			fmt.Sprintf("negative range: %d", *s.Range), ErrInvalidSlice)
	}

	for _, name := range s.InputArtifacts {
		if _, ok := step.Artifacts[name]; !ok {
			return NewValidationError(step.Name, "slices.input_artifacts",
				fmt.Sprintf("partitioned input %q is not bound", name), ErrInvalidSlice)
		}
	}
	for _, name := range s.OutputArtifacts {
		if _, ok := step.Operation.Outputs[name]; !ok {
			return NewValidationError(step.Name, "slices.output_artifacts",
				fmt.Sprintf("partitioned output %q is not declared", name), ErrInvalidSlice)
		}
	}

	// Проверяем, что ключи рендерятся и уникальны
	if _, err := Keys(step.Name, NewSliceSpec(s)); err != nil {
		return err
	}

	return nil
}
