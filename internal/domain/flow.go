package domain

import "strconv"

// WorkflowSpec — декларативное описание workflow (содержимое YAML файла).
//
// Это "программа" для batchflow: исполнители, шаги, их артефакты и слайсы.
type WorkflowSpec struct {
	// Name — имя workflow (используется в путях и ключах memo store).
	Name string `yaml:"name" json:"name"`

	// Description — описание назначения workflow.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Executors — удалённые исполнители по имени.
	Executors map[string]ExecutorDef `yaml:"executors" json:"executors"`

	// Defaults — настройки по умолчанию для всех шагов.
	Defaults *StepDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Steps — список шагов.
	Steps []StepDef `yaml:"steps" json:"steps"`
}

// ExecutorDef — параметры подключения и шаблон заголовка batch job.
type ExecutorDef struct {
	// Kind — тип исполнителя: "slurm", "local".
	Kind string `yaml:"kind" json:"kind"`

	// Host, Port — адрес login-узла кластера.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Username, Password, KeyFile — учётные данные SSH.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"-"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`

	// KnownHosts — файл known_hosts; пустой — ~/.ssh/known_hosts, если он есть.
	KnownHosts string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`

	// RemoteRoot — корень рабочих директорий на удалённом хосте.
	RemoteRoot string `yaml:"remote_root,omitempty" json:"remote_root,omitempty"`

	// MaxSessions — максимум одновременных SSH сессий к login-узлу.
	MaxSessions int `yaml:"max_sessions,omitempty" json:"max_sessions,omitempty"`

	// Header — заголовок job script (ресурсный запрос), Go template.
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
}

// StepDefaults — настройки по умолчанию для шагов.
type StepDefaults struct {
	// Retry — политика повторных попыток.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutSec — предельное время ожидания job в секундах.
	TimeoutSec int `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// StepDef — определение шага.
type StepDef struct {
	// Name — уникальное имя шага в рамках workflow.
	Name string `yaml:"name" json:"name"`

	// Executor — имя исполнителя из WorkflowSpec.Executors.
	Executor string `yaml:"executor" json:"executor"`

	// Operation — шаблон операции.
	Operation OperationDef `yaml:"operation" json:"operation"`

	// Artifacts — привязка входов операции к артефактам.
	Artifacts map[string]ArtifactDef `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`

	// Slices — разбиение шага на N параллельных экземпляров.
	Slices *SliceDef `yaml:"slices,omitempty" json:"slices,omitempty"`

	// Retry — политика повторных попыток, переопределяет defaults.retry.
	Retry *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// TimeoutSec — предельное время ожидания job, переопределяет defaults.timeout_sec.
	TimeoutSec int `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// OperationDef — декларация операции.
type OperationDef struct {
	// Type — тип операции в реестре ("command").
	Type string `yaml:"type" json:"type"`

	// Command — командная строка внешней программы.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// WorkDir — имя входа, в директории которого запускается программа.
	WorkDir string `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// Inputs — входная сигнатура (имена слотов).
	Inputs []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// Outputs — выходная сигнатура: имя слота → путь относительно рабочей директории.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ArtifactDef — источник входного артефакта: загрузка или выход другого шага.
type ArtifactDef struct {
	// Upload — локальные пути для загрузки.
	Upload []string `yaml:"upload,omitempty" json:"upload,omitempty"`

	// From — ссылка на выход другого шага: "<step>.<output>".
	From string `yaml:"from,omitempty" json:"from,omitempty"`
}

// SliceDef — спецификация слайсов.
type SliceDef struct {
	// Range — кардинальность как range(N).
	Range *int `yaml:"range,omitempty" json:"range,omitempty"`

	// Items — явный список значений параметра итерации.
	Items []string `yaml:"items,omitempty" json:"items,omitempty"`

	// InputArtifacts — входы, разбиваемые по экземплярам.
	InputArtifacts []string `yaml:"input_artifacts,omitempty" json:"input_artifacts,omitempty"`

	// OutputArtifacts — выходы, собираемые по экземплярам.
	OutputArtifacts []string `yaml:"output_artifacts,omitempty" json:"output_artifacts,omitempty"`

	// Key — шаблон ключа экземпляра, например "CP2KSingle-{{ .item }}".
	Key string `yaml:"key,omitempty" json:"key,omitempty"`
}

// Params возвращает значения параметра итерации по порядку.
func (s *SliceDef) Params() []string {
	if s == nil {
		return nil
	}
	if len(s.Items) > 0 {
		return append([]string(nil), s.Items...)
	}
	if s.Range == nil {
		return []string{}
	}
	params := make([]string, 0, *s.Range)
	for i := 0; i < *s.Range; i++ {
		params = append(params, strconv.Itoa(i))
	}
	return params
}

// RetryPolicy — политика повторных попыток при ExecutionFailed.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
}
