package domain

import "time"

// MemoEntry — запись об успешно завершённом экземпляре.
//
// Ключ записи — пара (Workflow, Key): ключ экземпляра детерминирован,
// поэтому повторный Submit того же workflow находит готовые экземпляры
// и не загружает и не отправляет их заново.
type MemoEntry struct {
	Workflow string `json:"workflow"`
	Key      string `json:"key"`
	Step     string `json:"step"`

	// JobID — job, который произвёл выходы.
	JobID string `json:"job_id,omitempty"`

	// Outputs — локальные пути скачанных выходов по имени слота.
	Outputs map[string][]string `json:"outputs"`

	FinishedAt time.Time `json:"finished_at"`
}

// NewMemoEntry строит запись из экземпляра в статусе SUCCEEDED.
func NewMemoEntry(workflow string, inst *Instance) *MemoEntry {
	outputs := make(map[string][]string, len(inst.Outputs))
	for name, a := range inst.Outputs {
		outputs[name] = append([]string(nil), a.Paths...)
	}

	finished := time.Now()
	if inst.FinishedAt != nil {
		finished = *inst.FinishedAt
	}

	return &MemoEntry{
		Workflow:   workflow,
		Key:        inst.Key,
		Step:       inst.Step,
		JobID:      inst.JobID,
		Outputs:    outputs,
		FinishedAt: finished,
	}
}

// Artifacts восстанавливает выходные артефакты экземпляра из записи.
func (m *MemoEntry) Artifacts() map[string]*Artifact {
	out := make(map[string]*Artifact, len(m.Outputs))
	for name, paths := range m.Outputs {
		a := NewOutput(m.Step, name)
		a.MarkFetched(append([]string(nil), paths...))
		out[name] = a
	}
	return out
}
