package domain

import (
	"fmt"
	"path/filepath"
)

// Artifact — ссылка на набор файлов/директорий, передаваемых между шагами.
//
// Артефакт идентифицируется указателем: выход одного шага и вход другого
// ссылаются на один и тот же *Artifact, по этому совпадению строится DAG.
//
// Артефакт-коллекция содержит несколько путей; для шагов со слайсами
// экземпляр i получает элемент i (см. Item).
//
// Содержимое артефакта заполняет только шаг-владелец (producer).
// Остальные шаги читают его после того, как владелец стал SUCCEEDED.
type Artifact struct {
	// Name — логическое имя артефакта (обычно имя слота в сигнатуре).
	Name string `json:"name"`

	// Paths — локальные пути (до staging — исходные, после fetch — скачанные).
	Paths []string `json:"paths,omitempty"`

	// RemoteDir — удалённая директория, в которую артефакт был загружен.
	RemoteDir string `json:"remote_dir,omitempty"`

	// RemotePaths — удалённые пути после staging (или выходы операции до fetch).
	RemotePaths []string `json:"remote_paths,omitempty"`

	// State — готовность артефакта.
	State ArtifactState `json:"state"`

	// Dir — true, если единственный путь артефакта является директорией.
	Dir bool `json:"dir,omitempty"`

	// producer — имя шага, который производит артефакт ("" для upload).
	producer string
}

// Upload создаёт артефакт из локальных путей (аналог upload_artifact).
func Upload(paths ...string) *Artifact {
	return &Artifact{
		Name:  "upload",
		Paths: append([]string(nil), paths...),
		State: ArtifactUnstaged,
	}
}

// NewOutput создаёт пустой выходной артефакт, принадлежащий шагу.
// Пути заполняются после того, как шаг завершится и выходы будут скачаны.
func NewOutput(producer, name string) *Artifact {
	return &Artifact{
		Name:     name,
		State:    ArtifactUnstaged,
		producer: producer,
	}
}

// Producer возвращает имя шага-владельца ("" для загруженных артефактов).
func (a *Artifact) Producer() string {
	return a.producer
}

// Len возвращает количество элементов коллекции.
func (a *Artifact) Len() int {
	return len(a.Paths)
}

// Item возвращает элемент i коллекции как отдельный артефакт.
func (a *Artifact) Item(i int) (*Artifact, error) {
	if i < 0 || i >= len(a.Paths) {
		return nil, fmt.Errorf("%w: artifact %q has %d items, index %d", ErrSliceMismatch, a.Name, len(a.Paths), i)
	}
	return &Artifact{
		Name:  fmt.Sprintf("%s[%d]", a.Name, i),
		Paths: []string{a.Paths[i]},
		State: a.State,
	}, nil
}

// Clone возвращает копию артефакта для экземпляра.
// Экземпляр меняет только свою копию и никогда — артефакт другого шага.
func (a *Artifact) Clone() *Artifact {
	c := *a
	c.Paths = append([]string(nil), a.Paths...)
	c.RemotePaths = append([]string(nil), a.RemotePaths...)
	return &c
}

// WorkDir возвращает удалённую директорию, в которой удобно запускать программу
// над этим артефактом: сам путь, если артефакт — одна директория, иначе RemoteDir.
func (a *Artifact) WorkDir() string {
	if a.Dir && len(a.RemotePaths) == 1 {
		return a.RemotePaths[0]
	}
	return a.RemoteDir
}

// Join возвращает удалённый путь относительно WorkDir.
func (a *Artifact) Join(rel string) string {
	return filepath.ToSlash(filepath.Join(a.WorkDir(), rel))
}

// MarkStaged фиксирует результат загрузки на удалённый хост.
func (a *Artifact) MarkStaged(remoteDir string, remotePaths []string) {
	a.RemoteDir = remoteDir
	a.RemotePaths = remotePaths
	a.State = ArtifactStaged
}

// MarkFetched фиксирует результат скачивания.
func (a *Artifact) MarkFetched(localPaths []string) {
	a.Paths = localPaths
	a.State = ArtifactFetched
}

// Publish копирует содержимое готового артефакта в артефакт-владельца.
// Вызывается оркестратором, когда шаг стал SUCCEEDED.
func (a *Artifact) Publish(paths []string) {
	a.Paths = append([]string(nil), paths...)
	a.State = ArtifactFetched
}
