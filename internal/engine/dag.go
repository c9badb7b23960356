package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shaiso/batchflow/internal/domain"
)

// StepRef — то, что DAG знает о шаге: имя и артефакты.
type StepRef interface {
	StepName() string
	InputArtifacts() []*domain.Artifact
	OutputArtifacts() []*domain.Artifact
}

// Node — узел в DAG.
type Node struct {
	// Step — шаг.
	Step StepRef

	// Name — имя шага.
	Name string

	// Index — порядок объявления шага в workflow.
	Index int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — направленный ациклический граф шагов workflow.
type DAG struct {
	// Nodes — все узлы графа (имя шага → Node).
	Nodes map[string]*Node

	// RootNodes — узлы без зависимостей (точки входа).
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// BuildDAG строит DAG из шагов.
//
// Рёбра определяются идентичностью артефактов: шаг B зависит от шага A,
// если один из входов B — тот же *Artifact, что и один из выходов A.
// Артефакты, у которых нет производителя в workflow, считаются загрузками.
func BuildDAG(steps []StepRef) (*DAG, error) {
	dag := &DAG{
		Nodes:     make(map[string]*Node, len(steps)),
		RootNodes: make([]*Node, 0),
	}

	// Первый проход: создаём узлы и запоминаем производителей артефактов
	producers := make(map[*domain.Artifact]*Node)
	nodes := make([]*Node, 0, len(steps))

	for i, step := range steps {
		name := step.StepName()
		if name == "" {
			return nil, NewValidationError("", "name", "step has empty name", ErrEmptyStepName)
		}
		if _, exists := dag.Nodes[name]; exists {
			return nil, NewValidationError(name, "name",
				fmt.Sprintf("duplicate step name: %s", name), ErrDuplicateStepName)
		}

		node := &Node{
			Step:       step,
			Name:       name,
			Index:      i,
			DependsOn:  make([]*Node, 0),
			Dependents: make([]*Node, 0),
		}
		dag.Nodes[name] = node
		nodes = append(nodes, node)

		for _, out := range step.OutputArtifacts() {
			if prev, ok := producers[out]; ok {
				return nil, NewValidationError(name, "outputs",
					fmt.Sprintf("artifact %q is already produced by %s", out.Name, prev.Name), ErrDuplicateProducer)
			}
			producers[out] = node
		}
	}

	// Второй проход: связываем потребителей с производителями
	for _, node := range nodes {
		for _, in := range node.Step.InputArtifacts() {
			if producer, ok := producers[in]; ok {
				dag.addEdge(producer, node)
			}
		}
	}

	dag.findRootNodes(nodes)

	// Проверяем на циклы и строим топологический порядок
	order, err := dag.topologicalSort()
	if err != nil {
		return nil, err
	}
	dag.Order = order

	return dag, nil
}

// addEdge добавляет ребро между узлами.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep.Name == from.Name {
			return // уже связаны
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер в порядке объявления.
func (d *DAG) findRootNodes(nodes []*Node) {
	d.RootNodes = make([]*Node, 0)
	for _, node := range nodes {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	// Копируем inDegree, чтобы не модифицировать оригинал
	inDegree := make(map[string]int, len(d.Nodes))
	for name, node := range d.Nodes {
		inDegree[name] = node.InDegree
	}

	// Очередь узлов с inDegree = 0
	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		// Уменьшаем inDegree у зависимых узлов
		for _, dependent := range node.Dependents {
			inDegree[dependent.Name]--
			if inDegree[dependent.Name] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	// Если не все узлы обработаны — есть цикл
	if len(order) != len(d.Nodes) {
		var cyclic []string
		for name, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cyclic, ", "))
	}

	return order, nil
}

// GetReadyNodes возвращает узлы, готовые к выполнению, в топологическом порядке.
//
// Узел готов, если:
// - Все его зависимости завершены успешно (в completed)
// - Сам узел ещё не завершён и не в процессе (не в completed и не в running)
//
// completed — map имя шага → true для успешно завершённых шагов.
// running — map имя шага → true для шагов в процессе выполнения
// (или уже завершённых неуспешно).
func (d *DAG) GetReadyNodes(completed, running map[string]bool) []*Node {
	ready := make([]*Node, 0)

	for _, node := range d.Order {
		if completed[node.Name] || running[node.Name] {
			continue
		}

		allDepsCompleted := true
		for _, dep := range node.DependsOn {
			if !completed[dep.Name] {
				allDepsCompleted = false
				break
			}
		}

		if allDepsCompleted {
			ready = append(ready, node)
		}
	}

	return ready
}

// Descendants возвращает все узлы, транзитивно зависящие от name,
// в топологическом порядке.
func (d *DAG) Descendants(name string) []*Node {
	start, ok := d.Nodes[name]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	stack := append([]*Node(nil), start.Dependents...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[node.Name] {
			continue
		}
		seen[node.Name] = true
		stack = append(stack, node.Dependents...)
	}

	result := make([]*Node, 0, len(seen))
	for _, node := range d.Order {
		if seen[node.Name] {
			result = append(result, node)
		}
	}
	return result
}

// Levels группирует узлы по волнам: в волне k — узлы, все зависимости
// которых лежат в волнах < k. Используется командой plan.
func (d *DAG) Levels() [][]*Node {
	level := make(map[string]int, len(d.Nodes))
	var levels [][]*Node

	for _, node := range d.Order {
		l := 0
		for _, dep := range node.DependsOn {
			if level[dep.Name]+1 > l {
				l = level[dep.Name] + 1
			}
		}
		level[node.Name] = l
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], node)
	}

	return levels
}

// GetNode возвращает узел по имени.
func (d *DAG) GetNode(name string) *Node {
	return d.Nodes[name]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// IsComplete проверяет, все ли узлы завершены.
func (d *DAG) IsComplete(completed map[string]bool) bool {
	for _, node := range d.Nodes {
		if !completed[node.Name] {
			return false
		}
	}
	return true
}
