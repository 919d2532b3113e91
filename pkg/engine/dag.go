package engine

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

// ExecutionGraph is the requisite graph of a state file.
type ExecutionGraph struct {
	// Nodes maps state IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges point from a requisite to the state requiring it.
	Edges []GraphEdge `json:"edges"`

	// Roots are states without requisites.
	Roots []string `json:"roots"`

	// Depth is the number of levels.
	Depth int `json:"depth"`

	// Sequence is the execution order: requisites first, ties broken by
	// position in the file.
	Sequence []string `json:"sequence"`
}

// GraphNode is one state in the graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Function     string   `json:"function"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge is a requisite edge.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DAGBuilder builds a directed acyclic graph from state declarations.
type DAGBuilder struct {
	// decls maps state IDs to their declarations
	decls map[string]*StateDecl

	// adjacencyList maps state IDs to the states requiring them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps state IDs to their requisites
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of requisites of each state
	inDegree map[string]int

	// levels maps level to state IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		decls:                make(map[string]*StateDecl),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph validates requisites, detects cycles, and computes levels and
// the execution sequence.
func (b *DAGBuilder) BuildGraph(decls []StateDecl) (*ExecutionGraph, error) {
	if len(decls) == 0 {
		return &ExecutionGraph{
			Nodes:    make(map[string]*GraphNode),
			Edges:    make([]GraphEdge, 0),
			Roots:    make([]string, 0),
			Sequence: make([]string, 0),
		}, nil
	}

	if err := b.initialize(decls); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	graph := b.buildExecutionGraph()
	graph.Sequence = b.sequence()
	return graph, nil
}

func (b *DAGBuilder) initialize(decls []StateDecl) error {
	for i := range decls {
		decl := &decls[i]
		if decl.ID == "" {
			return NewPermanentError("state has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.decls[decl.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate state ID: %s", decl.ID), nil).
				WithCode(ErrCodeValidation)
		}

		b.decls[decl.ID] = decl
		b.adjacencyList[decl.ID] = make([]string, 0)
		b.reverseAdjacencyList[decl.ID] = make([]string, 0)
		b.inDegree[decl.ID] = 0
	}

	// Iterate in file order so adjacency lists are deterministic.
	for i := range decls {
		decl := &decls[i]
		seen := make(map[string]bool)
		for _, req := range decl.Require {
			if seen[req] {
				continue
			}
			seen[req] = true

			if _, exists := b.decls[req]; !exists {
				return NewPermanentError(
					fmt.Sprintf("state %s requires non-existent state %s", decl.ID, req),
					nil,
				).WithCode(ErrCodeValidation).WithResource(decl.ID)
			}

			b.adjacencyList[req] = append(b.adjacencyList[req], decl.ID)
			b.reverseAdjacencyList[decl.ID] = append(b.reverseAdjacencyList[decl.ID], req)
			b.inDegree[decl.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to find circular requisites.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.sortedIDs() {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular requisite detected: %s", formatCycle(cycle)),
				nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns levels with Kahn's algorithm. States on the same
// level have no requisites on each other.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegreeCopy[id] == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root states found - every state has requisites", nil).
			WithCode(ErrCodeValidation)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		b.sortByOrder(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.decls) {
		return NewPermanentError("failed to order all states - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// sequence is a topological order that always picks the ready state that
// appears earliest in the file.
func (b *DAGBuilder) sequence() []string {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	ready := &orderQueue{decls: b.decls}
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
		if degree == 0 {
			ready.ids = append(ready.ids, id)
		}
	}
	heap.Init(ready)

	seq := make([]string, 0, len(b.decls))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		seq = append(seq, id)
		for _, dependent := range b.adjacencyList[id] {
			inDegreeCopy[dependent]--
			if inDegreeCopy[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}
	return seq
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Function:     b.decls[id].Function,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, id := range b.sortedIDs() {
		for _, req := range b.reverseAdjacencyList[id] {
			graph.Edges = append(graph.Edges, GraphEdge{From: req, To: id})
		}
	}

	return graph
}

// GetLevels returns the computed levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph States {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			decl := b.decls[id]
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, decl.Function, functionColor(decl.Function)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, req := range b.reverseAdjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", req, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// ValidateGraph checks a built graph for internal consistency.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.decls) || len(graph.Sequence) != len(b.decls) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootID := range graph.Roots {
		if len(graph.Nodes[rootID].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", rootID), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.decls))
	for id := range b.decls {
		ids = append(ids, id)
	}
	b.sortByOrder(ids)
	return ids
}

func (b *DAGBuilder) sortByOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return b.less(ids[i], ids[j])
	})
}

func (b *DAGBuilder) less(a, c string) bool {
	oa, oc := b.decls[a].Order, b.decls[c].Order
	if oa != oc {
		return oa < oc
	}
	return a < c
}

func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func functionColor(function string) string {
	module, _, _ := splitFunction(function)
	switch module {
	case "appimage":
		return "lightblue"
	case "aurpkg", "aur":
		return "lightgreen"
	case "makepkg":
		return "khaki"
	default:
		return "white"
	}
}

// orderQueue is a min-heap of state IDs keyed by file position.
type orderQueue struct {
	ids   []string
	decls map[string]*StateDecl
}

func (q *orderQueue) Len() int { return len(q.ids) }

func (q *orderQueue) Less(i, j int) bool {
	a, c := q.decls[q.ids[i]], q.decls[q.ids[j]]
	if a.Order != c.Order {
		return a.Order < c.Order
	}
	return a.ID < c.ID
}

func (q *orderQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *orderQueue) Push(x any) { q.ids = append(q.ids, x.(string)) }

func (q *orderQueue) Pop() any {
	old := q.ids
	n := len(old)
	id := old[n-1]
	q.ids = old[:n-1]
	return id
}
