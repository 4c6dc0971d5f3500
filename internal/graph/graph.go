package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound means the graph document does not exist.
	ErrNotFound = fmt.Errorf("dependency graph not found")
	// ErrInvalid means the document parsed but violates the schema.
	ErrInvalid = fmt.Errorf("invalid dependency graph")
)

// DefaultParallelLimit applies when a batch omits parallel_limit.
const DefaultParallelLimit = 10

// Issue is one schedulable unit of work declared in dependency-graph.yml.
// Batch is derived from batch membership, not declared on the issue.
type Issue struct {
	ID            int      `yaml:"id" json:"id"`
	DependsOn     []int    `yaml:"depends_on" json:"depends_on,omitempty"`
	SoftDependsOn []int    `yaml:"soft_depends_on" json:"soft_depends_on,omitempty"`
	Blocks        []int    `yaml:"blocks" json:"blocks,omitempty"`
	ConflictsWith []int    `yaml:"conflicts_with" json:"conflicts_with,omitempty"`
	Files         []string `yaml:"files" json:"files,omitempty"`
	Batch         string   `yaml:"-" json:"batch,omitempty"`
}

// Batch groups issues under a shared parallelism limit and batch-level
// dependencies.
type Batch struct {
	ID                string            `yaml:"-" json:"id"`
	Name              string            `yaml:"name" json:"name"`
	ParallelLimit     int               `yaml:"parallel_limit" json:"parallel_limit"`
	Issues            []int             `yaml:"issues" json:"issues"`
	Dependencies      BatchDependencies `yaml:"dependencies" json:"dependencies"`
	EstimatedDuration string            `yaml:"estimated_duration" json:"estimated_duration,omitempty"`
}

// UnmarshalYAML defaults parallel_limit only when the field is omitted. An
// explicit 0 is kept: it means nothing in the batch may run.
func (b *Batch) UnmarshalYAML(value *yaml.Node) error {
	type raw struct {
		Name              string            `yaml:"name"`
		ParallelLimit     *int              `yaml:"parallel_limit"`
		Issues            []int             `yaml:"issues"`
		Dependencies      BatchDependencies `yaml:"dependencies"`
		EstimatedDuration string            `yaml:"estimated_duration"`
	}
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	b.Name = r.Name
	b.Issues = r.Issues
	b.Dependencies = r.Dependencies
	b.EstimatedDuration = r.EstimatedDuration
	b.ParallelLimit = DefaultParallelLimit
	if r.ParallelLimit != nil {
		b.ParallelLimit = *r.ParallelLimit
	}
	return nil
}

// DependsOnBatches returns the batches whose issues must all be complete
// before this batch may start.
func (b *Batch) DependsOnBatches() []string {
	return b.Dependencies.AllFromBatch
}

// BatchDependencies models the batch dependencies field, which appears in the
// wild both as a mapping {all_from_batch: [...]} and as a bare list.
type BatchDependencies struct {
	AllFromBatch []string `yaml:"all_from_batch" json:"all_from_batch,omitempty"`
}

func (d *BatchDependencies) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		return value.Decode(&d.AllFromBatch)
	case yaml.MappingNode:
		type plain BatchDependencies
		var p plain
		if err := value.Decode(&p); err != nil {
			return err
		}
		*d = BatchDependencies(p)
		return nil
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			return nil
		}
	}
	return fmt.Errorf("batch dependencies must be a mapping or a list (line %d)", value.Line)
}

// Graph is the fully validated in-memory dependency graph. It is immutable
// reference data: nothing mutates it after Load.
type Graph struct {
	Project  string
	Issues   map[int]*Issue
	Batches  map[string]*Batch
	Order    []int // issue ids in declaration order
	Warnings []string
}

type document struct {
	Project string            `yaml:"project"`
	Batches map[string]*Batch `yaml:"batches"`
	Issues  []*Issue          `yaml:"issues"`
}

// Path returns the graph document path under a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".batchline", "dependency-graph.yml")
}

// Load reads and validates the graph document for a project root.
func Load(root string) (*Graph, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s (run bl init to create one)", ErrNotFound, path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a graph from raw YAML bytes.
func FromYAML(data []byte) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	g := &Graph{
		Project: doc.Project,
		Issues:  map[int]*Issue{},
		Batches: map[string]*Batch{},
	}
	for _, iss := range doc.Issues {
		if iss == nil {
			continue
		}
		if _, dup := g.Issues[iss.ID]; dup {
			return nil, fmt.Errorf("%w: issue %d declared twice", ErrInvalid, iss.ID)
		}
		g.Issues[iss.ID] = iss
		g.Order = append(g.Order, iss.ID)
	}
	for id, b := range doc.Batches {
		if b == nil {
			b = &Batch{ParallelLimit: DefaultParallelLimit}
		}
		b.ID = id
		if b.Name == "" {
			b.Name = id
		}
		g.Batches[id] = b
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	g.symmetrizeConflicts()
	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validate() error {
	for _, b := range g.Batches {
		if b.ParallelLimit < 0 {
			return fmt.Errorf("%w: batch %s has negative parallel_limit", ErrInvalid, b.ID)
		}
		for _, id := range b.Issues {
			iss, ok := g.Issues[id]
			if !ok {
				return fmt.Errorf("%w: batch %s lists unknown issue %d", ErrInvalid, b.ID, id)
			}
			if iss.Batch != "" && iss.Batch != b.ID {
				return fmt.Errorf("%w: issue %d belongs to both batch %s and batch %s", ErrInvalid, id, iss.Batch, b.ID)
			}
			iss.Batch = b.ID
		}
		for _, dep := range b.DependsOnBatches() {
			if _, ok := g.Batches[dep]; !ok {
				return fmt.Errorf("%w: batch %s depends on unknown batch %s", ErrInvalid, b.ID, dep)
			}
		}
	}
	for _, id := range g.Order {
		iss := g.Issues[id]
		if iss.Batch == "" {
			g.warnf("issue %d is not assigned to any batch", id)
		}
		for _, dep := range iss.DependsOn {
			if _, ok := g.Issues[dep]; !ok {
				return fmt.Errorf("%w: issue %d depends on unknown issue %d", ErrInvalid, id, dep)
			}
		}
		for _, dep := range iss.SoftDependsOn {
			if _, ok := g.Issues[dep]; !ok {
				return fmt.Errorf("%w: issue %d soft-depends on unknown issue %d", ErrInvalid, id, dep)
			}
		}
		for _, other := range iss.Blocks {
			if _, ok := g.Issues[other]; !ok {
				return fmt.Errorf("%w: issue %d blocks unknown issue %d", ErrInvalid, id, other)
			}
		}
		for _, other := range iss.ConflictsWith {
			if _, ok := g.Issues[other]; !ok {
				return fmt.Errorf("%w: issue %d conflicts with unknown issue %d", ErrInvalid, id, other)
			}
		}
	}
	return nil
}

// symmetrizeConflicts makes conflicts_with mutual. One-way declarations are
// treated as mutual with a warning rather than guessing intent.
func (g *Graph) symmetrizeConflicts() {
	for _, id := range g.Order {
		iss := g.Issues[id]
		for _, otherID := range iss.ConflictsWith {
			other := g.Issues[otherID]
			if !containsInt(other.ConflictsWith, id) {
				other.ConflictsWith = append(other.ConflictsWith, id)
				g.warnf("issue %d declares a conflict with %d but not vice versa; treating as mutual", id, otherID)
			}
		}
	}
}

// DFS over hard dependencies with three-color marking. A revisit of a node
// still on the stack is a cycle.
func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int]int, len(g.Issues))
	var visit func(id int, trail []int) error
	visit = func(id int, trail []int) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: dependency cycle %s", ErrInvalid, formatCycle(trail, id))
		}
		state[id] = visiting
		trail = append(trail, id)
		for _, dep := range g.Issues[id].DependsOn {
			if err := visit(dep, trail); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, id := range g.Order {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func formatCycle(trail []int, repeat int) string {
	start := 0
	for i, id := range trail {
		if id == repeat {
			start = i
			break
		}
	}
	parts := make([]string, 0, len(trail)-start+1)
	for _, id := range trail[start:] {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	parts = append(parts, fmt.Sprintf("%d", repeat))
	return strings.Join(parts, " -> ")
}

func (g *Graph) warnf(format string, args ...any) {
	g.Warnings = append(g.Warnings, fmt.Sprintf(format, args...))
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// GenerateDefault returns a starter graph document for bl init.
func GenerateDefault(project string) string {
	return fmt.Sprintf(defaultTemplate, project)
}

const defaultTemplate = `project: %s

batches:
  batch-1:
    name: Foundation
    parallel_limit: 2
    issues: [1, 2]
    dependencies:
      all_from_batch: []

  batch-2:
    name: Features
    parallel_limit: 3
    issues: [3, 4]
    dependencies:
      all_from_batch: [batch-1]

issues:
  - id: 1
    depends_on: []
    files: [src/models.ts]

  - id: 2
    depends_on: []
    files: [src/config.ts]

  - id: 3
    depends_on: [1]
    files: [src/api.ts]

  - id: 4
    depends_on: [2, 3]
    soft_depends_on: [1]
    files: [src/ui.ts]
`
