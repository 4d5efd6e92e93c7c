// Package linker validates the compartment link graph and plans the merge:
// which compartment is the leaf, and in which order its ancestors are joined
// on which key pair. It never reads data.
package linker

import (
	"strings"

	"cytoprofile/internal/profile"
)

// DefaultObjectColumn is the per-compartment object identifier written by
// CellProfiler's ExportToDatabase.
const DefaultObjectColumn = "ObjectNumber"

// Link declares that Child.ForeignKey references Parent's object id.
type Link struct {
	Child      string `yaml:"child"`
	Parent     string `yaml:"parent"`
	ForeignKey string `yaml:"foreign_key"`
}

// Config is the linker input.
type Config struct {
	Compartments []string
	ImageTable   string
	Links        []Link
	// MergeKeys identify an image and are shared by every table.
	MergeKeys []string
	// Strata are copied from the image table onto every merged row.
	Strata []string
	// ImageColumns are further image columns carried as metadata.
	ImageColumns []string
	ObjectColumn string
}

// Step joins the working rows (which already contain Child) to Parent by
// matching Child.ChildColumn to Parent.ParentColumn within a merge-key group.
type Step struct {
	Child        string
	Parent       string
	ChildColumn  string
	ParentColumn string
}

// Plan is the validated merge order.
type Plan struct {
	// Declared keeps the configured compartment order; output columns
	// follow it.
	Declared     []string
	Leaf         string
	Image        string
	MergeKeys    []string
	Strata       []string
	ImageColumns []string
	ObjectColumn string
	// Steps are ordered leaf first; the image join on MergeKeys follows the
	// last step.
	Steps []Step

	nodes  []node
	byName map[string]int
	links  []Link
}

type node struct {
	name    string
	parents []int // link indices where this node is the child
	child   int   // link index where this node is the parent, -1 if none
	columns map[string]struct{}
}

// Compartments returns compartment names in merge order, leaf first.
func (p *Plan) Compartments() []string {
	out := []string{p.Leaf}
	for _, s := range p.Steps {
		out = append(out, s.Parent)
	}
	return out
}

// ForeignKeys returns the foreign-key columns declared on a compartment.
func (p *Plan) ForeignKeys(compartment string) []string {
	var out []string
	for _, s := range p.Steps {
		if s.Child == compartment {
			out = append(out, s.ChildColumn)
		}
	}
	return out
}

// Resolve validates cfg against the tables' column lists and returns the
// merge plan. columns must hold an entry for every compartment and the image.
func Resolve(cfg Config, columns map[string][]string) (*Plan, error) {
	if err := checkNames(cfg); err != nil {
		return nil, err
	}
	object := cfg.ObjectColumn
	if object == "" {
		object = DefaultObjectColumn
	}
	p := &Plan{
		Declared:     append([]string(nil), cfg.Compartments...),
		Image:        cfg.ImageTable,
		MergeKeys:    append([]string(nil), cfg.MergeKeys...),
		Strata:       append([]string(nil), cfg.Strata...),
		ImageColumns: append([]string(nil), cfg.ImageColumns...),
		ObjectColumn: object,
		byName:       make(map[string]int, len(cfg.Compartments)),
	}
	for _, name := range cfg.Compartments {
		cols, ok := columns[name]
		if !ok {
			return nil, profile.Configf("compartment %s not found in source", name)
		}
		p.byName[name] = len(p.nodes)
		p.nodes = append(p.nodes, node{name: name, child: -1, columns: set(cols)})
	}
	imageCols, ok := columns[cfg.ImageTable]
	if !ok {
		return nil, profile.Configf("image table %s not found in source", cfg.ImageTable)
	}
	if err := p.attachLinks(cfg.Links); err != nil {
		return nil, err
	}
	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}
	if err := p.order(); err != nil {
		return nil, err
	}
	if err := p.checkColumns(cfg.Links, set(imageCols)); err != nil {
		return nil, err
	}
	return p, nil
}

func checkNames(cfg Config) error {
	if len(cfg.Compartments) == 0 {
		return profile.Configf("no compartments configured")
	}
	if strings.TrimSpace(cfg.ImageTable) == "" {
		return profile.Configf("image table name required")
	}
	if len(cfg.MergeKeys) == 0 {
		return profile.Configf("at least one merge key required")
	}
	seen := make(map[string]struct{}, len(cfg.Compartments))
	for _, c := range cfg.Compartments {
		if strings.TrimSpace(c) == "" {
			return profile.Configf("empty compartment name")
		}
		if c == cfg.ImageTable {
			return profile.Configf("image table %s listed as a compartment", c)
		}
		if _, dup := seen[c]; dup {
			return profile.Configf("compartment %s listed twice", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

func (p *Plan) attachLinks(links []Link) error {
	pairs := make(map[[2]string]struct{}, len(links))
	for i, l := range links {
		if l.Parent == p.Image {
			return profile.Configf("link %s -> %s: compartments reach the image table through the merge keys", l.Child, l.Parent)
		}
		ci, ok := p.byName[l.Child]
		if !ok {
			return profile.Configf("link references unknown compartment %s", l.Child)
		}
		pi, ok := p.byName[l.Parent]
		if !ok {
			return profile.Configf("link references unknown compartment %s", l.Parent)
		}
		if strings.TrimSpace(l.ForeignKey) == "" {
			return profile.Configf("link %s -> %s has no foreign key", l.Child, l.Parent)
		}
		key := [2]string{l.Child, l.Parent}
		if _, dup := pairs[key]; dup {
			return profile.Configf("link %s -> %s declared twice", l.Child, l.Parent)
		}
		pairs[key] = struct{}{}
		p.nodes[ci].parents = append(p.nodes[ci].parents, i)
		if prev := p.nodes[pi].child; prev >= 0 {
			return profile.Configf("compartment %s is linked from both %s and %s; links must form a tree", l.Parent, links[prev].Child, l.Child)
		}
		p.nodes[pi].child = i
	}
	p.links = links
	return nil
}

// checkAcyclic runs a three-colour DFS along child -> parent edges.
func (p *Plan) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(p.nodes))
	var visit func(i int) error
	visit = func(i int) error {
		colour[i] = grey
		for _, li := range p.nodes[i].parents {
			pi := p.byName[p.links[li].Parent]
			switch colour[pi] {
			case grey:
				return profile.Configf("link cycle through %s -> %s", p.nodes[i].name, p.nodes[pi].name)
			case white:
				if err := visit(pi); err != nil {
					return err
				}
			}
		}
		colour[i] = black
		return nil
	}
	for i := range p.nodes {
		if colour[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// order picks the single leaf and lays out steps breadth-first towards the
// root so every step's child is already merged.
func (p *Plan) order() error {
	var leaves []string
	leaf := -1
	for i, n := range p.nodes {
		if n.child < 0 {
			leaves = append(leaves, n.name)
			leaf = i
		}
	}
	if len(leaves) != 1 {
		return profile.Configf("expected exactly one leaf compartment, found %d (%s)", len(leaves), strings.Join(leaves, ", "))
	}
	p.Leaf = p.nodes[leaf].name
	visited := make([]bool, len(p.nodes))
	visited[leaf] = true
	queue := []int{leaf}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, li := range p.nodes[cur].parents {
			l := p.links[li]
			pi := p.byName[l.Parent]
			p.Steps = append(p.Steps, Step{Child: l.Child, Parent: l.Parent, ChildColumn: l.ForeignKey, ParentColumn: p.ObjectColumn})
			if !visited[pi] {
				visited[pi] = true
				queue = append(queue, pi)
			}
		}
	}
	for i, ok := range visited {
		if !ok {
			return profile.Configf("compartment %s is unreachable from leaf %s", p.nodes[i].name, p.Leaf)
		}
	}
	return nil
}

func (p *Plan) checkColumns(links []Link, image map[string]struct{}) error {
	for _, l := range links {
		if _, ok := p.nodes[p.byName[l.Child]].columns[l.ForeignKey]; !ok {
			return profile.Configf("foreign key %s not found in %s", l.ForeignKey, l.Child)
		}
	}
	for _, n := range p.nodes {
		for _, k := range p.MergeKeys {
			if _, ok := n.columns[k]; !ok {
				return profile.SchemaError{Table: n.name, Column: k}
			}
		}
		if n.child >= 0 {
			if _, ok := n.columns[p.ObjectColumn]; !ok {
				return profile.SchemaError{Table: n.name, Column: p.ObjectColumn}
			}
		}
	}
	for _, group := range [][]string{p.MergeKeys, p.Strata, p.ImageColumns} {
		for _, c := range group {
			if _, ok := image[c]; !ok {
				return profile.SchemaError{Table: p.Image, Column: c}
			}
		}
	}
	return nil
}

func set(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
