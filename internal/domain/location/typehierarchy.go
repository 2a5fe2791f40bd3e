package location

import (
	"fmt"
	"sort"
	"strings"
)

// TypeInfo describes one location type.
type TypeInfo struct {
	Code string `json:"code"`
	Name string `json:"name"`
	Root bool   `json:"root"`
}

// TypeRule allows locations of ParentCode to parent locations of ChildCode.
type TypeRule struct {
	ParentCode string `json:"parent_code"`
	ChildCode  string `json:"child_code"`
}

// TypeHierarchy is the read-only table of location types and legal
// parent/child pairs. It is built once at startup and shared.
type TypeHierarchy struct {
	types    map[string]TypeInfo
	byName   map[string]string
	parents  map[string]map[string]struct{}
	maxDepth int
}

var defaultTypes = []TypeInfo{
	{Code: TypeOrganisation, Name: "organisation", Root: true},
	{Code: TypeHospital, Name: "hospital", Root: true},
	{Code: TypeClinic, Name: "clinic"},
	{Code: TypeWard, Name: "ward"},
	{Code: TypeBay, Name: "bay"},
	{Code: TypeBed, Name: "bed"},
}

var defaultRules = []TypeRule{
	{ParentCode: TypeOrganisation, ChildCode: TypeHospital},
	{ParentCode: TypeOrganisation, ChildCode: TypeClinic},
	{ParentCode: TypeHospital, ChildCode: TypeClinic},
	{ParentCode: TypeHospital, ChildCode: TypeWard},
	{ParentCode: TypeWard, ChildCode: TypeBay},
	{ParentCode: TypeBay, ChildCode: TypeBed},
	{ParentCode: TypeWard, ChildCode: TypeBed},
}

// DefaultTypeHierarchy returns the built-in hierarchy that migration 001
// also seeds.
func DefaultTypeHierarchy() *TypeHierarchy {
	h, err := NewTypeHierarchy(defaultTypes, defaultRules)
	if err != nil {
		panic(err)
	}
	return h
}

// NewTypeHierarchy validates types and rules and computes MaxDepth. Rules
// that form a cycle are rejected.
func NewTypeHierarchy(types []TypeInfo, rules []TypeRule) (*TypeHierarchy, error) {
	h := &TypeHierarchy{
		types:   make(map[string]TypeInfo, len(types)),
		byName:  make(map[string]string, len(types)),
		parents: make(map[string]map[string]struct{}),
	}
	for _, t := range types {
		if t.Code == "" {
			return nil, fmt.Errorf("location type with empty code")
		}
		if _, dup := h.types[t.Code]; dup {
			return nil, fmt.Errorf("duplicate location type %s", t.Code)
		}
		h.types[t.Code] = t
		if t.Name != "" {
			h.byName[strings.ToLower(t.Name)] = t.Code
		}
	}
	for _, r := range rules {
		if _, ok := h.types[r.ParentCode]; !ok {
			return nil, fmt.Errorf("type rule references unknown parent type %s", r.ParentCode)
		}
		if _, ok := h.types[r.ChildCode]; !ok {
			return nil, fmt.Errorf("type rule references unknown child type %s", r.ChildCode)
		}
		if h.parents[r.ChildCode] == nil {
			h.parents[r.ChildCode] = make(map[string]struct{})
		}
		h.parents[r.ChildCode][r.ParentCode] = struct{}{}
	}
	for code, t := range h.types {
		if !t.Root && len(h.parents[code]) == 0 {
			return nil, fmt.Errorf("location type %s is neither a root nor has a legal parent", code)
		}
	}

	// depth(t) is the number of locations on the longest legal chain ending
	// at t. A grey node reached again means the rules are cyclic.
	const (
		white = iota
		grey
		black
	)
	state := make(map[string]int, len(h.types))
	depth := make(map[string]int, len(h.types))
	var visit func(code string) error
	visit = func(code string) error {
		switch state[code] {
		case grey:
			return fmt.Errorf("type rules contain a cycle through %s", code)
		case black:
			return nil
		}
		state[code] = grey
		d := 1
		for p := range h.parents[code] {
			if err := visit(p); err != nil {
				return err
			}
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		state[code] = black
		depth[code] = d
		return nil
	}
	for code := range h.types {
		if err := visit(code); err != nil {
			return nil, err
		}
		if depth[code] > h.maxDepth {
			h.maxDepth = depth[code]
		}
	}
	return h, nil
}

func (h *TypeHierarchy) Known(code string) bool {
	_, ok := h.types[code]
	return ok
}

func (h *TypeHierarchy) IsRoot(code string) bool {
	return h.types[code].Root
}

// CanParent reports whether a location of type parent may parent one of
// type child.
func (h *TypeHierarchy) CanParent(parent, child string) bool {
	_, ok := h.parents[child][parent]
	return ok
}

// MaxDepth is the number of locations on the longest legal chain.
func (h *TypeHierarchy) MaxDepth() int { return h.maxDepth }

// Name returns the human name of code, or code itself when it has none.
func (h *TypeHierarchy) Name(code string) string {
	if t, ok := h.types[code]; ok && t.Name != "" {
		return t.Name
	}
	return code
}

// Resolve accepts a type code or a case-insensitive type name.
func (h *TypeHierarchy) Resolve(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if h.Known(s) {
		return s, true
	}
	code, ok := h.byName[strings.ToLower(s)]
	return code, ok
}

// ParentTypes lists the legal parent types of code in sorted order.
func (h *TypeHierarchy) ParentTypes(code string) []string {
	out := make([]string, 0, len(h.parents[code]))
	for p := range h.parents[code] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Types lists all types sorted by code.
func (h *TypeHierarchy) Types() []TypeInfo {
	out := make([]TypeInfo, 0, len(h.types))
	for _, t := range h.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func (h *TypeHierarchy) describeParents(code string) string {
	names := make([]string, 0, len(h.parents[code]))
	for _, p := range h.ParentTypes(code) {
		names = append(names, h.Name(p))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
