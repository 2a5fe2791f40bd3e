package location

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bulkNode is one batch entry. Nodes reference each other by index into
// the batch, never by pointer.
type bulkNode struct {
	entry    *BulkEntry
	id       uuid.UUID
	parent   int       // index of the in-batch parent, -1 when none
	external *Location // persisted parent
	refField string    // request field the parent came from
	broken   bool      // a parent reference failed to resolve
}

func (n *bulkNode) label(i int) string {
	if n.entry.Key != "" {
		return n.entry.Key
	}
	return fmt.Sprintf("#%d", i)
}

// BulkCreateLocations creates all entries in one transaction or none of
// them. Entries may name their parent by batch key, by id (persisted or
// in-batch) or by ODS code. On failure the ValidationError lists every
// violation found. Created locations are returned in input order.
func (s *Service) BulkCreateLocations(ctx context.Context, entries []BulkEntry) ([]*Location, error) {
	if len(entries) == 0 {
		return []*Location{}, nil
	}
	var created []*Location
	err := s.run(ctx, func(ctx context.Context) error {
		nodes, err := s.planBulk(ctx, entries)
		if err != nil {
			return err
		}

		actor, now := actorFrom(ctx), s.now()
		locs := make([]*Location, len(nodes))
		ordered := make([]*Location, 0, len(nodes))
		var products []*Product
		for _, i := range topoOrder(nodes) {
			n := &nodes[i]
			var parentID *uuid.UUID
			switch {
			case n.parent >= 0:
				pid := nodes[n.parent].id
				parentID = &pid
			case n.external != nil:
				pid := n.external.ID
				parentID = &pid
			}
			loc := newLocation(n.id, &n.entry.CreateRequest, parentID, actor, now)
			for _, p := range n.entry.Products {
				loc.Products = append(loc.Products, newProduct(n.id, p, actor, now))
			}
			products = append(products, loc.Products...)
			locs[i] = loc
			ordered = append(ordered, loc)
		}

		if err := s.repo.CreateMany(ctx, ordered); err != nil {
			return err
		}
		if err := s.repo.AddProducts(ctx, products); err != nil {
			return err
		}
		created = locs
		return nil
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			s.logger.Warn().Int("entries", len(entries)).Int("violations", len(ve.Violations)).Msg("bulk create rejected")
		}
		return nil, err
	}
	s.logger.Info().Int("entries", len(created)).Msg("bulk create committed")
	return created, nil
}

// planBulk resolves every parent reference and validates the batch as a
// forest. It reads the store but writes nothing.
func (s *Service) planBulk(ctx context.Context, entries []BulkEntry) ([]bulkNode, error) {
	nodes := make([]bulkNode, len(entries))
	var vs violations
	byKey := make(map[string]int)
	byID := make(map[uuid.UUID]int)
	byODS := make(map[string]int)

	for i := range entries {
		e := &entries[i]
		nodes[i] = bulkNode{entry: e, parent: -1, id: uuid.New()}
		validateRequest(i, e.Key, &e.CreateRequest, s.types, &vs)

		if e.Key != "" {
			if j, dup := byKey[e.Key]; dup {
				vs.add(i, e.Key, "key", "duplicate key %q (also entry %d)", e.Key, j)
			} else {
				byKey[e.Key] = i
			}
		}
		if e.ID != nil {
			nodes[i].id = *e.ID
			if j, dup := byID[*e.ID]; dup {
				vs.add(i, e.Key, "uuid", "duplicate uuid %s (also entry %d)", *e.ID, j)
			} else {
				byID[*e.ID] = i
			}
		}
		if e.ODSCode != nil {
			if j, dup := byODS[*e.ODSCode]; dup {
				vs.add(i, e.Key, "ods_code", "duplicate ods_code %q (also entry %d)", *e.ODSCode, j)
			} else {
				byODS[*e.ODSCode] = i
			}
		}
	}

	storedByID, storedByODS, err := s.lookupBulkReferences(ctx, entries, byID, byODS)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		e := &entries[i]
		if e.ID != nil {
			if _, exists := storedByID[*e.ID]; exists {
				vs.add(i, e.Key, "uuid", "location %s already exists", *e.ID)
			}
		}
		if e.ODSCode != nil {
			if other, exists := storedByODS[*e.ODSCode]; exists {
				vs.add(i, e.Key, "ods_code", "ods_code %q is already used by location %s", *e.ODSCode, other.ID)
			}
		}
		resolveBulkParent(i, nodes, byKey, byID, byODS, storedByID, storedByODS, &vs)
	}

	onCycle := markCycles(nodes, &vs)
	intoCycle := reachesCycle(nodes, onCycle)

	for i := range nodes {
		n := &nodes[i]
		switch {
		case onCycle[i] || n.broken:
		case intoCycle[i]:
			vs.add(i, n.entry.Key, n.refField, "ancestor chain of %s contains a cycle", n.label(i))
		case n.parent >= 0:
			p := nodes[n.parent].entry
			active := p.Active == nil || *p.Active
			pseudo := &Location{ID: nodes[n.parent].id, LocationType: p.LocationType, Active: active}
			s.checkPlacement(&vs, i, n.entry.Key, n.refField, pseudo, n.entry.LocationType)
		case n.external != nil:
			s.checkPlacement(&vs, i, n.entry.Key, n.refField, n.external, n.entry.LocationType)
		default:
			s.checkPlacement(&vs, i, n.entry.Key, "parent", nil, n.entry.LocationType)
		}
	}

	if err := vs.err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

// lookupBulkReferences fetches, in two queries, every persisted location
// the batch refers to or might collide with.
func (s *Service) lookupBulkReferences(ctx context.Context, entries []BulkEntry, byID map[uuid.UUID]int, byODS map[string]int) (map[uuid.UUID]*Location, map[string]*Location, error) {
	var ids []uuid.UUID
	var codes []string
	seenID := make(map[uuid.UUID]struct{})
	seenODS := make(map[string]struct{})
	addID := func(id uuid.UUID) {
		if _, ok := seenID[id]; !ok {
			seenID[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	addODS := func(code string) {
		if _, ok := seenODS[code]; !ok {
			seenODS[code] = struct{}{}
			codes = append(codes, code)
		}
	}
	for i := range entries {
		e := &entries[i]
		if e.ID != nil {
			addID(*e.ID)
		}
		if e.ODSCode != nil {
			addODS(*e.ODSCode)
		}
		if e.ParentID != nil {
			if _, inBatch := byID[*e.ParentID]; !inBatch {
				addID(*e.ParentID)
			}
		}
		if e.ParentODSCode != nil {
			if _, inBatch := byODS[*e.ParentODSCode]; !inBatch {
				addODS(*e.ParentODSCode)
			}
		}
	}

	storedByID := make(map[uuid.UUID]*Location)
	storedByODS := make(map[string]*Location)
	locs, err := s.repo.ListByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("look up bulk parents: %w", err)
	}
	for _, l := range locs {
		storedByID[l.ID] = l
	}
	locs, err = s.repo.ListByODSCodes(ctx, codes)
	if err != nil {
		return nil, nil, fmt.Errorf("look up bulk ods codes: %w", err)
	}
	for _, l := range locs {
		if l.ODSCode != nil {
			storedByODS[*l.ODSCode] = l
		}
	}
	return storedByID, storedByODS, nil
}

type parentRef struct {
	field string
	batch int
	ext   *Location
}

func (r parentRef) same(o parentRef) bool {
	if r.ext != nil || o.ext != nil {
		return r.ext != nil && o.ext != nil && r.ext.ID == o.ext.ID
	}
	return r.batch == o.batch
}

// resolveBulkParent resolves the references of entry i. In-batch ids and
// ODS codes win over persisted ones.
func resolveBulkParent(i int, nodes []bulkNode, byKey map[string]int, byID map[uuid.UUID]int, byODS map[string]int,
	storedByID map[uuid.UUID]*Location, storedByODS map[string]*Location, vs *violations) {
	n := &nodes[i]
	e := n.entry
	var refs []parentRef

	if e.ParentKey != "" {
		if j, ok := byKey[e.ParentKey]; ok {
			refs = append(refs, parentRef{field: "parent_key", batch: j})
		} else {
			vs.add(i, e.Key, "parent_key", "unknown temporary key %q", e.ParentKey)
			n.broken = true
		}
	}
	if e.ParentID != nil {
		if j, ok := byID[*e.ParentID]; ok {
			refs = append(refs, parentRef{field: "parent", batch: j})
		} else if l, ok := storedByID[*e.ParentID]; ok {
			refs = append(refs, parentRef{field: "parent", batch: -1, ext: l})
		} else {
			vs.add(i, e.Key, "parent", "parent location %s does not exist", *e.ParentID)
			n.broken = true
		}
	}
	if e.ParentODSCode != nil {
		if j, ok := byODS[*e.ParentODSCode]; ok {
			refs = append(refs, parentRef{field: "parent_ods_code", batch: j})
		} else if l, ok := storedByODS[*e.ParentODSCode]; ok {
			refs = append(refs, parentRef{field: "parent_ods_code", batch: -1, ext: l})
		} else {
			vs.add(i, e.Key, "parent_ods_code", "no location has ODS code %q", *e.ParentODSCode)
			n.broken = true
		}
	}

	if n.broken || len(refs) == 0 {
		return
	}
	for _, r := range refs[1:] {
		if !r.same(refs[0]) {
			vs.add(i, e.Key, r.field, "%s does not identify the same parent as %s", r.field, refs[0].field)
			n.broken = true
			return
		}
	}
	n.refField = refs[0].field
	if refs[0].ext != nil {
		n.external = refs[0].ext
	} else {
		n.parent = refs[0].batch
	}
}

// markCycles finds every cycle of in-batch parent links and reports each
// member once. Each node has at most one parent, so each walk either ends
// outside the batch, meets a finished node, or closes a new cycle.
func markCycles(nodes []bulkNode, vs *violations) []bool {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make([]uint8, len(nodes))
	onCycle := make([]bool, len(nodes))

	for start := range nodes {
		if state[start] != unvisited {
			continue
		}
		var path []int
		i := start
		for i >= 0 && state[i] == unvisited {
			state[i] = onPath
			path = append(path, i)
			i = nodes[i].parent
		}
		if i >= 0 && state[i] == onPath {
			k := 0
			for path[k] != i {
				k++
			}
			cycle := path[k:]
			labels := make([]string, 0, len(cycle)+1)
			for _, c := range cycle {
				labels = append(labels, nodes[c].label(c))
			}
			labels = append(labels, labels[0])
			desc := strings.Join(labels, " -> ")
			for _, c := range cycle {
				onCycle[c] = true
				vs.add(c, nodes[c].entry.Key, nodes[c].refField, "parent reference cycle: %s", desc)
			}
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return onCycle
}

// reachesCycle reports the nodes that are not on a cycle but whose
// ancestors are.
func reachesCycle(nodes []bulkNode, onCycle []bool) []bool {
	const (
		unknown = iota
		yes
		no
	)
	memo := make([]uint8, len(nodes))
	out := make([]bool, len(nodes))
	for start := range nodes {
		if onCycle[start] || memo[start] != unknown {
			continue
		}
		var path []int
		result := uint8(no)
		for i := start; ; i = nodes[i].parent {
			if i < 0 {
				break
			}
			if onCycle[i] {
				result = yes
				break
			}
			if memo[i] != unknown {
				result = memo[i]
				break
			}
			path = append(path, i)
		}
		for _, p := range path {
			memo[p] = result
			out[p] = result == yes
		}
	}
	return out
}

// topoOrder orders an acyclic batch parents first. Among entries whose
// parents are placed, the lowest input index goes next.
func topoOrder(nodes []bulkNode) []int {
	children := make([][]int, len(nodes))
	ready := &indexHeap{}
	for i := range nodes {
		if p := nodes[i].parent; p >= 0 {
			children[p] = append(children[p], i)
		} else {
			*ready = append(*ready, i)
		}
	}
	heap.Init(ready)

	order := make([]int, 0, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, c := range children[i] {
			heap.Push(ready, c)
		}
	}
	return order
}

type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
