package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Resolver answers ancestor and descendant questions by walking parent
// links in the store. Every walk is bounded by the type hierarchy's
// MaxDepth so a corrupted cycle cannot loop forever. Nothing is cached.
type Resolver struct {
	repo  Repository
	types *TypeHierarchy
}

func NewResolver(repo Repository, types *TypeHierarchy) *Resolver {
	return &Resolver{repo: repo, types: types}
}

func (r *Resolver) parentOf(ctx context.Context, loc *Location) (*Location, error) {
	parent, err := r.repo.GetByID(ctx, *loc.ParentID)
	if errors.Is(err, ErrNotFound) {
		return nil, conflict("corrupted hierarchy: location %s references missing parent %s", loc.ID, *loc.ParentID)
	}
	return parent, err
}

// NearestOfType returns loc itself if it has type typ, otherwise its
// closest ancestor of that type.
func (r *Resolver) NearestOfType(ctx context.Context, loc *Location, typ string) (*Location, error) {
	if !r.types.Known(typ) {
		return nil, invalid("return_parent_of_type", "unknown location type %q", typ)
	}
	cur := loc
	for hops := 0; ; hops++ {
		if cur.LocationType == typ {
			return cur, nil
		}
		if cur.ParentID == nil {
			return nil, notFound("location %s has no ancestor of type %s", loc.ID, typ)
		}
		if hops >= r.types.MaxDepth() {
			return nil, conflict("corrupted hierarchy: ancestors of %s exceed depth %d", loc.ID, r.types.MaxDepth())
		}
		parent, err := r.parentOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
}

// AncestorChain returns the ancestors of loc from its immediate parent to
// the root.
func (r *Resolver) AncestorChain(ctx context.Context, loc *Location) ([]*Location, error) {
	var chain []*Location
	seen := map[uuid.UUID]struct{}{loc.ID: {}}
	cur := loc
	for cur.ParentID != nil {
		if len(chain) >= r.types.MaxDepth() {
			return nil, conflict("corrupted hierarchy: ancestors of %s exceed depth %d", loc.ID, r.types.MaxDepth())
		}
		if _, dup := seen[*cur.ParentID]; dup {
			return nil, conflict("corrupted hierarchy: cycle through %s", *cur.ParentID)
		}
		parent, err := r.parentOf(ctx, cur)
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = struct{}{}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// AncestorChains resolves the chains of all locs with one store round trip
// per hierarchy level.
func (r *Resolver) AncestorChains(ctx context.Context, locs []*Location) (map[uuid.UUID][]*Location, error) {
	known := make(map[uuid.UUID]*Location, len(locs))
	for _, l := range locs {
		known[l.ID] = l
	}

	frontier := missingParents(locs, known)
	for level := 0; len(frontier) > 0; level++ {
		if level >= r.types.MaxDepth() {
			return nil, conflict("corrupted hierarchy: ancestors exceed depth %d", r.types.MaxDepth())
		}
		parents, err := r.repo.ListByIDs(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load ancestors: %w", err)
		}
		if len(parents) != len(frontier) {
			return nil, conflict("corrupted hierarchy: %d parent references are dangling", len(frontier)-len(parents))
		}
		for _, p := range parents {
			known[p.ID] = p
		}
		frontier = missingParents(parents, known)
	}

	chains := make(map[uuid.UUID][]*Location, len(locs))
	for _, l := range locs {
		var chain []*Location
		seen := map[uuid.UUID]struct{}{l.ID: {}}
		for cur := l; cur.ParentID != nil; {
			if _, dup := seen[*cur.ParentID]; dup || len(chain) >= r.types.MaxDepth() {
				return nil, conflict("corrupted hierarchy: ancestors of %s do not reach a root", l.ID)
			}
			cur = known[*cur.ParentID]
			seen[cur.ID] = struct{}{}
			chain = append(chain, cur)
		}
		chains[l.ID] = chain
	}
	return chains, nil
}

func missingParents(locs []*Location, known map[uuid.UUID]*Location) []uuid.UUID {
	var out []uuid.UUID
	queued := make(map[uuid.UUID]struct{})
	for _, l := range locs {
		if l.ParentID == nil {
			continue
		}
		id := *l.ParentID
		if _, ok := known[id]; ok {
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Descendants returns, for each of ids, the ids of every location below it
// in breadth-first order.
func (r *Resolver) Descendants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	children := make(map[uuid.UUID][]uuid.UUID)
	visited := make(map[uuid.UUID]struct{}, len(ids))
	frontier := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := visited[id]; !ok {
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}

	for level := 0; len(frontier) > 0; level++ {
		if level >= r.types.MaxDepth() {
			return nil, conflict("corrupted hierarchy: descendants exceed depth %d", r.types.MaxDepth())
		}
		kids, err := r.repo.ListByParentIDs(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load descendants: %w", err)
		}
		frontier = frontier[:0:0]
		for _, k := range kids {
			children[*k.ParentID] = append(children[*k.ParentID], k.ID)
			if _, ok := visited[k.ID]; ok {
				continue
			}
			visited[k.ID] = struct{}{}
			frontier = append(frontier, k.ID)
		}
	}

	out := make(map[uuid.UUID][]uuid.UUID, len(ids))
	for _, id := range ids {
		var desc []uuid.UUID
		seen := map[uuid.UUID]struct{}{id: {}}
		queue := append([]uuid.UUID(nil), children[id]...)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if _, dup := seen[next]; dup {
				continue
			}
			seen[next] = struct{}{}
			desc = append(desc, next)
			queue = append(queue, children[next]...)
		}
		out[id] = desc
	}
	return out, nil
}
