package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/locations/internal/platform/db"
)

// Transactor runs fn inside a storage transaction. Implementations may run
// fn more than once when the store reports a transient conflict.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo     Repository
	types    *TypeHierarchy
	resolver *Resolver
	tx       Transactor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, types *TypeHierarchy, tx Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		types:    types,
		resolver: NewResolver(repo, types),
		tx:       tx,
		logger:   logger.With().Str("component", "location").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Types returns the type hierarchy the service validates against.
func (s *Service) Types() *TypeHierarchy { return s.types }

type actorKey struct{}

// WithActor records who performs the mutations made with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// run executes fn in a transaction and maps infrastructure failures onto
// the domain error taxonomy.
func (s *Service) run(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.tx.WithinTransaction(ctx, fn)
	switch {
	case err == nil:
		return nil
	case isDomainError(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if constraint, ok := db.IsUniqueViolation(err); ok {
		return conflict("duplicate value violates %s", constraint)
	}
	return &StorageError{Err: err}
}

// -- Validation helpers --

func validateRequest(index int, key string, req *CreateRequest, types *TypeHierarchy, vs *violations) {
	if !types.Known(req.LocationType) {
		vs.add(index, key, "location_type", "unknown location type %q", req.LocationType)
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		vs.add(index, key, "display_name", "display_name is required")
	}
	if req.ODSCode != nil && strings.TrimSpace(*req.ODSCode) == "" {
		vs.add(index, key, "ods_code", "ods_code must not be empty")
	}
	if req.ScoreSystemDefault != nil && !validScoreSystem(*req.ScoreSystemDefault) {
		vs.add(index, key, "score_system_default", "score_system_default must be %s or %s, got %q",
			ScoreSystemNEWS2, ScoreSystemMEOWS, *req.ScoreSystemDefault)
	}
	open := make(map[string]struct{})
	for _, p := range req.Products {
		validateNewProduct(index, key, p, open, vs)
	}
}

// validateNewProduct checks a product about to be opened against the names
// already open on the location.
func validateNewProduct(index int, key string, p ProductRequest, open map[string]struct{}, vs *violations) {
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		vs.add(index, key, "dh_products", "product_name is required")
		return
	}
	if p.ClosedDate != nil {
		if p.OpenedDate != nil && p.ClosedDate.Before(p.OpenedDate.Time) {
			vs.add(index, key, "dh_products", "product %s closes before it opens", name)
		}
		return
	}
	if _, dup := open[name]; dup {
		vs.add(index, key, "dh_products", "product %s is already open", name)
		return
	}
	open[name] = struct{}{}
}

// checkPlacement verifies that a location of childType may sit under
// parent, or at the root when parent is nil.
func (s *Service) checkPlacement(vs *violations, index int, key, field string, parent *Location, childType string) {
	if !s.types.Known(childType) {
		return
	}
	if parent == nil {
		if !s.types.IsRoot(childType) {
			vs.add(index, key, field, "a %s must have a parent (allowed: %s)",
				s.types.Name(childType), s.types.describeParents(childType))
		}
		return
	}
	if !parent.Active {
		vs.add(index, key, field, "parent %s is inactive", parent.ID)
	}
	if !s.types.CanParent(parent.LocationType, childType) {
		vs.add(index, key, field, "a %s cannot be the parent of a %s (allowed: %s)",
			s.types.Name(parent.LocationType), s.types.Name(childType), s.types.describeParents(childType))
	}
}

// resolveParent looks up the parent named by id and/or ODS code. Missing
// references are recorded as violations. The returned field names the
// reference used in messages.
func (s *Service) resolveParent(ctx context.Context, id *uuid.UUID, ods *string, vs *violations) (*Location, string, error) {
	var byID, byODS *Location
	field := "parent"
	if id != nil {
		p, err := s.repo.GetByID(ctx, *id)
		switch {
		case errors.Is(err, ErrNotFound):
			vs.add(0, "", "parent", "parent location %s does not exist", *id)
		case err != nil:
			return nil, field, err
		default:
			byID = p
		}
	}
	if ods != nil {
		if id == nil {
			field = "parent_ods_code"
		}
		p, err := s.repo.GetByODSCode(ctx, *ods)
		switch {
		case errors.Is(err, ErrNotFound):
			vs.add(0, "", "parent_ods_code", "no location has ODS code %q", *ods)
		case err != nil:
			return nil, field, err
		default:
			byODS = p
		}
	}
	if byID != nil && byODS != nil && byID.ID != byODS.ID {
		vs.add(0, "", "parent_ods_code", "parent_ods_code %q does not identify parent %s", *ods, byID.ID)
		return nil, field, nil
	}
	if byID != nil {
		return byID, field, nil
	}
	return byODS, field, nil
}

func newLocation(id uuid.UUID, req *CreateRequest, parentID *uuid.UUID, actor string, now time.Time) *Location {
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return &Location{
		ID:                 id,
		LocationType:       req.LocationType,
		DisplayName:        strings.TrimSpace(req.DisplayName),
		ODSCode:            req.ODSCode,
		ParentID:           parentID,
		Active:             active,
		ScoreSystemDefault: req.ScoreSystemDefault,
		Address:            req.Address,
		Created:            now,
		CreatedBy:          actor,
		Modified:           now,
		ModifiedBy:         actor,
	}
}

func newProduct(locID uuid.UUID, p ProductRequest, actor string, now time.Time) *Product {
	opened := NewDate(now)
	if p.OpenedDate != nil {
		opened = *p.OpenedDate
	}
	id := uuid.New()
	if p.ID != nil {
		id = *p.ID
	}
	return &Product{
		ID:                id,
		LocationID:        locID,
		ProductName:       strings.TrimSpace(p.ProductName),
		OpenedDate:        opened,
		ClosedDate:        p.ClosedDate,
		ClosedReason:      p.ClosedReason,
		ClosedReasonOther: p.ClosedReasonOther,
		Created:           now,
		CreatedBy:         actor,
		Modified:          now,
		ModifiedBy:        actor,
	}
}

// -- Operations --

// CreateLocation validates req against the type hierarchy and persists a
// new location with its products.
func (s *Service) CreateLocation(ctx context.Context, req CreateRequest) (*Location, error) {
	var created *Location
	err := s.run(ctx, func(ctx context.Context) error {
		var vs violations
		validateRequest(0, "", &req, s.types, &vs)
		parent, field, err := s.resolveParent(ctx, req.ParentID, req.ParentODSCode, &vs)
		if err != nil {
			return err
		}
		if req.ParentID == nil && req.ParentODSCode == nil {
			s.checkPlacement(&vs, 0, "", "parent", nil, req.LocationType)
		} else if parent != nil {
			s.checkPlacement(&vs, 0, "", field, parent, req.LocationType)
		}
		if err := vs.err(); err != nil {
			return err
		}

		id := uuid.New()
		if req.ID != nil {
			id = *req.ID
			if _, err := s.repo.GetByID(ctx, id); err == nil {
				return conflict("location %s already exists", id)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if req.ODSCode != nil {
			if err := s.checkODSFree(ctx, *req.ODSCode, id); err != nil {
				return err
			}
		}

		var parentID *uuid.UUID
		if parent != nil {
			parentID = &parent.ID
		}
		actor, now := actorFrom(ctx), s.now()
		loc := newLocation(id, &req, parentID, actor, now)
		if err := s.repo.Create(ctx, loc); err != nil {
			return err
		}
		for _, p := range req.Products {
			loc.Products = append(loc.Products, newProduct(id, p, actor, now))
		}
		if err := s.repo.AddProducts(ctx, loc.Products); err != nil {
			return err
		}
		created = loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("location_id", created.ID.String()).
		Str("location_type", created.LocationType).
		Msg("location created")
	return created, nil
}

func (s *Service) checkODSFree(ctx context.Context, ods string, self uuid.UUID) error {
	other, err := s.repo.GetByODSCode(ctx, ods)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case other.ID != self:
		return conflict("ods_code %q is already used by location %s", ods, other.ID)
	}
	return nil
}

// UpdateLocation merges patch into the location. Moving a location
// re-validates the type rules and rejects moves that would create a cycle.
func (s *Service) UpdateLocation(ctx context.Context, id uuid.UUID, patch Patch) (*Location, error) {
	var updated *Location
	err := s.run(ctx, func(ctx context.Context) error {
		loc, err := s.repo.LockForUpdate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return notFound("location %s not found", id)
		}
		if err != nil {
			return err
		}

		var vs violations
		if patch.LocationType != nil && *patch.LocationType != loc.LocationType {
			vs.add(0, "", "location_type", "location_type cannot be changed")
		}
		if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) == "" {
			vs.add(0, "", "display_name", "display_name must not be empty")
		}
		if patch.ODSCode != nil && strings.TrimSpace(*patch.ODSCode) == "" {
			vs.add(0, "", "ods_code", "ods_code must not be empty")
		}
		if patch.ScoreSystemDefault != nil && !validScoreSystem(*patch.ScoreSystemDefault) {
			vs.add(0, "", "score_system_default", "score_system_default must be %s or %s, got %q",
				ScoreSystemNEWS2, ScoreSystemMEOWS, *patch.ScoreSystemDefault)
		}

		var newParent *Location
		if patch.Parent.Set && sameParent(patch.Parent.ID, loc.ParentID) {
			patch.Parent = NullableID{}
		}
		if patch.Parent.Set {
			switch {
			case patch.Parent.ID == nil:
				s.checkPlacement(&vs, 0, "", "parent", nil, loc.LocationType)
			case *patch.Parent.ID == id:
				return conflict("location %s cannot be its own parent", id)
			default:
				p, err := s.repo.GetByID(ctx, *patch.Parent.ID)
				if errors.Is(err, ErrNotFound) {
					vs.add(0, "", "parent", "parent location %s does not exist", *patch.Parent.ID)
				} else if err != nil {
					return err
				} else {
					newParent = p
					s.checkPlacement(&vs, 0, "", "parent", p, loc.LocationType)
				}
			}
		}

		if patch.Active != nil && *patch.Active && !loc.Active && !patch.Parent.Set && loc.ParentID != nil {
			p, err := s.repo.GetByID(ctx, *loc.ParentID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if p != nil && !p.Active {
				vs.add(0, "", "active", "cannot activate %s under inactive parent %s", id, p.ID)
			}
		}

		products, err := s.repo.ProductsFor(ctx, []uuid.UUID{id})
		if err != nil {
			return err
		}
		existing := products[id]
		changed, added := s.planProductChanges(existing, patch.Products, &vs)
		if err := vs.err(); err != nil {
			return err
		}

		if newParent != nil {
			chain, err := s.resolver.AncestorChain(ctx, newParent)
			if err != nil {
				return err
			}
			for _, a := range chain {
				if a.ID == id {
					return conflict("moving %s under %s would create a cycle", id, newParent.ID)
				}
			}
		}
		if patch.ODSCode != nil {
			if err := s.checkODSFree(ctx, *patch.ODSCode, id); err != nil {
				return err
			}
		}

		actor, now := actorFrom(ctx), s.now()
		if patch.DisplayName != nil {
			loc.DisplayName = strings.TrimSpace(*patch.DisplayName)
		}
		if patch.ODSCode != nil {
			loc.ODSCode = patch.ODSCode
		}
		if patch.Parent.Set {
			loc.ParentID = patch.Parent.ID
		}
		if patch.Active != nil {
			loc.Active = *patch.Active
		}
		if patch.ScoreSystemDefault != nil {
			loc.ScoreSystemDefault = patch.ScoreSystemDefault
		}
		loc.Address.merge(patch.Address)
		loc.Modified, loc.ModifiedBy = now, actor
		if err := s.repo.Update(ctx, loc); err != nil {
			return err
		}

		for _, p := range changed {
			p.Modified, p.ModifiedBy = now, actor
			if err := s.repo.UpdateProduct(ctx, p); err != nil {
				return err
			}
		}
		var fresh []*Product
		for _, p := range added {
			fresh = append(fresh, newProduct(id, p, actor, now))
		}
		if err := s.repo.AddProducts(ctx, fresh); err != nil {
			return err
		}
		loc.Products = append(existing, fresh...)
		updated = loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("location_id", id.String()).Msg("location updated")
	return updated, nil
}

// planProductChanges applies product requests to copies of existing
// products. Requests naming an existing product update it; the rest open
// new products. Updates are applied first, so a patch may close a product
// and reopen it under the same name in any order.
func (s *Service) planProductChanges(existing []*Product, reqs []ProductRequest, vs *violations) (changed []*Product, added []ProductRequest) {
	byID := make(map[uuid.UUID]int, len(existing))
	open := make(map[string]struct{})
	for i, p := range existing {
		byID[p.ID] = i
		if p.Open() {
			open[p.ProductName] = struct{}{}
		}
	}
	for _, r := range reqs {
		if r.ID == nil {
			added = append(added, r)
			continue
		}
		i, ok := byID[*r.ID]
		if !ok {
			vs.add(0, "", "dh_products", "product %s does not belong to this location", *r.ID)
			continue
		}
		p := *existing[i]
		if r.OpenedDate != nil {
			p.OpenedDate = *r.OpenedDate
		}
		if r.ClosedDate != nil {
			if r.ClosedDate.Before(p.OpenedDate.Time) {
				vs.add(0, "", "dh_products", "product %s closes before it opens", p.ProductName)
				continue
			}
			p.ClosedDate = r.ClosedDate
			delete(open, p.ProductName)
		}
		if r.ClosedReason != nil {
			p.ClosedReason = r.ClosedReason
		}
		if r.ClosedReasonOther != nil {
			p.ClosedReasonOther = r.ClosedReasonOther
		}
		existing[i] = &p
		changed = append(changed, &p)
	}
	for _, r := range added {
		validateNewProduct(0, "", r, open, vs)
	}
	return changed, added
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DeactivateLocation marks the location inactive. Deactivating an inactive
// location changes nothing.
func (s *Service) DeactivateLocation(ctx context.Context, id uuid.UUID) (*Location, error) {
	var out *Location
	err := s.run(ctx, func(ctx context.Context) error {
		loc, err := s.repo.LockForUpdate(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return notFound("location %s not found", id)
		}
		if err != nil {
			return err
		}
		if loc.Active {
			loc.Active = false
			loc.Modified, loc.ModifiedBy = s.now(), actorFrom(ctx)
			if err := s.repo.Update(ctx, loc); err != nil {
				return err
			}
		}
		products, err := s.repo.ProductsFor(ctx, []uuid.UUID{id})
		if err != nil {
			return err
		}
		loc.Products = products[id]
		out = loc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLocation returns the location, or with ReturnParentOfType its nearest
// ancestor of that type, enriched with its ancestor chain.
func (s *Service) GetLocation(ctx context.Context, id uuid.UUID, opts GetOptions) (*View, error) {
	var view *View
	err := s.run(ctx, func(ctx context.Context) error {
		loc, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return notFound("location %s not found", id)
		}
		if err != nil {
			return err
		}
		if opts.ReturnParentOfType != "" {
			code, ok := s.types.Resolve(opts.ReturnParentOfType)
			if !ok {
				return invalid("return_parent_of_type", "unknown location type %q", opts.ReturnParentOfType)
			}
			if loc, err = s.resolver.NearestOfType(ctx, loc, code); err != nil {
				return err
			}
		}
		views, err := s.enrich(ctx, []*Location{loc}, opts.Compact, opts.Children)
		if err != nil {
			return err
		}
		view = views[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// AncestorChain returns the ancestors of id from its parent to the root.
func (s *Service) AncestorChain(ctx context.Context, id uuid.UUID) ([]*Location, error) {
	var chain []*Location
	err := s.run(ctx, func(ctx context.Context) error {
		loc, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return notFound("location %s not found", id)
		}
		if err != nil {
			return err
		}
		chain, err = s.resolver.AncestorChain(ctx, loc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// enrich attaches ancestor chains, products unless compact, and
// descendant ids when children is set.
func (s *Service) enrich(ctx context.Context, locs []*Location, compact, children bool) ([]*View, error) {
	if len(locs) == 0 {
		return []*View{}, nil
	}
	chains, err := s.resolver.AncestorChains(ctx, locs)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(locs))
	for i, l := range locs {
		ids[i] = l.ID
	}
	if !compact {
		products, err := s.repo.ProductsFor(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load products: %w", err)
		}
		for _, l := range locs {
			l.Products = products[l.ID]
		}
	}
	var desc map[uuid.UUID][]uuid.UUID
	if children {
		if desc, err = s.resolver.Descendants(ctx, ids); err != nil {
			return nil, err
		}
	}

	views := make([]*View, len(locs))
	for i, l := range locs {
		views[i] = newView(l, chains[l.ID], compact)
		if children {
			views[i].Children = desc[l.ID]
		}
	}
	return views, nil
}
