package location

import (
	"context"

	"github.com/google/uuid"
)

// filterFor turns criteria into a store filter. Type names are accepted
// alongside codes. Active defaults to true unless the caller set it or
// asked for inactive locations too.
func (s *Service) filterFor(c Criteria) (Filter, error) {
	f := Filter{
		ParentID:     c.ParentID,
		Active:       c.Active,
		NameContains: c.NameContains,
		ODSCode:      c.ODSCode,
		ProductNames: c.ProductNames,
	}
	var vs violations
	for _, t := range c.LocationTypes {
		code, ok := s.types.Resolve(t)
		if !ok {
			vs.add(0, "", "location_types", "unknown location type %q", t)
			continue
		}
		f.LocationTypes = append(f.LocationTypes, code)
	}
	if err := vs.err(); err != nil {
		return Filter{}, err
	}
	if f.Active == nil && !c.IncludeInactive {
		active := true
		f.Active = &active
	}
	return f, nil
}

// SearchLocations returns every location matching c, ordered by creation
// then id, each with its ancestor chain.
func (s *Service) SearchLocations(ctx context.Context, c Criteria) ([]*View, error) {
	f, err := s.filterFor(c)
	if err != nil {
		return nil, err
	}
	var views []*View
	err = s.run(ctx, func(ctx context.Context) error {
		locs, err := s.repo.ListByFilter(ctx, f)
		if err != nil {
			return err
		}
		views, err = s.enrich(ctx, locs, c.Compact, c.Children)
		return err
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// SearchLocationsByIds returns the existing locations among ids that also
// match c. Unknown ids are omitted. Inactive locations are included unless
// c.Active is set. The result order depends only on the stored rows, so
// identical input yields identical output.
func (s *Service) SearchLocationsByIds(ctx context.Context, ids []uuid.UUID, c Criteria) ([]*View, error) {
	c.IncludeInactive = true
	f, err := s.filterFor(c)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			f.IDs = append(f.IDs, id)
		}
	}
	if len(f.IDs) == 0 {
		return []*View{}, nil
	}

	var views []*View
	err = s.run(ctx, func(ctx context.Context) error {
		locs, err := s.repo.ListByFilter(ctx, f)
		if err != nil {
			return err
		}
		views, err = s.enrich(ctx, locs, c.Compact, c.Children)
		return err
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}
