package location

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// -- Mock Repository --

// memRepo keeps locations in memory and hands out copies, so callers see
// only what they write back through Update.
type memRepo struct {
	mu       sync.Mutex
	locs     map[uuid.UUID]*Location
	products map[uuid.UUID]*Product
	seq      int64

	// failWith, when set, is returned by every call. failOn fails only the
	// named methods.
	failWith error
	failOn   map[string]error
	calls    map[string]int
}

func newMemRepo() *memRepo {
	return &memRepo{
		locs:     make(map[uuid.UUID]*Location),
		products: make(map[uuid.UUID]*Product),
		failOn:   make(map[string]error),
		calls:    make(map[string]int),
	}
}

type memSnapshot struct {
	locs     map[uuid.UUID]Location
	products map[uuid.UUID]Product
	seq      int64
}

func (m *memRepo) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := memSnapshot{
		locs:     make(map[uuid.UUID]Location, len(m.locs)),
		products: make(map[uuid.UUID]Product, len(m.products)),
		seq:      m.seq,
	}
	for id, l := range m.locs {
		s.locs[id] = *l
	}
	for id, p := range m.products {
		s.products[id] = *p
	}
	return s
}

func (m *memRepo) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locs = make(map[uuid.UUID]*Location, len(s.locs))
	for id, l := range s.locs {
		l := l
		m.locs[id] = &l
	}
	m.products = make(map[uuid.UUID]*Product, len(s.products))
	for id, p := range s.products {
		p := p
		m.products[id] = &p
	}
	m.seq = s.seq
}

func (m *memRepo) count(name string) error {
	m.calls[name]++
	if m.failWith != nil {
		return m.failWith
	}
	return m.failOn[name]
}

func (m *memRepo) insert(loc *Location) {
	m.seq++
	loc.Seq = m.seq
	c := *loc
	c.Products = nil
	m.locs[loc.ID] = &c
}

func (m *memRepo) Create(_ context.Context, loc *Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("Create"); err != nil {
		return err
	}
	m.insert(loc)
	return nil
}

func (m *memRepo) CreateMany(_ context.Context, locs []*Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("CreateMany"); err != nil {
		return err
	}
	for _, l := range locs {
		m.insert(l)
	}
	return nil
}

func (m *memRepo) get(id uuid.UUID) (*Location, error) {
	l, ok := m.locs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

func (m *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("GetByID"); err != nil {
		return nil, err
	}
	return m.get(id)
}

func (m *memRepo) GetByODSCode(_ context.Context, odsCode string) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("GetByODSCode"); err != nil {
		return nil, err
	}
	for _, l := range m.locs {
		if l.ODSCode != nil && *l.ODSCode == odsCode {
			return m.get(l.ID)
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) LockForUpdate(ctx context.Context, id uuid.UUID) (*Location, error) {
	return m.GetByID(ctx, id)
}

func (m *memRepo) Update(_ context.Context, loc *Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("Update"); err != nil {
		return err
	}
	old, ok := m.locs[loc.ID]
	if !ok {
		return ErrNotFound
	}
	c := *loc
	c.Seq = old.Seq
	c.Products = nil
	m.locs[loc.ID] = &c
	return nil
}

func (m *memRepo) sorted(keep func(*Location) bool) []*Location {
	var out []*Location
	for _, l := range m.locs {
		if keep(l) {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (m *memRepo) ListByFilter(_ context.Context, f Filter) ([]*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("ListByFilter"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(f.IDs))
	for _, id := range f.IDs {
		want[id] = true
	}
	return m.sorted(func(l *Location) bool {
		if len(f.IDs) > 0 && !want[l.ID] {
			return false
		}
		if len(f.LocationTypes) > 0 && !containsString(f.LocationTypes, l.LocationType) {
			return false
		}
		if f.ParentID != nil && (l.ParentID == nil || *l.ParentID != *f.ParentID) {
			return false
		}
		if f.Active != nil && l.Active != *f.Active {
			return false
		}
		if f.NameContains != "" && !strings.Contains(strings.ToLower(l.DisplayName), strings.ToLower(f.NameContains)) {
			return false
		}
		if f.ODSCode != "" && (l.ODSCode == nil || *l.ODSCode != f.ODSCode) {
			return false
		}
		if len(f.ProductNames) > 0 {
			found := false
			for _, p := range m.products {
				if p.LocationID == l.ID && containsString(f.ProductNames, p.ProductName) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}), nil
}

func (m *memRepo) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("ListByIDs"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return m.sorted(func(l *Location) bool { return want[l.ID] }), nil
}

func (m *memRepo) ListByODSCodes(_ context.Context, codes []string) ([]*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("ListByODSCodes"); err != nil {
		return nil, err
	}
	return m.sorted(func(l *Location) bool {
		return l.ODSCode != nil && containsString(codes, *l.ODSCode)
	}), nil
}

func (m *memRepo) ListByParentIDs(_ context.Context, parentIDs []uuid.UUID) ([]*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("ListByParentIDs"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(parentIDs))
	for _, id := range parentIDs {
		want[id] = true
	}
	return m.sorted(func(l *Location) bool { return l.ParentID != nil && want[*l.ParentID] }), nil
}

func (m *memRepo) AddProducts(_ context.Context, products []*Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("AddProducts"); err != nil {
		return err
	}
	for _, p := range products {
		c := *p
		m.products[p.ID] = &c
	}
	return nil
}

func (m *memRepo) UpdateProduct(_ context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("UpdateProduct"); err != nil {
		return err
	}
	if _, ok := m.products[p.ID]; !ok {
		return ErrNotFound
	}
	c := *p
	m.products[p.ID] = &c
	return nil
}

func (m *memRepo) ProductsFor(_ context.Context, locationIDs []uuid.UUID) (map[uuid.UUID][]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.count("ProductsFor"); err != nil {
		return nil, err
	}
	want := make(map[uuid.UUID]bool, len(locationIDs))
	for _, id := range locationIDs {
		want[id] = true
	}
	out := make(map[uuid.UUID][]*Product)
	for _, p := range m.products {
		if want[p.LocationID] {
			c := *p
			out[p.LocationID] = append(out[p.LocationID], &c)
		}
	}
	for _, ps := range out {
		sort.Slice(ps, func(i, j int) bool {
			if !ps[i].OpenedDate.Equal(ps[j].OpenedDate.Time) {
				return ps[i].OpenedDate.Before(ps[j].OpenedDate.Time)
			}
			return ps[i].ID.String() < ps[j].ID.String()
		})
	}
	return out, nil
}

// put stores a location directly, bypassing validation. Tests use it to
// build corrupted hierarchies.
func (m *memRepo) put(loc *Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(loc)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// -- Fake Transactor --

// memTx serializes transactions and rolls the repository back when fn
// fails.
type memTx struct {
	mu   sync.Mutex
	repo *memRepo
	runs int
}

func (t *memTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	snap := t.repo.snapshot()
	if err := fn(ctx); err != nil {
		t.repo.restore(snap)
		return err
	}
	return nil
}
