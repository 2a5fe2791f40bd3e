package location

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence interface for locations. List methods
// order by creation sequence, then id, and never load products; use
// ProductsFor for that.
type Repository interface {
	Create(ctx context.Context, loc *Location) error
	CreateMany(ctx context.Context, locs []*Location) error
	GetByID(ctx context.Context, id uuid.UUID) (*Location, error)
	GetByODSCode(ctx context.Context, odsCode string) (*Location, error)
	LockForUpdate(ctx context.Context, id uuid.UUID) (*Location, error)
	Update(ctx context.Context, loc *Location) error
	ListByFilter(ctx context.Context, f Filter) ([]*Location, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Location, error)
	ListByODSCodes(ctx context.Context, codes []string) ([]*Location, error)
	ListByParentIDs(ctx context.Context, parentIDs []uuid.UUID) ([]*Location, error)

	AddProducts(ctx context.Context, products []*Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	ProductsFor(ctx context.Context, locationIDs []uuid.UUID) (map[uuid.UUID][]*Product, error)
}

// TypeRepository loads the type hierarchy tables.
type TypeRepository interface {
	LoadTypeHierarchy(ctx context.Context) (*TypeHierarchy, error)
}
