package location

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/locations/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func NewTypeRepo(pool *pgxpool.Pool) TypeRepository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const locColumns = `id, seq, location_type, display_name, ods_code, parent_id, active,
	score_system_default,
	address_line_1, address_line_2, address_line_3, address_line_4,
	postcode, country, locality, region,
	created, created_by, modified, modified_by`

var copyColumns = []string{
	"id", "location_type", "display_name", "ods_code", "parent_id", "active",
	"score_system_default",
	"address_line_1", "address_line_2", "address_line_3", "address_line_4",
	"postcode", "country", "locality", "region",
	"created", "created_by", "modified", "modified_by",
}

const orderBy = ` ORDER BY seq, id`

func (r *repoPG) Create(ctx context.Context, loc *Location) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO location (
			id, location_type, display_name, ods_code, parent_id, active,
			score_system_default,
			address_line_1, address_line_2, address_line_3, address_line_4,
			postcode, country, locality, region,
			created, created_by, modified, modified_by
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19
		) RETURNING seq`,
		copyRow(loc)...,
	).Scan(&loc.Seq)
	if err != nil {
		return fmt.Errorf("insert location %s: %w", loc.ID, err)
	}
	return nil
}

func copyRow(l *Location) []interface{} {
	return []interface{}{
		l.ID, l.LocationType, l.DisplayName, l.ODSCode, l.ParentID, l.Active,
		l.ScoreSystemDefault,
		l.AddressLine1, l.AddressLine2, l.AddressLine3, l.AddressLine4,
		l.Postcode, l.Country, l.Locality, l.Region,
		l.Created, l.CreatedBy, l.Modified, l.ModifiedBy,
	}
}

// CreateMany bulk-loads locs with COPY. Rows are written in slice order, so
// the sequence column follows it.
func (r *repoPG) CreateMany(ctx context.Context, locs []*Location) error {
	if len(locs) == 0 {
		return nil
	}
	n, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"location"}, copyColumns,
		pgx.CopyFromSlice(len(locs), func(i int) ([]interface{}, error) {
			return copyRow(locs[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy %d locations: %w", len(locs), err)
	}
	if int(n) != len(locs) {
		return fmt.Errorf("copy locations: wrote %d of %d rows", n, len(locs))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Location, error) {
	return scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+locColumns+` FROM location WHERE id = $1`, id))
}

func (r *repoPG) GetByODSCode(ctx context.Context, odsCode string) (*Location, error) {
	return scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+locColumns+` FROM location WHERE ods_code = $1`, odsCode))
}

func (r *repoPG) LockForUpdate(ctx context.Context, id uuid.UUID) (*Location, error) {
	return scanOne(r.conn(ctx).QueryRow(ctx, `SELECT `+locColumns+` FROM location WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Update(ctx context.Context, loc *Location) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE location SET
			display_name = $2, ods_code = $3, parent_id = $4, active = $5,
			score_system_default = $6,
			address_line_1 = $7, address_line_2 = $8, address_line_3 = $9, address_line_4 = $10,
			postcode = $11, country = $12, locality = $13, region = $14,
			modified = $15, modified_by = $16
		WHERE id = $1`,
		loc.ID, loc.DisplayName, loc.ODSCode, loc.ParentID, loc.Active,
		loc.ScoreSystemDefault,
		loc.AddressLine1, loc.AddressLine2, loc.AddressLine3, loc.AddressLine4,
		loc.Postcode, loc.Country, loc.Locality, loc.Region,
		loc.Modified, loc.ModifiedBy,
	)
	if err != nil {
		return fmt.Errorf("update location %s: %w", loc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByFilter(ctx context.Context, f Filter) ([]*Location, error) {
	where, args := filterClause(f)
	return r.list(ctx, `SELECT `+locColumns+` FROM location`+where+orderBy, args...)
}

func (r *repoPG) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*Location, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+locColumns+` FROM location WHERE id = ANY($1)`+orderBy, ids)
}

func (r *repoPG) ListByODSCodes(ctx context.Context, codes []string) ([]*Location, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+locColumns+` FROM location WHERE ods_code = ANY($1)`+orderBy, codes)
}

func (r *repoPG) ListByParentIDs(ctx context.Context, parentIDs []uuid.UUID) ([]*Location, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx, `SELECT `+locColumns+` FROM location WHERE parent_id = ANY($1)`+orderBy, parentIDs)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Location, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	var locs []*Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return locs, nil
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if len(f.LocationTypes) > 0 {
		add("location_type = ANY($%d)", f.LocationTypes)
	}
	if f.ParentID != nil {
		add("parent_id = $%d", *f.ParentID)
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if f.NameContains != "" {
		add("display_name ILIKE $%d", "%"+escapeLike(f.NameContains)+"%")
	}
	if f.ODSCode != "" {
		add("ods_code = $%d", f.ODSCode)
	}
	if len(f.ProductNames) > 0 {
		add(`EXISTS (SELECT 1 FROM location_product p
			WHERE p.location_id = location.id AND p.product_name = ANY($%d))`, f.ProductNames)
	}
	if len(f.IDs) > 0 {
		add("id = ANY($%d)", f.IDs)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func scanOne(row pgx.Row) (*Location, error) {
	loc, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan location: %w", err)
	}
	return loc, nil
}

func scanLocation(row pgx.Row) (*Location, error) {
	var l Location
	err := row.Scan(
		&l.ID, &l.Seq, &l.LocationType, &l.DisplayName, &l.ODSCode, &l.ParentID, &l.Active,
		&l.ScoreSystemDefault,
		&l.AddressLine1, &l.AddressLine2, &l.AddressLine3, &l.AddressLine4,
		&l.Postcode, &l.Country, &l.Locality, &l.Region,
		&l.Created, &l.CreatedBy, &l.Modified, &l.ModifiedBy,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// -- Products --

const productColumns = `id, location_id, product_name, opened_date, closed_date,
	closed_reason, closed_reason_other, created, created_by, modified, modified_by`

var productCopyColumns = []string{
	"id", "location_id", "product_name", "opened_date", "closed_date",
	"closed_reason", "closed_reason_other", "created", "created_by", "modified", "modified_by",
}

func (r *repoPG) AddProducts(ctx context.Context, products []*Product) error {
	if len(products) == 0 {
		return nil
	}
	_, err := r.conn(ctx).CopyFrom(ctx, pgx.Identifier{"location_product"}, productCopyColumns,
		pgx.CopyFromSlice(len(products), func(i int) ([]interface{}, error) {
			p := products[i]
			return []interface{}{
				p.ID, p.LocationID, p.ProductName, p.OpenedDate.Time, dateArg(p.ClosedDate),
				p.ClosedReason, p.ClosedReasonOther, p.Created, p.CreatedBy, p.Modified, p.ModifiedBy,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy %d products: %w", len(products), err)
	}
	return nil
}

func (r *repoPG) UpdateProduct(ctx context.Context, p *Product) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE location_product SET
			opened_date = $2, closed_date = $3, closed_reason = $4, closed_reason_other = $5,
			modified = $6, modified_by = $7
		WHERE id = $1`,
		p.ID, p.OpenedDate.Time, dateArg(p.ClosedDate), p.ClosedReason, p.ClosedReasonOther,
		p.Modified, p.ModifiedBy,
	)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("product %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (r *repoPG) ProductsFor(ctx context.Context, locationIDs []uuid.UUID) (map[uuid.UUID][]*Product, error) {
	out := make(map[uuid.UUID][]*Product)
	if len(locationIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+productColumns+` FROM location_product
		WHERE location_id = ANY($1) ORDER BY opened_date, created, id`, locationIDs)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Product
		var opened time.Time
		var closed *time.Time
		if err := rows.Scan(
			&p.ID, &p.LocationID, &p.ProductName, &opened, &closed,
			&p.ClosedReason, &p.ClosedReasonOther, &p.Created, &p.CreatedBy, &p.Modified, &p.ModifiedBy,
		); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		p.OpenedDate = NewDate(opened)
		if closed != nil {
			d := NewDate(*closed)
			p.ClosedDate = &d
		}
		out[p.LocationID] = append(out[p.LocationID], &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func dateArg(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// -- Type hierarchy --

func (r *repoPG) LoadTypeHierarchy(ctx context.Context) (*TypeHierarchy, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT code, name, is_root FROM location_type ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query location types: %w", err)
	}
	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TypeInfo, error) {
		var t TypeInfo
		err := row.Scan(&t.Code, &t.Name, &t.Root)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan location types: %w", err)
	}

	rows, err = r.conn(ctx).Query(ctx, `SELECT parent_code, child_code FROM location_type_rule ORDER BY parent_code, child_code`)
	if err != nil {
		return nil, fmt.Errorf("query location type rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TypeRule, error) {
		var tr TypeRule
		err := row.Scan(&tr.ParentCode, &tr.ChildCode)
		return tr, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan location type rules: %w", err)
	}

	h, err := NewTypeHierarchy(types, rules)
	if err != nil {
		return nil, fmt.Errorf("load type hierarchy: %w", err)
	}
	return h, nil
}
