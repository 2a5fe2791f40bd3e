package location

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SNOMED-style codes for the built-in location types.
const (
	TypeOrganisation = "D0000009"
	TypeHospital     = "22232009"
	TypeClinic       = "723231000000104"
	TypeWard         = "225746001"
	TypeBay          = "225730009"
	TypeBed          = "229772003"
)

const (
	ScoreSystemNEWS2 = "news2"
	ScoreSystemMEOWS = "meows"
)

func validScoreSystem(s string) bool {
	return s == ScoreSystemNEWS2 || s == ScoreSystemMEOWS
}

const dateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return Date{t}, nil
}

func (d Date) String() string { return d.Format(dateLayout) }

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Address holds the postal fields shared by locations and requests.
type Address struct {
	AddressLine1 *string `json:"address_line_1,omitempty"`
	AddressLine2 *string `json:"address_line_2,omitempty"`
	AddressLine3 *string `json:"address_line_3,omitempty"`
	AddressLine4 *string `json:"address_line_4,omitempty"`
	Postcode     *string `json:"postcode,omitempty"`
	Country      *string `json:"country,omitempty"`
	Locality     *string `json:"locality,omitempty"`
	Region       *string `json:"region,omitempty"`
}

func (a *Address) merge(p Address) {
	set := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	set(&a.AddressLine1, p.AddressLine1)
	set(&a.AddressLine2, p.AddressLine2)
	set(&a.AddressLine3, p.AddressLine3)
	set(&a.AddressLine4, p.AddressLine4)
	set(&a.Postcode, p.Postcode)
	set(&a.Country, p.Country)
	set(&a.Locality, p.Locality)
	set(&a.Region, p.Region)
}

// Location maps to the location table.
type Location struct {
	ID                 uuid.UUID  `db:"id" json:"uuid"`
	Seq                int64      `db:"seq" json:"-"`
	LocationType       string     `db:"location_type" json:"location_type"`
	DisplayName        string     `db:"display_name" json:"display_name"`
	ODSCode            *string    `db:"ods_code" json:"ods_code,omitempty"`
	ParentID           *uuid.UUID `db:"parent_id" json:"parent_id,omitempty"`
	Active             bool       `db:"active" json:"active"`
	ScoreSystemDefault *string    `db:"score_system_default" json:"score_system_default,omitempty"`
	Address
	Products   []*Product `json:"dh_products,omitempty"`
	Created    time.Time  `db:"created" json:"created"`
	CreatedBy  string     `db:"created_by" json:"created_by"`
	Modified   time.Time  `db:"modified" json:"modified"`
	ModifiedBy string     `db:"modified_by" json:"modified_by"`
}

func (l *Location) clone() *Location {
	c := *l
	c.Products = append([]*Product(nil), l.Products...)
	return &c
}

// Product maps to the location_product table. A product is open until it
// has a closed date.
type Product struct {
	ID                uuid.UUID `db:"id" json:"uuid"`
	LocationID        uuid.UUID `db:"location_id" json:"-"`
	ProductName       string    `db:"product_name" json:"product_name"`
	OpenedDate        Date      `db:"opened_date" json:"opened_date"`
	ClosedDate        *Date     `db:"closed_date" json:"closed_date,omitempty"`
	ClosedReason      *string   `db:"closed_reason" json:"closed_reason,omitempty"`
	ClosedReasonOther *string   `db:"closed_reason_other" json:"closed_reason_other,omitempty"`
	Created           time.Time `db:"created" json:"created"`
	CreatedBy         string    `db:"created_by" json:"created_by"`
	Modified          time.Time `db:"modified" json:"modified"`
	ModifiedBy        string    `db:"modified_by" json:"modified_by"`
}

func (p *Product) Open() bool { return p.ClosedDate == nil }

// ProductRequest opens a product on create, or opens/closes one on update
// when ID names an existing product.
type ProductRequest struct {
	ID                *uuid.UUID `json:"uuid,omitempty"`
	ProductName       string     `json:"product_name"`
	OpenedDate        *Date      `json:"opened_date,omitempty"`
	ClosedDate        *Date      `json:"closed_date,omitempty"`
	ClosedReason      *string    `json:"closed_reason,omitempty"`
	ClosedReasonOther *string    `json:"closed_reason_other,omitempty"`
}

// CreateRequest carries the caller-supplied fields of a new location.
// Parent may be given by id, by ODS code, or both when they agree.
type CreateRequest struct {
	ID                 *uuid.UUID `json:"uuid,omitempty"`
	LocationType       string     `json:"location_type"`
	DisplayName        string     `json:"display_name"`
	ODSCode            *string    `json:"ods_code,omitempty"`
	ParentID           *uuid.UUID `json:"parent,omitempty"`
	ParentODSCode      *string    `json:"parent_ods_code,omitempty"`
	Active             *bool      `json:"active,omitempty"`
	ScoreSystemDefault *string    `json:"score_system_default,omitempty"`
	Address
	Products []ProductRequest `json:"dh_products,omitempty"`
}

// BulkEntry is one location of a bulk request. Key names the entry within
// the batch so that other entries can use it as their ParentKey.
type BulkEntry struct {
	Key       string `json:"key,omitempty"`
	ParentKey string `json:"parent_key,omitempty"`
	CreateRequest
}

// NullableID distinguishes an absent field from an explicit null.
type NullableID struct {
	Set bool
	ID  *uuid.UUID
}

func (n *NullableID) UnmarshalJSON(data []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		n.ID = nil
		return nil
	}
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	n.ID = &id
	return nil
}

func (n NullableID) MarshalJSON() ([]byte, error) {
	if n.ID == nil {
		return []byte("null"), nil
	}
	return json.Marshal(n.ID)
}

// Patch lists the fields to change. Nil fields are left untouched. A Parent
// set to null moves the location to the root.
type Patch struct {
	LocationType       *string    `json:"location_type,omitempty"`
	DisplayName        *string    `json:"display_name,omitempty"`
	ODSCode            *string    `json:"ods_code,omitempty"`
	Parent             NullableID `json:"parent"`
	Active             *bool      `json:"active,omitempty"`
	ScoreSystemDefault *string    `json:"score_system_default,omitempty"`
	Address
	Products []ProductRequest `json:"dh_products,omitempty"`
}

// Filter is the store-level query built from search criteria.
type Filter struct {
	IDs           []uuid.UUID
	LocationTypes []string
	ParentID      *uuid.UUID
	Active        *bool
	NameContains  string
	ODSCode       string
	ProductNames  []string
}

// Criteria selects and shapes search results. Active defaults to true
// unless set explicitly or IncludeInactive is true.
type Criteria struct {
	LocationTypes   []string
	ParentID        *uuid.UUID
	Active          *bool
	IncludeInactive bool
	NameContains    string
	ODSCode         string
	ProductNames    []string
	Compact         bool
	Children        bool
}

// GetOptions shapes a single-location read.
type GetOptions struct {
	ReturnParentOfType string
	Children           bool
	Compact            bool
}

// ParentView is one link of the nested ancestor chain in responses.
type ParentView struct {
	ID           uuid.UUID   `json:"uuid"`
	DisplayName  string      `json:"display_name"`
	LocationType string      `json:"location_type"`
	ODSCode      *string     `json:"ods_code,omitempty"`
	Active       bool        `json:"active"`
	Parent       *ParentView `json:"parent,omitempty"`
}

// View is a location enriched with its ancestor chain and, on request,
// the ids of all its descendants.
type View struct {
	*Location
	Parent   *ParentView `json:"parent,omitempty"`
	Children []uuid.UUID `json:"children,omitempty"`
}

func nestChain(chain []*Location) *ParentView {
	var head *ParentView
	for i := len(chain) - 1; i >= 0; i-- {
		a := chain[i]
		head = &ParentView{
			ID:           a.ID,
			DisplayName:  a.DisplayName,
			LocationType: a.LocationType,
			ODSCode:      a.ODSCode,
			Active:       a.Active,
			Parent:       head,
		}
	}
	return head
}

func newView(loc *Location, chain []*Location, compact bool) *View {
	l := loc.clone()
	if compact {
		l.Address = Address{}
		l.Products = nil
	}
	return &View{Location: l, Parent: nestChain(chain)}
}
