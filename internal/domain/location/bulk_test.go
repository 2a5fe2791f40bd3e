package location

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(key, parentKey, typ string) BulkEntry {
	return BulkEntry{Key: key, ParentKey: parentKey, CreateRequest: CreateRequest{LocationType: typ, DisplayName: key}}
}

func violationsAt(ve *ValidationError, index int) []Violation {
	var out []Violation
	for _, v := range ve.Violations {
		if v.Index == index {
			out = append(out, v)
		}
	}
	return out
}

func TestBulkCreate_Empty(t *testing.T) {
	svc, _, tx := newTestService(t)
	locs, err := svc.BulkCreateLocations(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, locs)
	assert.Zero(t, tx.runs)
}

func TestBulkCreate_MixedReferences(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	org := mustCreate(t, svc, CreateRequest{LocationType: TypeOrganisation, DisplayName: "Trust", ODSCode: strPtr("TRUST")})
	stored := mustCreate(t, svc, CreateRequest{LocationType: TypeHospital, DisplayName: "Stored", ParentID: &org.ID})

	hospitalID := uuid.New()
	entries := []BulkEntry{
		// Child listed before its parent.
		entry("ward-a", "hosp", TypeWard),
		{Key: "hosp", CreateRequest: CreateRequest{ID: &hospitalID, LocationType: TypeHospital, DisplayName: "New", ParentODSCode: strPtr("TRUST"), ODSCode: strPtr("NEW1")}},
		{Key: "ward-b", CreateRequest: CreateRequest{LocationType: TypeWard, DisplayName: "B", ParentID: &hospitalID}},
		{Key: "ward-c", CreateRequest: CreateRequest{LocationType: TypeWard, DisplayName: "C", ParentID: &stored.ID}},
		{Key: "clinic", CreateRequest: CreateRequest{LocationType: TypeClinic, DisplayName: "Clinic", ParentODSCode: strPtr("NEW1"),
			Products: []ProductRequest{{ProductName: "DBM"}}}},
		entry("bed", "ward-a", TypeBed),
	}

	locs, err := svc.BulkCreateLocations(ctx, entries)
	require.NoError(t, err)
	require.Len(t, locs, len(entries))

	assert.Equal(t, "ward-a", locs[0].DisplayName)
	assert.Equal(t, hospitalID, locs[1].ID)
	assert.Equal(t, org.ID, *locs[1].ParentID)
	assert.Equal(t, hospitalID, *locs[0].ParentID)
	assert.Equal(t, hospitalID, *locs[2].ParentID)
	assert.Equal(t, stored.ID, *locs[3].ParentID)
	assert.Equal(t, hospitalID, *locs[4].ParentID)
	assert.Equal(t, locs[0].ID, *locs[5].ParentID)
	require.Len(t, locs[4].Products, 1)

	// Parents are written before children.
	assert.Less(t, locs[1].Seq, locs[0].Seq)
	assert.Less(t, locs[0].Seq, locs[5].Seq)

	assert.Len(t, repo.locs, 2+len(entries))
	assert.Equal(t, 1, repo.calls["CreateMany"])

	chain, err := svc.AncestorChain(ctx, locs[5].ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []uuid.UUID{locs[0].ID, hospitalID, org.ID}, []uuid.UUID{chain[0].ID, chain[1].ID, chain[2].ID})
}

func TestBulkCreate_CyclesRejectedWhole(t *testing.T) {
	svc, repo, _ := newTestService(t)
	mustCreate(t, svc, CreateRequest{LocationType: TypeHospital, DisplayName: "Existing"})
	before := len(repo.locs)

	entries := []BulkEntry{
		entry("h", "", TypeHospital),
		entry("a", "b", TypeWard),
		entry("b", "a", TypeWard),
		entry("c", "c", TypeBay),
		entry("d", "a", TypeBay),
		entry("w", "h", TypeWard),
	}
	_, err := svc.BulkCreateLocations(context.Background(), entries)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	assert.Equal(t, before, len(repo.locs), "store must be unchanged")
	assert.Zero(t, repo.calls["CreateMany"])

	for _, i := range []int{1, 2, 3} {
		vs := violationsAt(ve, i)
		require.Len(t, vs, 1, "entry %d", i)
		assert.Contains(t, vs[0].Message, "parent reference cycle")
		assert.Equal(t, "parent_key", vs[0].Field)
	}
	assert.Contains(t, violationsAt(ve, 1)[0].Message, "a -> b -> a")
	assert.Contains(t, violationsAt(ve, 3)[0].Message, "c -> c")

	d := violationsAt(ve, 4)
	require.Len(t, d, 1)
	assert.Contains(t, d[0].Message, "ancestor chain of d contains a cycle")

	assert.Empty(t, violationsAt(ve, 0))
	assert.Empty(t, violationsAt(ve, 5))
	assert.Len(t, ve.Violations, 4)
}

func TestBulkCreate_Violations(t *testing.T) {
	svc, _, _ := newTestService(t)
	stored := mustCreate(t, svc, CreateRequest{LocationType: TypeHospital, DisplayName: "S", ODSCode: strPtr("S1")})
	other := mustCreate(t, svc, CreateRequest{LocationType: TypeHospital, DisplayName: "O", ODSCode: strPtr("O1")})
	missing := uuid.New()

	tests := []struct {
		name    string
		entries []BulkEntry
		index   int
		field   string
	}{
		{"duplicate key", []BulkEntry{entry("x", "", TypeHospital), entry("x", "", TypeHospital)}, 1, "key"},
		{"unknown parent key", []BulkEntry{entry("w", "nope", TypeWard)}, 0, "parent_key"},
		{"missing parent id", []BulkEntry{{CreateRequest: CreateRequest{LocationType: TypeWard, DisplayName: "w", ParentID: &missing}}}, 0, "parent"},
		{"unknown parent ods", []BulkEntry{{CreateRequest: CreateRequest{LocationType: TypeWard, DisplayName: "w", ParentODSCode: strPtr("ZZ")}}}, 0, "parent_ods_code"},
		{"uuid exists", []BulkEntry{{CreateRequest: CreateRequest{ID: &stored.ID, LocationType: TypeHospital, DisplayName: "dup"}}}, 0, "uuid"},
		{"ods exists", []BulkEntry{{CreateRequest: CreateRequest{LocationType: TypeHospital, DisplayName: "dup", ODSCode: strPtr("S1")}}}, 0, "ods_code"},
		{"duplicate ods in batch", []BulkEntry{
			{Key: "1", CreateRequest: CreateRequest{LocationType: TypeHospital, DisplayName: "1", ODSCode: strPtr("N")}},
			{Key: "2", CreateRequest: CreateRequest{LocationType: TypeHospital, DisplayName: "2", ODSCode: strPtr("N")}},
		}, 1, "ods_code"},
		{"references disagree", []BulkEntry{{CreateRequest: CreateRequest{LocationType: TypeWard, DisplayName: "w",
			ParentID: &stored.ID, ParentODSCode: strPtr("O1")}}}, 0, "parent_ods_code"},
		{"illegal in-batch pairing", []BulkEntry{entry("h", "", TypeHospital), entry("bed", "h", TypeBed)}, 1, "parent_key"},
		{"illegal stored pairing", []BulkEntry{{CreateRequest: CreateRequest{LocationType: TypeBay, DisplayName: "b", ParentID: &other.ID}}}, 0, "parent"},
		{"root required", []BulkEntry{entry("w", "", TypeWard)}, 0, "parent"},
		{"inactive in-batch parent", []BulkEntry{
			{Key: "h", CreateRequest: CreateRequest{LocationType: TypeHospital, DisplayName: "h", Active: boolPtr(false)}},
			entry("w", "h", TypeWard),
		}, 1, "parent_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.BulkCreateLocations(context.Background(), tt.entries)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			found := false
			for _, v := range violationsAt(ve, tt.index) {
				if v.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "want violation on entry %d field %s, got %v", tt.index, tt.field, ve.Violations)
		})
	}
}

func TestBulkCreate_ViolationsSortedByIndex(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.BulkCreateLocations(context.Background(), []BulkEntry{
		entry("a", "", TypeWard),
		entry("b", "", TypeBay),
		entry("a", "", TypeBed),
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	for i := 1; i < len(ve.Violations); i++ {
		assert.LessOrEqual(t, ve.Violations[i-1].Index, ve.Violations[i].Index)
	}
}

func TestBulkCreate_StorageFailureRollsBack(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.failOn["AddProducts"] = errors.New("deadlock detected")

	_, err := svc.BulkCreateLocations(context.Background(), []BulkEntry{
		entry("h", "", TypeHospital),
		entry("w", "h", TypeWard),
	})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Empty(t, repo.locs)
}

func TestBulkCreate_LargeHierarchy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large hierarchy in short mode")
	}
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	var entries []BulkEntry
	for h := 0; h < 4; h++ {
		hk := fmt.Sprintf("h%d", h)
		entries = append(entries, entry(hk, "", TypeHospital))
		for w := 0; w < 10; w++ {
			wk := fmt.Sprintf("%s-w%d", hk, w)
			entries = append(entries, entry(wk, hk, TypeWard))
			for b := 0; b < 10; b++ {
				bk := fmt.Sprintf("%s-b%d", wk, b)
				entries = append(entries, entry(bk, wk, TypeBay))
				for d := 0; d < 5; d++ {
					entries = append(entries, entry(fmt.Sprintf("%s-d%d", bk, d), bk, TypeBed))
				}
			}
		}
	}
	require.Len(t, entries, 4+40+400+2000)

	start := time.Now()
	locs, err := svc.BulkCreateLocations(ctx, entries)
	require.NoError(t, err)
	require.Len(t, locs, len(entries))
	assert.Len(t, repo.locs, len(entries))

	views, err := svc.SearchLocations(ctx, Criteria{Compact: true})
	require.NoError(t, err)
	require.Len(t, views, len(entries))
	assert.Less(t, time.Since(start), 30*time.Second)

	depth := map[string]int{TypeHospital: 0, TypeWard: 1, TypeBay: 2, TypeBed: 3}
	byID := make(map[uuid.UUID]*View, len(views))
	for _, v := range views {
		byID[v.ID] = v
	}
	for _, v := range views {
		n := 0
		for p := v.Parent; p != nil; p = p.Parent {
			n++
		}
		require.Equal(t, depth[v.LocationType], n, "chain of %s", v.DisplayName)
		if v.ParentID != nil {
			require.NotNil(t, v.Parent)
			assert.Equal(t, *v.ParentID, v.Parent.ID)
			assert.Equal(t, byID[*v.ParentID].DisplayName, v.Parent.DisplayName)
		}
	}
}
