package location

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainFixture stores organisation > hospital > ward > bay > bed.
func chainFixture(t *testing.T) (*memRepo, []*Location) {
	t.Helper()
	repo := newMemRepo()
	types := []string{TypeOrganisation, TypeHospital, TypeWard, TypeBay, TypeBed}
	var chain []*Location
	var parent *uuid.UUID
	for i, typ := range types {
		l := &Location{ID: uuid.New(), LocationType: typ, DisplayName: typ, Active: true, ParentID: parent}
		repo.put(l)
		chain = append(chain, l)
		id := chain[i].ID
		parent = &id
	}
	return repo, chain
}

func TestResolver_AncestorChain(t *testing.T) {
	repo, chain := chainFixture(t)
	r := NewResolver(repo, DefaultTypeHierarchy())
	bed := chain[4]

	got, err := r.AncestorChain(context.Background(), bed)
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, want := range []*Location{chain[3], chain[2], chain[1], chain[0]} {
		assert.Equal(t, want.ID, got[i].ID, "position %d", i)
	}

	seen := map[uuid.UUID]bool{}
	for _, a := range got {
		assert.False(t, seen[a.ID], "duplicate ancestor %s", a.ID)
		seen[a.ID] = true
	}

	root, err := r.AncestorChain(context.Background(), chain[0])
	require.NoError(t, err)
	assert.Empty(t, root)
}

func TestResolver_AncestorChain_Corrupted(t *testing.T) {
	t.Run("dangling parent", func(t *testing.T) {
		repo := newMemRepo()
		missing := uuid.New()
		orphan := &Location{ID: uuid.New(), LocationType: TypeWard, ParentID: &missing}
		repo.put(orphan)

		_, err := NewResolver(repo, DefaultTypeHierarchy()).AncestorChain(context.Background(), orphan)
		var ce *ConflictError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("cycle", func(t *testing.T) {
		repo := newMemRepo()
		a := &Location{ID: uuid.New(), LocationType: TypeWard}
		b := &Location{ID: uuid.New(), LocationType: TypeBay, ParentID: &a.ID}
		a.ParentID = &b.ID
		repo.put(a)
		repo.put(b)

		_, err := NewResolver(repo, DefaultTypeHierarchy()).AncestorChain(context.Background(), b)
		var ce *ConflictError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("chain longer than max depth", func(t *testing.T) {
		repo := newMemRepo()
		var parent *uuid.UUID
		var last *Location
		for i := 0; i < 8; i++ {
			l := &Location{ID: uuid.New(), LocationType: TypeWard, ParentID: parent}
			repo.put(l)
			id := l.ID
			parent = &id
			last = l
		}
		_, err := NewResolver(repo, DefaultTypeHierarchy()).AncestorChain(context.Background(), last)
		var ce *ConflictError
		assert.ErrorAs(t, err, &ce)
	})
}

func TestResolver_NearestOfType(t *testing.T) {
	repo, chain := chainFixture(t)
	r := NewResolver(repo, DefaultTypeHierarchy())
	ctx := context.Background()

	got, err := r.NearestOfType(ctx, chain[4], TypeHospital)
	require.NoError(t, err)
	assert.Equal(t, chain[1].ID, got.ID)

	got, err = r.NearestOfType(ctx, chain[2], TypeWard)
	require.NoError(t, err)
	assert.Equal(t, chain[2].ID, got.ID)

	_, err = r.NearestOfType(ctx, chain[2], TypeBed)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = r.NearestOfType(ctx, chain[2], "unknown")
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestResolver_NearestOfType_CycleIsBounded(t *testing.T) {
	repo := newMemRepo()
	a := &Location{ID: uuid.New(), LocationType: TypeWard}
	b := &Location{ID: uuid.New(), LocationType: TypeBay, ParentID: &a.ID}
	a.ParentID = &b.ID
	repo.put(a)
	repo.put(b)

	_, err := NewResolver(repo, DefaultTypeHierarchy()).NearestOfType(context.Background(), b, TypeHospital)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.LessOrEqual(t, repo.calls["GetByID"], DefaultTypeHierarchy().MaxDepth())
}

func TestResolver_AncestorChains_OneQueryPerLevel(t *testing.T) {
	repo, chain := chainFixture(t)
	bay2 := &Location{ID: uuid.New(), LocationType: TypeBay, ParentID: &chain[2].ID}
	repo.put(bay2)
	r := NewResolver(repo, DefaultTypeHierarchy())

	chains, err := r.AncestorChains(context.Background(), []*Location{chain[4], bay2, chain[0]})
	require.NoError(t, err)

	assert.Len(t, chains[chain[4].ID], 4)
	require.Len(t, chains[bay2.ID], 3)
	assert.Equal(t, chain[2].ID, chains[bay2.ID][0].ID)
	assert.Empty(t, chains[chain[0].ID])
	assert.Equal(t, 2, repo.calls["ListByIDs"])
	assert.Zero(t, repo.calls["GetByID"])
}

func TestResolver_AncestorChains_Dangling(t *testing.T) {
	repo := newMemRepo()
	missing := uuid.New()
	orphan := &Location{ID: uuid.New(), LocationType: TypeWard, ParentID: &missing}
	repo.put(orphan)

	_, err := NewResolver(repo, DefaultTypeHierarchy()).AncestorChains(context.Background(), []*Location{orphan})
	var ce *ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestResolver_Descendants(t *testing.T) {
	repo, chain := chainFixture(t)
	ward2 := &Location{ID: uuid.New(), LocationType: TypeWard, ParentID: &chain[1].ID}
	repo.put(ward2)
	r := NewResolver(repo, DefaultTypeHierarchy())

	// The ward is itself a descendant of the hospital; both must get full
	// subtrees.
	desc, err := r.Descendants(context.Background(), []uuid.UUID{chain[1].ID, chain[2].ID, chain[4].ID})
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{chain[2].ID, ward2.ID, chain[3].ID, chain[4].ID}, desc[chain[1].ID])
	assert.Equal(t, []uuid.UUID{chain[3].ID, chain[4].ID}, desc[chain[2].ID])
	assert.Empty(t, desc[chain[4].ID])
}
