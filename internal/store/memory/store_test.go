package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

func TestNextNumberIsMonotonicPerScope(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New()
		ctx := context.Background()
		units := []string{"u1", "u2"}
		cats := []registry.Category{registry.CategoryIncoming, registry.CategoryOutgoing}
		years := []int{0, 2024, 2025}
		start := rapid.Int64Range(0, 1000).Draw(rt, "start")
		last := map[registry.Scope]int64{}

		calls := rapid.IntRange(1, 60).Draw(rt, "calls")
		for i := 0; i < calls; i++ {
			sc := registry.Scope{
				OrganizationUnitID: rapid.SampledFrom(units).Draw(rt, "unit"),
				Category:           rapid.SampledFrom(cats).Draw(rt, "category"),
				Year:               rapid.SampledFrom(years).Draw(rt, "year"),
			}
			n, err := s.NextNumber(ctx, sc, start)
			if err != nil {
				rt.Fatalf("NextNumber: %v", err)
			}
			prev, seen := last[sc]
			switch {
			case !seen && n != start:
				rt.Fatalf("first number in %+v = %d, want %d", sc, n, start)
			case seen && n != prev+1:
				rt.Fatalf("number in %+v = %d after %d", sc, n, prev)
			}
			last[sc] = n
		}
	})
}

func TestRollbackKeepsCounters(t *testing.T) {
	s := New()
	ctx := context.Background()
	sc := registry.Scope{OrganizationUnitID: "u", Year: 2024, Category: registry.CategoryIncoming}
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx registry.Tx) error {
		n, err := s.NextNumber(ctx, sc, 1)
		require.NoError(t, err)
		require.NoError(t, tx.InsertDocument(ctx, registry.DocumentEntry{
			ID: "doc-1", RegistrationConfigID: "cfg", OrganizationUnitID: "u",
			DocumentNumber: &n, Year: 2024, Category: registry.CategoryIncoming, Status: registry.StatusRegistered,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error {
		_, err := tx.GetDocument(ctx, "doc-1", true)
		require.ErrorIs(t, err, registry.ErrNotFound)
		return nil
	}))
	c, ok := s.Counter(sc)
	require.True(t, ok)
	require.Equal(t, int64(1), c.Value)
}

func TestDocumentNumberUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := int64(7)
	doc := registry.DocumentEntry{
		RegistrationConfigID: "cfg", OrganizationUnitID: "u", DocumentNumber: &n,
		Year: 2024, Category: registry.CategoryIncoming, Status: registry.StatusRegistered,
	}
	first, second := doc, doc
	first.ID, second.ID = "a", "b"
	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertDocument(ctx, first) }))
	require.Error(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertDocument(ctx, second) }))

	require.Error(t, s.WithinTx(ctx, func(tx registry.Tx) error {
		changed := first
		other := int64(8)
		changed.DocumentNumber = &other
		return tx.UpdateDocument(ctx, changed)
	}), "numbers are immutable")
}

func TestDocumentNumberKeyIncludesUnitAndCategory(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := int64(1)
	base := registry.DocumentEntry{
		ID: "a", RegistrationConfigID: "global", OrganizationUnitID: "u1", DocumentNumber: &n,
		Year: 2024, Category: registry.CategoryIncoming, Status: registry.StatusRegistered,
	}
	otherUnit := base
	otherUnit.ID, otherUnit.OrganizationUnitID = "b", "u2"
	otherCategory := base
	otherCategory.ID, otherCategory.Category = "c", registry.CategoryOutgoing
	otherYear := base
	otherYear.ID, otherYear.Year = "d", 2025

	for _, doc := range []registry.DocumentEntry{base, otherUnit, otherCategory, otherYear} {
		require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertDocument(ctx, doc) }), doc.ID)
	}
	dup := base
	dup.ID = "e"
	require.Error(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertDocument(ctx, dup) }))
}

func TestCompleteStepIsOptimistic(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	step := registry.RoutingStep{ID: "s1", DocumentID: "d1", Action: registry.ActionSent, StepStatus: registry.StepPending, CreatedAt: now}
	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertStep(ctx, step) }))

	done := step
	done.Action = registry.ActionReturned
	done.StepStatus = registry.StepCompleted
	done.CompletedAt = &now
	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.CompleteStep(ctx, done) }))
	err := s.WithinTx(ctx, func(tx registry.Tx) error { return tx.CompleteStep(ctx, done) })
	require.ErrorIs(t, err, registry.ErrStepAlreadyCompleted)

	orphan := registry.RoutingStep{ID: "s2", DocumentID: "d2", ParentStepID: "s1", StepStatus: registry.StepPending}
	err = s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertStep(ctx, orphan) })
	require.ErrorIs(t, err, registry.ErrInvalidParentStep)
}

func TestConnectionsAreUnordered(t *testing.T) {
	s := New()
	ctx := context.Background()
	ab := registry.DocumentConnection{ID: "c1", DocumentAID: "a", DocumentBID: "b", ConnectionType: registry.ConnectionRelated}
	ba := registry.DocumentConnection{ID: "c2", DocumentAID: "b", DocumentBID: "a", ConnectionType: registry.ConnectionRelated}
	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertConnection(ctx, ab) }))
	err := s.WithinTx(ctx, func(tx registry.Tx) error { return tx.InsertConnection(ctx, ba) })
	require.ErrorIs(t, err, registry.ErrDuplicateConnection)

	require.NoError(t, s.WithinTx(ctx, func(tx registry.Tx) error {
		conns, err := tx.ListConnections(ctx, "b")
		require.NoError(t, err)
		require.Len(t, conns, 1)
		return nil
	}))
}
