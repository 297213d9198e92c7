package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/httpapi"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry/remote"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/store/memory"
)

func newServer(t *testing.T) string {
	t.Helper()
	nop := zerolog.Nop()
	api := httpapi.New(registry.New(memory.New()), httpapi.Options{
		Version:    "test",
		Logger:     &nop,
		RateBurst:  1000,
		RatePerSec: 1000,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func approved() *registry.Resolution {
	r := registry.ResolutionApproved
	return &r
}

func TestClientWorkflow(t *testing.T) {
	ctx := context.Background()
	base := newServer(t)
	clerk := remote.New(base, remote.WithActor("clerk-1"))
	priest := remote.New(base, remote.WithActor("priest-1"))

	cfg, err := clerk.CreateConfig(ctx, registry.RegistrationConfig{
		OrganizationUnitID: "parish-1",
		Name:               "Outgoing",
		ResetsAnnually:     true,
		StartingNumber:     10,
	})
	require.NoError(t, err)

	got, err := clerk.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.EqualValues(t, 10, got.StartingNumber)

	doc, err := clerk.Register(ctx, registry.RegisterRequest{
		RegistrationConfigID: cfg.ID,
		OrganizationUnitID:   "parish-1",
		Category:             registry.CategoryOutgoing,
		Subject:              "Reply to diocese",
	})
	require.NoError(t, err)
	require.EqualValues(t, 10, *doc.DocumentNumber)
	require.Equal(t, "clerk-1", doc.CreatedBy)

	step, err := clerk.OpenRoute(ctx, registry.OpenRouteRequest{
		DocumentID: doc.ID,
		ToActorID:  "priest-1",
		Action:     registry.ActionSent,
	})
	require.NoError(t, err)

	closed, err := priest.CloseRoute(ctx, registry.CloseRouteRequest{
		StepID:     step.ID,
		Action:     registry.ActionApproved,
		Resolution: approved(),
	})
	require.NoError(t, err)
	require.Equal(t, registry.StepCompleted, closed.StepStatus)

	_, err = priest.CloseRoute(ctx, registry.CloseRouteRequest{
		StepID:     step.ID,
		Action:     registry.ActionApproved,
		Resolution: approved(),
	})
	require.ErrorIs(t, err, registry.ErrStepAlreadyCompleted)

	tree, err := clerk.RouteTree(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, tree, 1)

	doc, err = clerk.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusResolved, doc.Status)

	rec, err := clerk.Archive(ctx, doc.ID, registry.ArchiveRequest{ArchiveIndicator: "B", ArchiveTerm: "5y", ArchiveLocation: "Cabinet"})
	require.NoError(t, err)
	require.Equal(t, "clerk-1", rec.ArchivedBy)

	_, err = clerk.TransitionStatus(ctx, doc.ID, registry.StatusCancelled)
	require.ErrorIs(t, err, registry.ErrInvalidTransition)
}

func TestClientErrorsMapToSentinels(t *testing.T) {
	ctx := context.Background()
	c := remote.New(newServer(t), remote.WithActor("clerk-1"))

	_, err := c.GetDocument(ctx, "01HQZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, err, registry.ErrNotFound)
	apiErr, ok := remote.IsAPIError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.NotEmpty(t, apiErr.RequestID)

	_, err = c.Register(ctx, registry.RegisterRequest{RegistrationConfigID: "missing", OrganizationUnitID: "p", Category: registry.CategoryIncoming, Subject: "s"})
	require.ErrorIs(t, err, registry.ErrInvalidConfig)
	require.False(t, errors.Is(err, registry.ErrNotFound))
}

func TestClientListAndExpire(t *testing.T) {
	ctx := context.Background()
	c := remote.New(newServer(t), remote.WithActor("clerk-1"))
	cfg, err := c.CreateConfig(ctx, registry.RegistrationConfig{OrganizationUnitID: "parish-1", Name: "Internal", StartingNumber: 1})
	require.NoError(t, err)

	var last registry.DocumentEntry
	for i := 0; i < 3; i++ {
		last, err = c.Register(ctx, registry.RegisterRequest{
			RegistrationConfigID: cfg.ID,
			OrganizationUnitID:   "parish-1",
			Category:             registry.CategoryInternal,
			Subject:              "Memo",
		})
		require.NoError(t, err)
	}

	page, next, err := c.ListDocuments(ctx, registry.DocumentFilter{OrganizationUnitID: "parish-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	page, next, err = c.ListDocuments(ctx, registry.DocumentFilter{OrganizationUnitID: "parish-1", Limit: 2, After: next})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Empty(t, next)

	_, err = c.OpenRoute(ctx, registry.OpenRouteRequest{DocumentID: last.ID, ToActorID: "p", Action: registry.ActionForwarded})
	require.NoError(t, err)
	n, err := c.MarkExpired(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, c.MarkDeleted(ctx, last.ID))
	_, err = c.GetDocument(ctx, last.ID)
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.NoError(t, c.Ready(ctx))
}
